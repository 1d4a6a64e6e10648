package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"firenotes/apps/embedder/internal/app"
	"firenotes/apps/embedder/internal/config"
	"firenotes/apps/embedder/internal/logger"
	"firenotes/apps/embedder/internal/queue"
	"firenotes/apps/embedder/internal/retrieval"
	"firenotes/apps/embedder/internal/worker"
)

func main() {
	if err := newCLI(os.Stdout).Run(os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newCLI(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "embedder",
		Usage:  "Chunk, embed and store scraped documents through a durable job queue",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "daemon",
				Usage:  "Run the poll loop and the webhook/status listener",
				Action: daemonCommand,
			},
			{
				Name:      "enqueue",
				Usage:     "Queue an upstream crawl job for embedding",
				ArgsUsage: "<job-id> <url>",
				Action:    enqueueCommand,
			},
			{
				Name:   "status",
				Usage:  "Print queue statistics",
				Action: statusCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "watch",
						Aliases: []string{"w"},
						Usage:   "Reprint whenever the queue changes",
					},
				},
			},
			{
				Name:   "cleanup",
				Usage:  "Purge stale and irrecoverable jobs",
				Action: cleanupCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "irrecoverable",
						Usage: "Only purge failed jobs whose error is irrecoverable",
					},
				},
			},
			{
				Name:   "clear",
				Usage:  "Delete every job in the queue",
				Action: clearCommand,
			},
			{
				Name:      "embed",
				Usage:     "Embed a markdown file (or - for stdin) directly",
				ArgsUsage: "<file>",
				Action:    embedCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "url",
						Usage:    "Source URL the content belongs to",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "title",
						Usage: "Document title",
					},
					&cli.StringFlag{
						Name:  "source-command",
						Usage: "Recorded as source_command on every chunk",
						Value: "embed",
					},
				},
			},
			{
				Name:      "query",
				Usage:     "Semantic search over stored chunks",
				ArgsUsage: "<text>",
				Action:    queryCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of results",
						Value: retrieval.DefaultLimit,
					},
					&cli.StringFlag{
						Name:  "domain",
						Usage: "Only return chunks from this domain",
					},
				},
			},
			{
				Name:      "retrieve",
				Usage:     "Reassemble a stored document from its chunks",
				ArgsUsage: "<url>",
				Action:    retrieveCommand,
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	slog.SetDefault(logger.New(os.Stderr, c.String("log-level")))
	return nil
}

// run bootstraps the optional infrastructure and serves the daemon until ctx
// is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	a, err := app.New(cfg, deps, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	return a.RunDaemon(ctx)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withApp loads config and builds the object graph for one-shot commands.
func withApp(c *cli.Context, bootstrap bool, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	deps := &app.Dependencies{}
	if bootstrap {
		if deps, err = app.Bootstrap(ctx, cfg); err != nil {
			return err
		}
		defer deps.Close()
	}

	a, err := app.New(cfg, deps, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(c *cli.Context, v interface{}) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func daemonCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	return run(ctx, cfg)
}

func enqueueCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("usage: enqueue <job-id> <url>")
	}
	return withApp(c, false, func(ctx context.Context, a *app.App) error {
		job, err := a.Queue.Enqueue(c.Args().Get(0), c.Args().Get(1))
		if err != nil {
			return err
		}
		return printJSON(c, job)
	})
}

func statusCommand(c *cli.Context) error {
	return withApp(c, false, func(ctx context.Context, a *app.App) error {
		if err := printStats(c, a.Queue); err != nil {
			return err
		}
		if !c.Bool("watch") {
			return nil
		}

		events, err := a.Queue.Watch(ctx)
		if err != nil {
			return err
		}
		for range events {
			if err := printStats(c, a.Queue); err != nil {
				return err
			}
		}
		return nil
	})
}

func printStats(c *cli.Context, q *queue.Queue) error {
	stats, err := q.GetQueueStats()
	if err != nil {
		return err
	}
	return printJSON(c, stats)
}

func cleanupCommand(c *cli.Context) error {
	return withApp(c, true, func(ctx context.Context, a *app.App) error {
		if c.Bool("irrecoverable") {
			removed, err := a.Queue.CleanupIrrecoverableFailedJobs(ctx)
			if err != nil {
				return err
			}
			return printJSON(c, map[string]int{"removed": removed})
		}
		res, err := a.Queue.CleanupEmbedQueue(ctx, a.Config.CleanupMaxAge)
		if err != nil {
			return err
		}
		return printJSON(c, res)
	})
}

func clearCommand(c *cli.Context) error {
	return withApp(c, false, func(ctx context.Context, a *app.App) error {
		removed, err := a.Queue.ClearQueue()
		if err != nil {
			return err
		}
		return printJSON(c, map[string]int{"removed": removed})
	})
}

func embedCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: embed <file> --url <url>")
	}
	content, err := readInput(c.Args().First())
	if err != nil {
		return err
	}
	return withApp(c, false, func(ctx context.Context, a *app.App) error {
		res, err := a.Pipeline.EmbedDocument(ctx, string(content), worker.Metadata{
			URL:           c.String("url"),
			Title:         c.String("title"),
			SourceCommand: c.String("source-command"),
			ContentType:   "markdown",
		})
		if err != nil {
			return err
		}
		return printJSON(c, res)
	})
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is the operator's own argument
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func queryCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("usage: query <text>")
	}
	return withApp(c, false, func(ctx context.Context, a *app.App) error {
		if a.Retrieval == nil {
			return app.ErrRetrievalDisabled
		}
		results, err := a.Retrieval.Search(ctx, c.Args().First(), retrieval.SearchOptions{
			Limit:  c.Int("limit"),
			Domain: c.String("domain"),
		})
		if err != nil {
			return err
		}
		return printJSON(c, results)
	})
}

func retrieveCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: retrieve <url>")
	}
	return withApp(c, false, func(ctx context.Context, a *app.App) error {
		if a.Retrieval == nil {
			return app.ErrRetrievalDisabled
		}
		doc, err := a.Retrieval.GetDocument(ctx, c.Args().First())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, doc.Content)
		return err
	})
}
