package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"firenotes/apps/embedder/internal/config"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
)

const (
	bootstrapAttempts = 10
	bootstrapDelay    = 2 * time.Second
)

// Dependencies are the optional infrastructure connections. Each field is nil
// when its configuration is absent.
type Dependencies struct {
	DB          *sql.DB
	NSQProducer *nsq.Producer
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{}

	// Database
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open db: %w", err)
		}
		if err := PingWithRetry(ctx, db, bootstrapAttempts, bootstrapDelay); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping db: %w", err)
		}
		if err := RunMigrations(db, cfg.MigrationPath); err != nil {
			db.Close()
			return nil, err
		}
		deps.DB = db
	}

	// NSQ Producer
	if cfg.NSQDHost != "" {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		producer.SetLoggerLevel(nsq.LogLevelWarning)
		deps.NSQProducer = producer

		if cfg.NSQDHTTP != "" {
			createTopics(cfg.NSQDHTTP, cfg.NSQNotifyTopic, cfg.NSQDocumentTopic)
		}
	}

	return deps, nil
}

func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingWithRetry waits for the database to accept connections.
func PingWithRetry(ctx context.Context, db Pinger, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1, "max_attempts", attempts)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return err
}

// RunMigrations applies every pending migration from path.
func RunMigrations(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied successfully")
	return nil
}

// createTopics pre-creates topics so lookupd consumers do not 404 before the
// first publish.
func createTopics(nsqdHTTP string, topics ...string) {
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		for _, topic := range topics {
			create(topic)
		}
	}()
}
