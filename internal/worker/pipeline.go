package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"firenotes/apps/embedder/internal/text"
	"firenotes/apps/embedder/internal/vector"
)

var (
	// ErrNotConfigured means the embedding or vector endpoint is unset.
	ErrNotConfigured = errors.New("embedding is not configured")
	// ErrPermanent marks failures that retrying cannot fix.
	ErrPermanent = errors.New("permanent failure")
)

const DefaultBatchConcurrency = 10

// Result describes a successful EmbedDocument call. Skipped is set when there
// was nothing to do; Reason says why.
type Result struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
	Chunks  int    `json:"chunks"`
}

type BatchResult struct {
	Succeeded int
	Skipped   int
	Failed    int
	Errors    []error
}

type PipelineConfig struct {
	Collection  string
	Chunking    text.ChunkConfig
	Concurrency int
}

type Pipeline struct {
	embedder Embedder
	store    VectorStore
	cfg      PipelineConfig
	pool     *ants.Pool
	now      func() time.Time
}

// NewPipeline wires the chunker, embedder and vector store. Either dependency
// may be nil, in which case every document is skipped as unconfigured.
func NewPipeline(e Embedder, s VectorStore, cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultBatchConcurrency
	}
	if cfg.Chunking == (text.ChunkConfig{}) {
		cfg.Chunking = text.DefaultChunkConfig()
	}

	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("create embed pool: %w", err)
	}

	return &Pipeline{
		embedder: e,
		store:    s,
		cfg:      cfg,
		pool:     pool,
		now:      time.Now,
	}, nil
}

func (p *Pipeline) Release() {
	p.pool.Release()
}

func (p *Pipeline) Configured() bool {
	return p.embedder != nil && p.store != nil && p.cfg.Collection != ""
}

func (p *Pipeline) Collection() string {
	return p.cfg.Collection
}

func skipped(ctx context.Context, reason string, meta Metadata) (Result, error) {
	slog.DebugContext(ctx, "skipping embed", "reason", reason, "url", meta.URL)
	return Result{Skipped: true, Reason: reason}, nil
}

// EmbedDocument replaces every stored chunk of meta.URL with fresh chunks of
// content. Existing points are deleted before the upsert; a failure between
// the two leaves the URL empty until the job is retried.
func (p *Pipeline) EmbedDocument(ctx context.Context, content string, meta Metadata) (Result, error) {
	if !p.Configured() {
		return skipped(ctx, "not configured", meta)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return skipped(ctx, "empty content", meta)
	}

	info, err := p.embedder.Info(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("get embedding model info: %w", err)
	}
	if err := p.store.EnsureCollection(ctx, p.cfg.Collection, info.Dimension); err != nil {
		return Result{}, fmt.Errorf("ensure collection: %w", err)
	}

	chunks := text.ChunkMarkdown(content, p.cfg.Chunking)
	if len(chunks) == 0 {
		return skipped(ctx, "no chunks", meta)
	}

	texts := make([]string, len(chunks))
	inputs := make([]vector.ChunkInput, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
		inputs[i] = vector.ChunkInput{Index: c.Index, Text: c.Text, Header: c.Header}
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return Result{}, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return Result{}, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	if err := p.store.DeleteByURL(ctx, p.cfg.Collection, meta.URL); err != nil {
		return Result{}, fmt.Errorf("delete previous chunks: %w", err)
	}

	points := vector.BuildPoints(vector.DocumentMeta{
		URL:           meta.URL,
		Title:         meta.Title,
		SourceCommand: meta.SourceCommand,
		ContentType:   meta.ContentType,
	}, inputs, vectors, p.now())

	if err := p.store.Upsert(ctx, p.cfg.Collection, points); err != nil {
		return Result{}, fmt.Errorf("upsert chunks: %w", err)
	}

	slog.InfoContext(ctx, "document embedded", "url", meta.URL, "chunks", len(points), "collection", p.cfg.Collection)
	return Result{Chunks: len(points)}, nil
}

// EmbedBatch embeds docs on the pipeline pool. Individual failures are
// collected rather than aborting the batch.
func (p *Pipeline) EmbedBatch(ctx context.Context, docs []Document) BatchResult {
	var (
		res BatchResult
		mu  sync.Mutex
		wg  sync.WaitGroup
	)
	record := func(url string, r Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Errorf("%s: %w", url, err))
		case r.Skipped:
			res.Skipped++
		default:
			res.Succeeded++
		}
	}

	for _, doc := range docs {
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			r, err := p.EmbedDocument(ctx, doc.Content, doc.Metadata)
			record(doc.Metadata.URL, r, err)
		})
		if err != nil {
			wg.Done()
			record(doc.Metadata.URL, Result{}, fmt.Errorf("submit: %w", err))
		}
	}
	wg.Wait()

	if res.Failed > 0 {
		slog.WarnContext(ctx, "batch embed finished with failures", "succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped)
	}
	return res
}
