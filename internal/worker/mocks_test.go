package worker_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"firenotes/apps/embedder/internal/adapter/firecrawl"
	"firenotes/apps/embedder/internal/adapter/tei"
	"firenotes/apps/embedder/internal/vector"
	"firenotes/apps/embedder/internal/worker"
)

// Mocks

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Info(ctx context.Context) (tei.ModelInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).(tei.ModelInfo), args.Error(1)
}

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if fn, ok := args.Get(0).(func(context.Context, []string) [][]float32); ok {
		return fn(ctx, texts), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

// fixedVectors returns one 3-dim vector per text.
func fixedVectors(texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 0, 1}
	}
	return out
}

type MockVectorStore struct{ mock.Mock }

func (m *MockVectorStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	args := m.Called(ctx, name, dimension)
	return args.Error(0)
}

func (m *MockVectorStore) DeleteByURL(ctx context.Context, name, url string) error {
	args := m.Called(ctx, name, url)
	return args.Error(0)
}

func (m *MockVectorStore) Upsert(ctx context.Context, name string, points []vector.Point) error {
	args := m.Called(ctx, name, points)
	return args.Error(0)
}

type MockCrawlFetcher struct{ mock.Mock }

func (m *MockCrawlFetcher) GetCrawlStatus(ctx context.Context, jobID string) (*firecrawl.CrawlStatus, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*firecrawl.CrawlStatus), args.Error(1)
}

type MockDocumentEmbedder struct{ mock.Mock }

func (m *MockDocumentEmbedder) EmbedDocument(ctx context.Context, content string, meta worker.Metadata) (worker.Result, error) {
	args := m.Called(ctx, content, meta)
	return args.Get(0).(worker.Result), args.Error(1)
}

// happyEmbedder answers Info with dim 3 and any Embed with fixed vectors.
func happyEmbedder() *MockEmbedder {
	e := new(MockEmbedder)
	e.On("Info", mock.Anything).Return(tei.ModelInfo{ModelID: "test", Dimension: 3}, nil)
	e.On("Embed", mock.Anything, mock.Anything).Return(func(_ context.Context, texts []string) [][]float32 {
		return fixedVectors(texts)
	}, nil)
	return e
}
