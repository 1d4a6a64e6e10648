package job_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firenotes/apps/embedder/features/job"
	"firenotes/apps/embedder/internal/queue"
)

// MockRepo implements job.Repository
type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) Save(ctx context.Context, j *job.Job) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}
func (m *MockRepo) List(ctx context.Context) ([]job.Job, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]job.Job), args.Error(1)
}
func (m *MockRepo) Get(ctx context.Context, id string) (*job.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}
func (m *MockRepo) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockRepo) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func newQueue(t *testing.T) *queue.Queue {
	q, err := queue.New(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	return q
}

func TestHandler_List(t *testing.T) {
	mockRepo := new(MockRepo)
	svc := job.NewService(mockRepo, newQueue(t), nil, slog.Default()) // nil nsq
	handler := job.NewHandler(svc)

	mockRepo.On("List", mock.Anything).Return(nil, nil)

	req := httptest.NewRequest("GET", "/jobs/failed", nil)
	w := httptest.NewRecorder()

	handler.List(w, req)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, []interface{}{}, body["data"])
}

func TestHandler_List_ServiceError(t *testing.T) {
	mockRepo := new(MockRepo)
	svc := job.NewService(mockRepo, newQueue(t), nil, slog.Default())
	handler := job.NewHandler(svc)

	mockRepo.On("List", mock.Anything).Return(nil, errors.New("database error"))

	req := httptest.NewRequest("GET", "/jobs/failed", nil)
	w := httptest.NewRecorder()

	handler.List(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
}

func TestHandler_Retry(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*MockRepo, *queue.Queue)
		wantStatus int
		wantCode   string
	}{
		{
			name: "NotFound",
			setup: func(m *MockRepo, q *queue.Queue) {
				m.On("Get", mock.Anything, "99").Return(nil, sql.ErrNoRows)
			},
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name: "AlreadyQueued",
			setup: func(m *MockRepo, q *queue.Queue) {
				m.On("Get", mock.Anything, "99").Return(&job.Job{ID: "99", JobID: "crawl-1", URL: "https://example.com"}, nil)
				q.Enqueue("crawl-1", "https://example.com")
			},
			wantStatus: http.StatusConflict,
			wantCode:   "CONFLICT",
		},
		{
			name: "DeleteError",
			setup: func(m *MockRepo, q *queue.Queue) {
				m.On("Get", mock.Anything, "99").Return(&job.Job{ID: "99", JobID: "crawl-1", URL: "https://example.com"}, nil)
				m.On("Delete", mock.Anything, "99").Return(errors.New("database error"))
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
		{
			name: "Success",
			setup: func(m *MockRepo, q *queue.Queue) {
				m.On("Get", mock.Anything, "99").Return(&job.Job{ID: "99", JobID: "crawl-1", URL: "https://example.com"}, nil)
				m.On("Delete", mock.Anything, "99").Return(nil)
			},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := new(MockRepo)
			q := newQueue(t)
			tt.setup(mockRepo, q)

			handler := job.NewHandler(job.NewService(mockRepo, q, nil, slog.Default()))

			req := httptest.NewRequest("POST", "/jobs/99/retry", nil)
			req.SetPathValue("id", "99")
			w := httptest.NewRecorder()

			handler.Retry(w, req)
			assert.Equal(t, tt.wantStatus, w.Result().StatusCode)

			if tt.wantCode != "" {
				var body map[string]interface{}
				require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
				assert.Equal(t, tt.wantCode, body["error"].(map[string]interface{})["code"])
			}
			mockRepo.AssertExpectations(t)
		})
	}
}
