package tei_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firenotes/apps/embedder/internal/adapter/tei"
	"firenotes/apps/embedder/internal/transport"
)

// echoServer embeds each input "N" as the vector [N, N].
func echoServer(t *testing.T, inFlight, maxInFlight, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		atomic.AddInt32(calls, 1)
		cur := atomic.AddInt32(inFlight, 1)
		defer atomic.AddInt32(inFlight, -1)
		for {
			prev := atomic.LoadInt32(maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(maxInFlight, prev, cur) {
				break
			}
		}

		var body struct {
			Inputs []string `json:"inputs"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		out := make([][]float32, len(body.Inputs))
		for i, in := range body.Inputs {
			n, _ := strconv.Atoi(in)
			out[i] = []float32{float32(n), float32(n)}
			// Later batches finish first to shake up completion order.
			time.Sleep(time.Duration(100-n) * 50 * time.Microsecond)
		}
		json.NewEncoder(w).Encode(out)
	}))
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i)
	}
	return out
}

func TestClient_Embed_PreservesOrder(t *testing.T) {
	var inFlight, maxInFlight, calls int32
	ts := echoServer(t, &inFlight, &maxInFlight, &calls)
	defer ts.Close()

	c := tei.NewClient(ts.URL, tei.WithBatchSize(7))
	vecs, err := c.Embed(context.Background(), texts(50))
	require.NoError(t, err)
	require.Len(t, vecs, 50)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
	}
	assert.EqualValues(t, 8, atomic.LoadInt32(&calls))
}

func TestClient_Embed_ConcurrencyBound(t *testing.T) {
	var inFlight, maxInFlight, calls int32
	ts := echoServer(t, &inFlight, &maxInFlight, &calls)
	defer ts.Close()

	c := tei.NewClient(ts.URL, tei.WithBatchSize(1))
	vecs, err := c.Embed(context.Background(), texts(100))
	require.NoError(t, err)
	require.Len(t, vecs, 100)
	assert.EqualValues(t, 100, atomic.LoadInt32(&calls))
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(tei.DefaultConcurrency))
	assert.Greater(t, atomic.LoadInt32(&maxInFlight), int32(0))
}

func TestClient_Embed_Empty(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer ts.Close()

	vecs, err := tei.NewClient(ts.URL).Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestClient_Embed_ErrorIncludesStatusAndEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("model loading"))
	}))
	defer ts.Close()

	c := tei.NewClient(ts.URL, tei.WithTransport(transport.New(time.Second, transport.WithMaxRetries(0))))
	_, err := c.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), ts.URL+"/embed")
	assert.True(t, transport.IsStatus(err, http.StatusServiceUnavailable))
}

func TestClient_Embed_CountMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1,2]]`))
	}))
	defer ts.Close()

	_, err := tei.NewClient(ts.URL).Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}

func TestClient_Info_Cached(t *testing.T) {
	var infoCalls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/info", r.URL.Path)
		atomic.AddInt32(&infoCalls, 1)
		w.Write([]byte(`{"model_id":"bge-small","model_type":{"embedding":{"dim":384}},"max_input_length":512}`))
	}))
	defer ts.Close()

	cache := tei.NewInfoCache()
	c := tei.NewClient(ts.URL, tei.WithInfoCache(cache))

	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tei.ModelInfo{ModelID: "bge-small", Dimension: 384, MaxInputLength: 512}, info)

	_, err = c.Info(context.Background())
	require.NoError(t, err)
	// A second client sharing the cache does not refetch either.
	_, err = tei.NewClient(ts.URL+"/", tei.WithInfoCache(cache)).Info(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&infoCalls))

	cache.Reset()
	_, err = c.Info(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&infoCalls))
}

func TestClient_Info_ProbesDimension(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info":
			w.Write([]byte(`{"model_id":"m","model_type":{"embedding":{"pooling":"cls"}},"max_input_length":256}`))
		case "/embed":
			w.Write([]byte(`[[0.1,0.2,0.3]]`))
		}
	}))
	defer ts.Close()

	info, err := tei.NewClient(ts.URL).Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, info.Dimension)
}
