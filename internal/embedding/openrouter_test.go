package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbeddings answers with vectors {i, 1, 0...} of dim entries, listed in
// reverse index order.
func fakeEmbeddings(t *testing.T, dim int, requests *atomic.Int32, sizes chan<- int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "test-model", req.Model)
		if requests != nil {
			requests.Add(1)
		}
		if sizes != nil {
			sizes <- len(req.Input)
		}

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		var data []item
		for i := len(req.Input) - 1; i >= 0; i-- {
			v := make([]float32, dim)
			v[0], v[1] = float32(i), 1
			data = append(data, item{Embedding: v, Index: i})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}
}

func TestClient_Embed(t *testing.T) {
	srv := httptest.NewServer(fakeEmbeddings(t, 2, nil, nil))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL, Dimension: 2})
	require.NoError(t, err)

	vecs, err := client.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0, 1}, vecs[0])
	assert.InDelta(t, 0.7071, vecs[1][0], 1e-4, "vectors are normalized")
	assert.InDelta(t, 0.7071, vecs[1][1], 1e-4)
}

func TestClient_EmbedSplitsBatches(t *testing.T) {
	var requests atomic.Int32
	sizes := make(chan int, 10)
	srv := httptest.NewServer(fakeEmbeddings(t, 4, &requests, sizes))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL, Dimension: 4, BatchSize: 2})
	require.NoError(t, err)

	vecs, err := client.Embed(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	assert.Equal(t, int32(3), requests.Load())
	close(sizes)
	var got []int
	for n := range sizes {
		got = append(got, n)
	}
	assert.Equal(t, []int{2, 2, 1}, got)
}

func TestClient_EmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(fakeEmbeddings(t, 3, nil, nil))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL, Dimension: 8})
	require.NoError(t, err)

	_, err = client.EmbedSingle(context.Background(), "toyota yaris")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestClient_EmbedAPIError(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"auth"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL, MaxRetries: 3})
	require.NoError(t, err)

	_, err = client.EmbedSingle(context.Background(), "toyota yaris")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "bad key")
	assert.Equal(t, int32(1), requests.Load(), "client errors are not retried")
}

func TestClient_EmbedRetriesServerErrors(t *testing.T) {
	var requests atomic.Int32
	ok := fakeEmbeddings(t, 2, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		ok(w, r)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test-key", Model: "test-model", BaseURL: srv.URL, Dimension: 2, MaxRetries: 1})
	require.NoError(t, err)
	client.backoff = time.Millisecond

	_, err = client.EmbedSingle(context.Background(), "toyota yaris")
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load())
}

func TestClient_EmbedTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.EmbedSingle(context.Background(), "toyota yaris")
	assert.Error(t, err)
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
