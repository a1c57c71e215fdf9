package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"localagent/internal/errs"
	"localagent/internal/storage"
)

// cloud is a minimal in-memory counterpart of the remote store.
type cloud struct {
	mu      sync.Mutex
	uploads []Entity
	changes []Entity
	lastKey string
	zstdIn  int
}

func (c *cloud) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pathHealth, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(pathUpload, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lastKey = r.Header.Get("Authorization")
		if r.Header.Get("Content-Encoding") == encodingZstd {
			c.zstdIn++
			var err error
			if raw, err = zstdDecoder.DecodeAll(raw, nil); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		var e Entity
		if err := json.Unmarshal(raw, &e); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.uploads = append(c.uploads, e)
		n := len(c.uploads)
		_ = json.NewEncoder(w).Encode(Ack{CloudID: "cloud-" + e.LocalID(), Rev: strconv.Itoa(n)})
	})
	mux.HandleFunc(pathChanges, func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		since, _ := strconv.Atoi(r.URL.Query().Get("since"))
		var out []Entity
		if since < len(c.changes) {
			out = c.changes[since:]
		}
		data, _ := json.Marshal(ChangeSet{Changes: out, Cursor: strconv.Itoa(len(c.changes))})
		w.Header().Set("Content-Encoding", encodingZstd)
		_, _ = w.Write(zstdEncoder.EncodeAll(data, nil))
	})
	return mux
}

func newTestClient(t *testing.T, h http.Handler, compress bool) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(func() (string, string) { return srv.URL + "/", "secret" }, HTTPOptions{
		Timeout:  5 * time.Second,
		Compress: compress,
	})
}

func memoryEntity(id, content string) Entity {
	return Entity{Type: storage.EntityMemory, Memory: &storage.LocalMemory{ID: id, Content: content}}
}

func TestUploadCompressedRoundTrip(t *testing.T) {
	c := &cloud{}
	client := newTestClient(t, c.handler(), true)

	require.NoError(t, client.Ping(context.Background()))
	ack, err := client.Upload(context.Background(), memoryEntity("m1", "hello"))
	require.NoError(t, err)
	require.Equal(t, Ack{CloudID: "cloud-m1", Rev: "1"}, ack)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, 1, c.zstdIn)
	require.Equal(t, "Bearer secret", c.lastKey)
	require.Equal(t, "hello", c.uploads[0].Memory.Content)

	up, down := client.Transferred()
	require.Positive(t, up)
	require.Zero(t, down)
}

func TestChangesDecodesZstdAndAdvancesCursor(t *testing.T) {
	c := &cloud{changes: []Entity{memoryEntity("a", "one"), memoryEntity("b", "two")}}
	client := newTestClient(t, c.handler(), false)

	cs, err := client.Changes(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, cs.Changes, 2)
	require.Equal(t, "2", cs.Cursor)
	_, down := client.Transferred()
	require.Positive(t, down)

	cs, err = client.Changes(context.Background(), cs.Cursor)
	require.NoError(t, err)
	require.Empty(t, cs.Changes)
	_, after := client.Transferred()
	require.Equal(t, down, after)
}

func TestServerErrorIsNetwork(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}), false)
	err := client.Ping(context.Background())
	require.Error(t, err)
	require.True(t, errs.IsNetwork(err))
}

func TestClientErrorIsNotNetwork(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad entity", http.StatusBadRequest)
	}), false)
	_, err := client.Upload(context.Background(), memoryEntity("m", "x"))
	require.Error(t, err)
	require.False(t, errs.IsNetwork(err))
}

func TestUnreachableIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	client := NewHTTPClient(func() (string, string) { return url, "" }, HTTPOptions{Timeout: time.Second})
	err := client.Ping(context.Background())
	var netErr *errs.NetworkError
	require.True(t, errors.As(err, &netErr))
}

func TestMissingEndpoint(t *testing.T) {
	client := NewHTTPClient(func() (string, string) { return "", "" }, HTTPOptions{})
	require.True(t, errs.IsNetwork(client.Ping(context.Background())))
}

func TestUploadRejectsMismatchedEntity(t *testing.T) {
	client := NewHTTPClient(func() (string, string) { return "http://unused", "" }, HTTPOptions{})
	_, err := client.Upload(context.Background(), Entity{Type: storage.EntitySession, Memory: &storage.LocalMemory{}})
	require.Error(t, err)
}
