package r2

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropvault/internal/storage"
)

// fakeBucket 只实现 PUT/GET/HEAD/DELETE 四个对象操作。
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		b.objects[key] = data
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := b.objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	case http.MethodDelete:
		delete(b.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStorage(t *testing.T) (*Storage, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{objects: map[string][]byte{}}
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	s, err := New(Config{Endpoint: srv.URL, Bucket: "vault", AccessKey: "ak", SecretKey: "sk", PublicURL: "https://cdn.example.com"})
	require.NoError(t, err)
	s.spoolDir = t.TempDir()
	return s, bucket
}

func TestStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, bucket := newTestStorage(t)

	// 非 Seeker 的 reader 会先落盘
	loc, err := s.Write(ctx, "files/abc", io.MultiReader(strings.NewReader("hello "), strings.NewReader("r2")))
	require.NoError(t, err)
	assert.Equal(t, "files/abc", loc.Path)
	assert.Equal(t, "https://cdn.example.com/files/abc", loc.URL)
	assert.EqualValues(t, 8, loc.Size)
	assert.Equal(t, []byte("hello r2"), bucket.objects["/vault/files/abc"])

	info, err := s.Stat(ctx, "files/abc")
	require.NoError(t, err)
	assert.EqualValues(t, 8, info.Size)

	rc, err := s.Read(ctx, "files/abc")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "hello r2", string(data))

	require.NoError(t, s.Delete(ctx, "files/abc"))
	_, err = s.Stat(ctx, "files/abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Read(ctx, "files/abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStorageWriteSeekable(t *testing.T) {
	s, bucket := newTestStorage(t)

	loc, err := s.Write(context.Background(), "files/seek", bytes.NewReader([]byte("0123456789")))
	require.NoError(t, err)
	assert.EqualValues(t, 10, loc.Size)
	assert.Len(t, bucket.objects["/vault/files/seek"], 10)
}

func TestNewRequiresBucketAndEndpoint(t *testing.T) {
	_, err := New(Config{AccountID: "acc"})
	assert.Error(t, err)
	_, err = New(Config{Bucket: "b"})
	assert.Error(t, err)
}
