package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropvault/internal/chunkstore"
	"dropvault/internal/config"
	"dropvault/internal/lock"
	"dropvault/internal/logging"
	"dropvault/internal/pipeline"
	"dropvault/internal/queue"
	"dropvault/internal/repository/memory"
	"dropvault/internal/scanner"
	"dropvault/internal/service"
	"dropvault/internal/storage/local"
)

const (
	aliceKey = "key-alice"
	bobKey   = "key-bob"

	// maxBody 同时是单分片与单请求上传的上限，需容纳 EICAR 测试串。
	maxBody = 128
)

type apiEnv struct {
	server *httptest.Server
	worker *queue.Worker
	files  *memory.FileRepository
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	log := logging.Discard()

	store, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	blobs := local.New(t.TempDir(), "https://cdn.test")
	files := memory.NewFileRepository()
	jobs := queue.NewMemory()

	pipe := pipeline.New(files, memory.NewIncidentRepository(), blobs, scanner.NewMock(), jobs,
		pipeline.Config{VerifyChecksum: true, Attempts: 3}, log)
	worker := queue.NewWorker(jobs, pipeline.QueueName, queue.WorkerOptions{PollWait: 10 * time.Millisecond}, log)
	pipe.Register(worker)

	coord := service.NewUploadCoordinator(service.CoordinatorDeps{
		Sessions: memory.NewSessionRepository(),
		Chunks:   memory.NewChunkRepository(),
		Files:    files,
		Store:    store,
		Blobs:    blobs,
		Post:     pipe,
		Locks:    lock.NewMemory(),
	}, service.CoordinatorConfig{
		DefaultChunkSize: 8,
		MaxChunkSize:     maxBody,
		MaxFileSize:      1 << 20,
		MaxChunks:        1000,
		SessionTTL:       time.Hour,
	}, log)

	cfg := &config.Config{
		AuthMode:           "apikey",
		APIKeys:            map[string]string{aliceKey: "alice", bobKey: "bob"},
		CORSAllowedOrigins: []string{"http://localhost:5173"},
	}
	router := NewRouter(cfg, RouterDeps{
		Uploads: NewUploadHandler(coord, maxBody, log),
		Files:   NewFileHandler(service.NewFileService(files, blobs, log), coord, maxBody, log),
		Log:     log,
	})

	env := &apiEnv{server: httptest.NewServer(router), worker: worker, files: files}
	t.Cleanup(env.server.Close)
	return env
}

func (e *apiEnv) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		ok, err := e.worker.ProcessNext(context.Background())
		require.NoError(t, err)
		if !ok {
			return
		}
	}
}

type apiResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r apiResponse) data(t *testing.T) map[string]any {
	t.Helper()
	var out struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(r.Body, &out), string(r.Body))
	return out.Data
}

func (r apiResponse) errorBody(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(r.Body, &out), string(r.Body))
	return out
}

func (e *apiEnv) do(t *testing.T, method, path, key string, body io.Reader, headers map[string]string) apiResponse {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "ApiKey "+key)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return apiResponse{Status: resp.StatusCode, Header: resp.Header, Body: raw}
}

func (e *apiEnv) doJSON(t *testing.T, method, path, key string, payload any) apiResponse {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	return e.do(t, method, path, key, body, map[string]string{"Content-Type": "application/json"})
}

func multipartBody(t *testing.T, fileField, fileName string, content []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	part, err := writer.CreateFormFile(fileField, fileName)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func TestHealthzAndMetrics(t *testing.T) {
	e := newAPIEnv(t)

	res := e.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `{"status":"ok"}`, string(res.Body))

	e.do(t, http.MethodGet, "/files", aliceKey, nil, nil)
	res = e.do(t, http.MethodGet, "/metrics", "", nil, nil)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Contains(t, string(res.Body), "dropvault_http_requests_total")
}

func TestRoutesRequireAuthentication(t *testing.T) {
	e := newAPIEnv(t)

	for _, path := range []string{"/files", "/uploads/abc"} {
		res := e.do(t, http.MethodGet, path, "", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, res.Status, path)
		assert.Equal(t, "unauthorized", res.errorBody(t)["code"])
	}
	res := e.do(t, http.MethodGet, "/files", "wrong", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
}
