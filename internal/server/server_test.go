package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/transfery/transfery/internal/config"
	"github.com/transfery/transfery/internal/metrics"
	"github.com/transfery/transfery/internal/storage"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			MaxPartSize: 1 << 20,
		},
		Storage: config.StorageConfig{
			Backend: storage.KindLocal,
			Local: config.LocalConfig{
				RootDir:      t.TempDir(),
				UploadExpiry: config.Duration{Duration: time.Hour},
				ReapInterval: config.Duration{Duration: time.Hour},
			},
		},
		Observability: config.ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// newTestServerWithConfig creates a Server over a local storage engine.
func newTestServerWithConfig(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	store, err := storage.New(context.Background(), cfg.Storage, nil)
	if err != nil {
		t.Fatalf("storage.New() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("storage Init failed: %v", err)
	}

	srv, err := New(cfg, store, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return srv
}

// newTestServer creates a Server for testing with default config.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithConfig(t, testConfig(t))
}

// testRequest performs an HTTP request against the test server's handler
// with the full middleware chain.
func testRequest(t *testing.T, srv *Server, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil && method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func beginUpload(t *testing.T, srv *Server, key string) string {
	t.Helper()
	rec := testRequest(t, srv, http.MethodPost, "/uploads", strings.NewReader(`{"key":"`+key+`"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /uploads = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Key      string `json:"key"`
		UploadID string `json:"upload_id"`
	}
	decodeJSON(t, rec, &out)
	if out.Key != key || out.UploadID == "" {
		t.Fatalf("POST /uploads body = %+v", out)
	}
	return out.UploadID
}

func putPart(t *testing.T, srv *Server, key, uploadID string, number int, content string) storage.Part {
	t.Helper()
	path := "/uploads/" + uploadID + "/parts/" + strconv.Itoa(number) + "?key=" + key
	rec := testRequest(t, srv, http.MethodPut, path, strings.NewReader(content))
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT %s = %d: %s", path, rec.Code, rec.Body.String())
	}
	var part storage.Part
	decodeJSON(t, rec, &part)
	if rec.Header().Get("ETag") != part.ETag {
		t.Errorf("ETag header %q does not match body %q", rec.Header().Get("ETag"), part.ETag)
	}
	return part
}

func completeUpload(t *testing.T, srv *Server, key, uploadID string, parts []storage.Part) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"key": key, "parts": parts})
	return testRequest(t, srv, http.MethodPost, "/uploads/"+uploadID+"/complete", strings.NewReader(string(body)))
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, http.MethodGet, "/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
	var body HealthBody
	decodeJSON(t, rec, &body)
	if body.Status != "ok" || body.Backend != storage.KindLocal {
		t.Errorf("health body = %+v", body)
	}
}

func TestHealthHead(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, http.MethodHead, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("HEAD /health = %d, want 200", rec.Code)
	}
}

func TestHealthReportsUnavailableStorage(t *testing.T) {
	cfg := testConfig(t)
	srv := newTestServerWithConfig(t, cfg)

	// Removing the root makes the medium unreachable.
	if err := os.RemoveAll(cfg.Storage.Local.RootDir); err != nil {
		t.Fatalf("removing root: %v", err)
	}
	rec := testRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /health = %d, want 503", rec.Code)
	}
}

func TestCommonHeaders(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, http.MethodGet, "/health", nil)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id header missing")
	}
	if rec.Header().Get("Server") != "transfery" {
		t.Errorf("Server header = %q", rec.Header().Get("Server"))
	}
	if rec.Header().Get("Date") == "" {
		t.Error("Date header missing")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	testRequest(t, srv, http.MethodGet, "/health", nil)

	rec := testRequest(t, srv, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"transfery_http_requests_total",
		"transfery_uploads_reaped_total",
		"transfery_uploads_in_flight",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("/metrics output missing %s", name)
		}
	}
}

func TestObservabilityDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Observability = config.ObservabilityConfig{}
	srv := newTestServerWithConfig(t, cfg)

	if rec := testRequest(t, srv, http.MethodGet, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics with metrics disabled = %d, want 404", rec.Code)
	}
	if rec := testRequest(t, srv, http.MethodGet, "/health", nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET /health with health check disabled = %d, want 404", rec.Code)
	}
}

func TestUploadDownloadFlow(t *testing.T) {
	srv := newTestServer(t)
	key := "docs/hello.txt"

	uploadID := beginUpload(t, srv, key)
	p2 := putPart(t, srv, key, uploadID, 2, "world")
	p1 := putPart(t, srv, key, uploadID, 1, "hello ")

	rec := completeUpload(t, srv, key, uploadID, []storage.Part{p2, p1})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete = %d: %s", rec.Code, rec.Body.String())
	}

	rec = testRequest(t, srv, http.MethodGet, "/objects", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /objects = %d", rec.Code)
	}
	var listing struct {
		Objects []storage.ObjectInfo `json:"objects"`
	}
	decodeJSON(t, rec, &listing)
	if len(listing.Objects) != 1 || listing.Objects[0].Key != key {
		t.Fatalf("listing = %+v", listing)
	}

	rec = testRequest(t, srv, http.MethodGet, "/objects/"+key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /objects/%s = %d", key, rec.Code)
	}
	if rec.Body.String() != "hello world" {
		t.Errorf("download body = %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename=hello.txt`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = testRequest(t, srv, http.MethodDelete, "/objects/"+key, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE /objects/%s = %d", key, rec.Code)
	}

	rec = testRequest(t, srv, http.MethodGet, "/objects/"+key, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET after delete = %d, want 404", rec.Code)
	}
	var errBody ErrorBody
	decodeJSON(t, rec, &errBody)
	if errBody.Code != "ObjectNotFound" {
		t.Errorf("error code = %q, want ObjectNotFound", errBody.Code)
	}
}

func TestBeginUploadWithFileName(t *testing.T) {
	srv := newTestServer(t)

	rec := testRequest(t, srv, http.MethodPost, "/uploads", strings.NewReader(`{"file_name":"report.pdf"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /uploads = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Key string `json:"key"`
	}
	decodeJSON(t, rec, &out)
	if !strings.HasPrefix(out.Key, "report_") || !strings.HasSuffix(out.Key, ".pdf") {
		t.Errorf("derived key = %q", out.Key)
	}
}

func TestBeginUploadRequiresKey(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, http.MethodPost, "/uploads", strings.NewReader(`{}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST /uploads without key = %d, want 400", rec.Code)
	}
}

func TestUploadPartErrors(t *testing.T) {
	srv := newTestServer(t)
	uploadID := beginUpload(t, srv, "a.txt")

	tests := []struct {
		name string
		path string
		want int
		code string
	}{
		{"unknown upload", "/uploads/nope/parts/1?key=a.txt", http.StatusNotFound, "UploadNotFound"},
		{"wrong key", "/uploads/" + uploadID + "/parts/1?key=b.txt", http.StatusNotFound, "UploadNotFound"},
		{"zero part", "/uploads/" + uploadID + "/parts/0?key=a.txt", http.StatusBadRequest, "InvalidPart"},
		{"non-numeric part", "/uploads/" + uploadID + "/parts/one?key=a.txt", http.StatusBadRequest, "InvalidPart"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := testRequest(t, srv, http.MethodPut, tc.path, strings.NewReader("data"))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
			var body ErrorBody
			decodeJSON(t, rec, &body)
			if body.Code != tc.code {
				t.Errorf("code = %q, want %q", body.Code, tc.code)
			}
		})
	}
}

func TestUploadPartTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MaxPartSize = 8
	srv := newTestServerWithConfig(t, cfg)
	uploadID := beginUpload(t, srv, "big.bin")

	rec := testRequest(t, srv, http.MethodPut, "/uploads/"+uploadID+"/parts/1?key=big.bin", strings.NewReader("more than eight bytes"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized part = %d, want 413", rec.Code)
	}
}

func TestCompletePartMissing(t *testing.T) {
	srv := newTestServer(t)
	uploadID := beginUpload(t, srv, "gap.txt")
	p1 := putPart(t, srv, "gap.txt", uploadID, 1, "one")

	rec := completeUpload(t, srv, "gap.txt", uploadID, []storage.Part{p1, {Number: 2, ETag: `"00000000000000000000000000000000"`}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("complete with missing part = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "PartMissing") {
		t.Errorf("error body does not name PartMissing: %s", rec.Body.String())
	}

	if rec := testRequest(t, srv, http.MethodGet, "/objects/gap.txt", nil); rec.Code != http.StatusNotFound {
		t.Errorf("object exists after failed completion: %d", rec.Code)
	}
}

func TestAbortUpload(t *testing.T) {
	srv := newTestServer(t)
	uploadID := beginUpload(t, srv, "abort.txt")
	putPart(t, srv, "abort.txt", uploadID, 1, "data")

	rec := testRequest(t, srv, http.MethodDelete, "/uploads/"+uploadID+"?key=abort.txt", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE /uploads/{id} = %d, want 204", rec.Code)
	}

	rec = testRequest(t, srv, http.MethodPut, "/uploads/"+uploadID+"/parts/2?key=abort.txt", strings.NewReader("x"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("part after abort = %d, want 404", rec.Code)
	}
}

func TestRemoveAllObjects(t *testing.T) {
	srv := newTestServer(t)
	for _, key := range []string{"a.txt", "b.txt", "c.txt"} {
		id := beginUpload(t, srv, key)
		p := putPart(t, srv, key, id, 1, key)
		if rec := completeUpload(t, srv, key, id, []storage.Part{p}); rec.Code != http.StatusOK {
			t.Fatalf("complete %s = %d", key, rec.Code)
		}
	}

	rec := testRequest(t, srv, http.MethodDelete, "/objects", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE /objects = %d, want 204", rec.Code)
	}

	rec = testRequest(t, srv, http.MethodGet, "/objects", nil)
	if !strings.Contains(rec.Body.String(), `"objects":[]`) {
		t.Errorf("listing after remove-all = %s", rec.Body.String())
	}
}

// redirectBackend serves every download as a presigned URL.
type redirectBackend struct {
	storage.Backend
}

func (redirectBackend) Kind() string { return storage.KindS3 }

func (redirectBackend) Download(ctx context.Context, key string) (*storage.Download, error) {
	return &storage.Download{URL: "https://bucket.example.com/" + key + "?X-Amz-Signature=abc", FileName: key}, nil
}

func TestDownloadRedirectsForRemoteBackend(t *testing.T) {
	srv, err := New(testConfig(t), storage.NewWithBackend(redirectBackend{}, nil), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	rec := testRequest(t, srv, http.MethodGet, "/objects/file.bin", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("GET /objects/file.bin = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "https://bucket.example.com/file.bin") {
		t.Errorf("Location = %q", loc)
	}
}

func TestNewRequiresStorage(t *testing.T) {
	if _, err := New(testConfig(t), nil, nil); err == nil {
		t.Error("New accepted a nil storage engine")
	}
}
