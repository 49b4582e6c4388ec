// Package server implements the transfery HTTP server over the storage engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transfery/transfery/internal/config"
	serr "github.com/transfery/transfery/internal/errors"
	"github.com/transfery/transfery/internal/storage"
)

// Server is the transfery HTTP server. JSON operations are registered through
// Huma for OpenAPI documentation; binary part uploads, downloads and deletes
// are plain Chi handlers.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      *storage.Storage
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status  string `json:"status" example:"ok" doc:"Health status"`
	Backend string `json:"backend" example:"local" doc:"Selected storage backend"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// BeginUploadInput starts a multipart upload. Either Key or FileName must be
// set; FileName is turned into a timestamped key.
type BeginUploadInput struct {
	Body struct {
		Key      string `json:"key,omitempty" doc:"Exact object key to upload to"`
		FileName string `json:"file_name,omitempty" doc:"Client file name; the server derives a unique key from it"`
	}
}

// BeginUploadOutput carries the new upload id.
type BeginUploadOutput struct {
	Body struct {
		Key      string `json:"key" doc:"Object key the upload will produce"`
		UploadID string `json:"upload_id" doc:"Upload id to pass to part and completion calls"`
	}
}

// CompleteUploadInput lists the parts to assemble.
type CompleteUploadInput struct {
	ID   string `path:"id" doc:"Upload id"`
	Body struct {
		Key   string         `json:"key" doc:"Object key given at upload start"`
		Parts []storage.Part `json:"parts" doc:"Parts to assemble, numbered 1..N"`
	}
}

// CompleteUploadOutput confirms the assembled object.
type CompleteUploadOutput struct {
	Body struct {
		Key   string `json:"key"`
		Parts int    `json:"parts"`
	}
}

// ListObjectsOutput lists every stored object.
type ListObjectsOutput struct {
	Body struct {
		Objects []storage.ObjectInfo `json:"objects"`
	}
}

// ErrorBody is the JSON error returned by the raw handlers.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New creates a new Server with the given configuration and wires up all
// routes on the Chi router with Huma API.
func New(cfg *config.Config, store *storage.Storage, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("server requires a storage engine")
	}
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("transfery API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		store:  store,
		logger: logger,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = commonHeaders(s.router)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	if s.cfg.Observability.HealthCheck {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-health",
			Method:      http.MethodGet,
			Path:        "/health",
			Summary:     "Health check",
			Description: "Reports whether the storage medium is reachable.",
			Tags:        []string{"System"},
		}, s.health)

		// Register HEAD /health separately (Huma only does one method per registration).
		s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
			if err := s.store.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	huma.Register(s.api, huma.Operation{
		OperationID:   "begin-upload",
		Method:        http.MethodPost,
		Path:          "/uploads",
		Summary:       "Start a multipart upload",
		Tags:          []string{"Uploads"},
		DefaultStatus: http.StatusCreated,
	}, s.beginUpload)

	huma.Register(s.api, huma.Operation{
		OperationID: "complete-upload",
		Method:      http.MethodPost,
		Path:        "/uploads/{id}/complete",
		Summary:     "Assemble uploaded parts into the object",
		Tags:        []string{"Uploads"},
	}, s.completeUpload)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-objects",
		Method:      http.MethodGet,
		Path:        "/objects",
		Summary:     "List stored objects",
		Tags:        []string{"Objects"},
	}, s.listObjects)

	s.router.Put("/uploads/{id}/parts/{number}", s.uploadPart)
	s.router.Delete("/uploads/{id}", s.abortUpload)
	s.router.Get("/objects/*", s.download)
	s.router.Delete("/objects/*", s.removeObject)
	s.router.Delete("/objects", s.removeAllObjects)
}

func (s *Server) health(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		return nil, huma.Error503ServiceUnavailable("storage unavailable")
	}
	return &HealthOutput{Body: HealthBody{Status: "ok", Backend: s.store.Kind()}}, nil
}

func (s *Server) beginUpload(ctx context.Context, input *BeginUploadInput) (*BeginUploadOutput, error) {
	key := input.Body.Key
	if key == "" {
		if input.Body.FileName == "" {
			return nil, huma.Error400BadRequest("either key or file_name is required")
		}
		key = s.store.ObjectKey(input.Body.FileName)
	}

	uploadID, err := s.store.BeginUpload(ctx, key)
	if err != nil {
		return nil, humaError(err)
	}

	out := &BeginUploadOutput{}
	out.Body.Key = key
	out.Body.UploadID = uploadID
	return out, nil
}

func (s *Server) completeUpload(ctx context.Context, input *CompleteUploadInput) (*CompleteUploadOutput, error) {
	if err := s.store.CompleteUpload(ctx, input.Body.Key, input.ID, input.Body.Parts); err != nil {
		return nil, humaError(err)
	}

	out := &CompleteUploadOutput{}
	out.Body.Key = input.Body.Key
	out.Body.Parts = len(input.Body.Parts)
	return out, nil
}

func (s *Server) listObjects(ctx context.Context, input *struct{}) (*ListObjectsOutput, error) {
	objects, err := s.store.ListObjects(ctx)
	if err != nil {
		return nil, humaError(err)
	}
	out := &ListObjectsOutput{}
	out.Body.Objects = objects
	return out, nil
}

// uploadPart handles PUT /uploads/{id}/parts/{number}?key=...
func (s *Server) uploadPart(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, serr.Newf(serr.ErrInvalidPart, "part number %q is not an integer", chi.URLParam(r, "number")))
		return
	}

	var body io.Reader = r.Body
	if limit := s.cfg.Server.MaxPartSize; limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	part, err := s.store.UploadPart(r.Context(), r.URL.Query().Get("key"), chi.URLParam(r, "id"), number, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorBody{
				Code:    "EntityTooLarge",
				Message: "part exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
			})
			return
		}
		writeError(w, err)
		return
	}

	w.Header().Set("ETag", part.ETag)
	writeJSON(w, http.StatusOK, part)
}

// abortUpload handles DELETE /uploads/{id}?key=...
func (s *Server) abortUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.store.AbortUpload(r.Context(), r.URL.Query().Get("key"), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// download handles GET /objects/{key...}: remote backends redirect to a
// presigned URL, the local backend streams the file.
func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.Download(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, err)
		return
	}

	if d.IsRedirect() {
		http.Redirect(w, r, d.URL, http.StatusFound)
		return
	}
	defer d.Body.Close()

	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.FileName}))

	if rs, ok := d.Body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, d.FileName, d.LastModified, rs)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(d.Size, 10))
	if !d.LastModified.IsZero() {
		w.Header().Set("Last-Modified", d.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, d.Body); err != nil {
		s.logger.Warn("Download interrupted", "key", chi.URLParam(r, "*"), "error", err)
	}
}

// removeObject handles DELETE /objects/{key...}.
func (s *Server) removeObject(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveObject(r.Context(), chi.URLParam(r, "*")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// removeAllObjects handles DELETE /objects.
func (s *Server) removeAllObjects(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveAllObjects(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// humaError converts a storage error into a Huma status error.
func humaError(err error) error {
	se := serr.As(err)
	return huma.NewError(se.HTTPStatus, se.Code+": "+se.Message)
}

// writeError writes err as a JSON ErrorBody with its taxonomy status.
func writeError(w http.ResponseWriter, err error) {
	se := serr.As(err)
	writeJSON(w, se.HTTPStatus, ErrorBody{Code: se.Code, Message: se.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
