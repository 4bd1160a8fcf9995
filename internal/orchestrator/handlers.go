package orchestrator

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docpdf/internal/cleanup"
	"github.com/local/docpdf/internal/filetype"
	"github.com/local/docpdf/internal/jobs"
	"github.com/local/docpdf/internal/metrics"
	"github.com/local/docpdf/internal/staging"
	"github.com/local/docpdf/internal/statuscheck"
)

const multipartMemory = 32 << 20

// Sweeper is the part of the retention sweeper the HTTP layer uses.
type Sweeper interface {
	Sweep(ctx context.Context) (cleanup.Report, error)
	Stats() cleanup.Stats
}

// HealthChecker summarises dependency health.
type HealthChecker interface {
	Summary(ctx context.Context) statuscheck.Summary
}

// ServerOptions configures the HTTP layer.
type ServerOptions struct {
	APIKey         string
	MaxUploadBytes int64
	Version        string
}

// Server exposes the workflow over HTTP.
type Server struct {
	flow    *Workflow
	store   *staging.Store
	sweeper Sweeper
	health  HealthChecker
	opts    ServerOptions
}

func NewServer(flow *Workflow, store *staging.Store, sweeper Sweeper, health HealthChecker, opts ServerOptions) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	return &Server{flow: flow, store: store, sweeper: sweeper, health: health, opts: opts}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /convert/sync", s.requireKey(s.handleConvertSync))
	mux.HandleFunc("POST /convert/async", s.requireKey(s.handleConvertAsync))
	mux.HandleFunc("GET /task/{id}", s.requireKey(s.handleTask))
	mux.HandleFunc("GET /download/{filename}", s.requireKey(s.handleDownload))
	mux.HandleFunc("GET /stats", s.requireKey(s.handleStats))
	mux.HandleFunc("POST /cleanup", s.requireKey(s.handleCleanup))
	mux.HandleFunc("GET /health/deps", s.requireKey(s.handleHealthDeps))
}

// Handler returns every route behind the CORS layer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// corsMiddleware allows any origin. Preflights are answered before auth.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type conversionResp struct {
	Success     bool    `json:"success"`
	Message     string  `json:"message"`
	TaskID      *string `json:"task_id"`
	DownloadURL *string `json:"download_url"`
	Filename    *string `json:"filename"`
}

type taskResp struct {
	TaskID      string  `json:"task_id"`
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	DownloadURL *string `json:"download_url"`
	Filename    *string `json:"filename"`
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusForbidden, "Not authenticated")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Office to PDF Converter API is running",
		"version":   s.opts.Version,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleConvertSync(w http.ResponseWriter, r *http.Request) {
	name, content, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	res, err := s.flow.RunSync(r.Context(), name, content)
	if err != nil {
		s.conversionError(w, "sync", err)
		return
	}
	if !res.Success {
		writeError(w, http.StatusInternalServerError, res.Message)
		return
	}
	url := downloadURL(res.OutputName)
	writeJSON(w, http.StatusOK, conversionResp{
		Success:     true,
		Message:     res.Message,
		DownloadURL: &url,
		Filename:    &res.OutputName,
	})
}

func (s *Server) handleConvertAsync(w http.ResponseWriter, r *http.Request) {
	name, content, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	id, err := s.flow.RunAsync(r.Context(), name, content)
	if err != nil {
		s.conversionError(w, "async", err)
		return
	}
	writeJSON(w, http.StatusOK, conversionResp{
		Success: true,
		Message: "Conversion task started",
		TaskID:  &id,
	})
}

func (s *Server) conversionError(w http.ResponseWriter, mode string, err error) {
	if errors.Is(err, ErrEmptyContent) {
		writeError(w, http.StatusBadRequest, "Empty file")
		return
	}
	log.Error().Err(err).Str("mode", mode).Msg("conversion request failed")
	writeError(w, http.StatusInternalServerError, "Internal server error: "+err.Error())
}

// readUpload pulls the "file" part out of a multipart request and applies the
// size ceiling, the extension allow-list and the empty-file check.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File too large: limit is %d bytes", s.opts.MaxUploadBytes))
			return "", nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return "", nil, false
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return "", nil, false
	}
	defer file.Close()

	if !filetype.IsSupported(hdr.Filename) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported file type: %s. Supported types: %s",
			strings.ToLower(filepath.Ext(hdr.Filename)), strings.Join(filetype.SupportedExtensions(), ", ")))
		return "", nil, false
	}
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read upload")
		return "", nil, false
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "Empty file")
		return "", nil, false
	}
	return hdr.Filename, content, true
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok, err := s.flow.Job(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("job lookup failed")
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	resp := taskResp{TaskID: job.ID, Status: string(job.Status), Message: job.Message}
	if job.Status == jobs.StatusCompleted && job.OutputName != "" {
		url := downloadURL(job.OutputName)
		name := job.OutputName
		resp.DownloadURL = &url
		resp.Filename = &name
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	f, err := s.store.Resolve(staging.Outbound, name)
	if err != nil {
		if !errors.Is(err, staging.ErrNotFound) && !errors.Is(err, staging.ErrInvalidName) {
			log.Error().Err(err).Str("file", name).Msg("resolve download failed")
		}
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	http.ServeFile(w, r, f.Path)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sweeper.Stats())
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		log.Warn().Err(err).Int("total_deleted", rep.TotalDeleted).Msg("manual cleanup finished with errors")
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleHealthDeps(w http.ResponseWriter, r *http.Request) {
	sum := s.health.Summary(r.Context())
	code := http.StatusOK
	if !sum.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, sum)
}

func downloadURL(name string) string { return "/download/" + name }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
