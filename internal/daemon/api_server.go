package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"alps/internal/config"
	"alps/internal/logging"
	"alps/internal/metrics"
	"alps/internal/queue"
	"alps/internal/services"
	"alps/internal/workflow"
)

const (
	uploadField     = "file"
	maxUploadBytes  = 8 << 30
	requestIDHeader = "X-Request-ID"
)

type apiServer struct {
	bind      string
	token     string
	uploadDir string
	logger    *slog.Logger
	daemon    *Daemon

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	return &apiServer{
		bind:      strings.TrimSpace(cfg.Paths.APIBind),
		token:     cfg.Paths.APIToken,
		uploadDir: cfg.Paths.UploadDir,
		logger:    logging.NewComponentLogger(logger, "api-server"),
		daemon:    d,
	}
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(correlate)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.token))
		r.Post("/process", s.handleProcess)
		r.Get("/results/{id}", s.handleResult)
		r.Get("/jobs", s.handleJobs)
		r.Get("/status", s.handleStatus)
	})
	return r
}

func (s *apiServer) start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorWithContext(s.logger, "api server error", "api_serve_failed", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *apiServer) address() string {
	if a := s.addr(); a != nil {
		return a.String()
	}
	return s.bind
}

func (s *apiServer) handleProcess(w http.ResponseWriter, r *http.Request) {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "multipart/form-data" {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data upload")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	path, err := s.saveUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		case errors.Is(err, errMissingUpload):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			logging.ErrorWithContext(logging.WithContext(r.Context(), s.logger), "failed to store upload", "upload_failed", logging.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store upload")
		}
		return
	}

	id, err := s.daemon.workflow.Submit(r.Context(), path)
	if err != nil {
		if errors.Is(err, workflow.ErrQueueFull) {
			if !s.daemon.cfg.Pipeline.KeepUploads {
				_ = os.Remove(path)
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"job_id": id, "error": err.Error()})
			return
		}
		_ = os.Remove(path)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id})
}

var errMissingUpload = fmt.Errorf("missing %q file field", uploadField)

// saveUpload streams the first part named "file" into the upload directory.
func (s *apiServer) saveUpload(r *http.Request) (string, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return "", errMissingUpload
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return "", errMissingUpload
		}
		if err != nil {
			return "", err
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}
		defer part.Close()

		if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
			return "", err
		}
		out, err := os.CreateTemp(s.uploadDir, "upload-*.zip")
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(out, part); err != nil {
			_ = out.Close()
			_ = os.Remove(out.Name())
			return "", err
		}
		if err := out.Close(); err != nil {
			_ = os.Remove(out.Name())
			return "", err
		}
		return out.Name(), nil
	}
}

func (s *apiServer) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.daemon.workflow.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []queue.Status
	for _, value := range r.URL.Query()["status"] {
		if strings.TrimSpace(value) == "" {
			continue
		}
		status, ok := queue.ParseStatus(value)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", value))
			return
		}
		statuses = append(statuses, status)
	}
	jobs, err := s.daemon.workflow.Jobs(r.Context(), statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

// correlate tags each request with a correlation id, reusing the caller's
// X-Request-ID when present.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}

func (s *apiServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.WithContext(r.Context(), s.logger).Debug("http request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
