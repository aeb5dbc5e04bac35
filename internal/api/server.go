// Package api provides the HTTP server: the REST file API and the
// subscriber transports.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewfs/internal/events"
	"github.com/fruitsalade/previewfs/internal/logging"
	"github.com/fruitsalade/previewfs/internal/metrics"
	"github.com/fruitsalade/previewfs/internal/vfs"
	"github.com/fruitsalade/previewfs/pkg/models"
	"github.com/fruitsalade/previewfs/pkg/protocol"
)

// defaultFileType tags files written without a type.
const defaultFileType = "file"

// maxJSONOverhead is the body allowance on top of MaxContentSize for the
// JSON envelope and escaping.
const maxJSONOverhead = 64 << 10

// Options holds server settings.
type Options struct {
	MaxContentSize int64
	WSWriteTimeout time.Duration
}

// Server maps HTTP requests to store operations and attaches subscribers to
// the broadcaster.
type Server struct {
	store          *vfs.Store
	broadcaster    *events.Broadcaster
	maxContentSize int64
	writeTimeout   time.Duration
	upgrader       websocket.Upgrader
}

// NewServer creates a new server.
func NewServer(store *vfs.Store, broadcaster *events.Broadcaster, opts Options) *Server {
	if opts.MaxContentSize <= 0 {
		opts.MaxContentSize = 10 << 20
	}
	if opts.WSWriteTimeout <= 0 {
		opts.WSWriteTimeout = 10 * time.Second
	}
	return &Server{
		store:          store,
		broadcaster:    broadcaster,
		maxContentSize: opts.MaxContentSize,
		writeTimeout:   opts.WSWriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Previews are embedded from other origins; there is no auth.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Delete("/", s.handleDeleteProject)
				r.Get("/files", s.handleListFiles)
				r.Get("/files/*", s.handleGetFile)
				r.Put("/files/*", s.handleSetFile)
				r.Delete("/files/*", s.handleDeleteFile)
				r.Get("/raw/*", s.handleRaw)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.broadcaster.Count(),
	})
}

// ─── Projects ───────────────────────────────────────────────────────────────

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.store.ListProjects())
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateProjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONOverhead)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := s.store.CreateProject(req.Name)
	s.sendJSON(w, http.StatusCreated, protocol.CreateProjectResponse{ID: id})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.store.GetProject(id)
	if !ok {
		s.sendError(w, http.StatusNotFound, "project not found: "+id)
		return
	}
	files, err := s.store.ListFiles(id)
	if err != nil {
		// Deleted between the two reads.
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.ProjectResponse{
		ID:        p.ID,
		Name:      p.Name,
		Files:     files,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	deleted := s.store.DeleteProject(chi.URLParam(r, "id"))
	s.sendJSON(w, http.StatusOK, protocol.DeleteProjectResponse{Deleted: deleted})
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.ListFiles(chi.URLParam(r, "id"))
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, files)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, path := chi.URLParam(r, "id"), filePath(r)
	f, ok := s.store.GetFile(id, path)
	if !ok {
		s.sendError(w, http.StatusNotFound, "file not found: "+path)
		return
	}
	s.sendJSON(w, http.StatusOK, models.File{
		Path:    vfs.Normalize(path),
		Content: f.Content,
		Type:    f.Type,
	})
}

func (s *Server) handleSetFile(w http.ResponseWriter, r *http.Request) {
	id, path := chi.URLParam(r, "id"), filePath(r)

	if r.ContentLength > s.maxContentSize+maxJSONOverhead {
		s.sendTooLarge(w)
		return
	}
	var req protocol.SetFileRequest
	body := http.MaxBytesReader(w, r.Body, s.maxContentSize+maxJSONOverhead)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendTooLarge(w)
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if int64(len(req.Content)) > s.maxContentSize {
		s.sendTooLarge(w)
		return
	}
	if req.Type == "" {
		req.Type = defaultFileType
	}

	if err := s.store.SetFile(id, path, req.Content, req.Type); err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.AckResponse{OK: true})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFile(chi.URLParam(r, "id"), filePath(r)); err != nil {
		s.sendStoreError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.AckResponse{OK: true})
}

// handleRaw serves file content as-is for the preview frame.
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	path := filePath(r)
	f, ok := s.store.GetFile(chi.URLParam(r, "id"), path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", vfs.MIMEType(path))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(f.Content))
}

// filePath returns the wildcard file path. chi matches against RawPath when
// the URL has one, in which case the value is still escaped.
func filePath(r *http.Request) string {
	p := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(p); err == nil {
			p = unescaped
		}
	}
	return p
}

// ─── Responses ──────────────────────────────────────────────────────────────

func (s *Server) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vfs.ErrProjectNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, vfs.ErrInvalidPath):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		logging.Error("store operation failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) sendTooLarge(w http.ResponseWriter) {
	s.sendError(w, http.StatusRequestEntityTooLarge,
		fmt.Sprintf("content too large: max %d bytes", s.maxContentSize))
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("write response failed", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
