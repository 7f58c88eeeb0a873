// Package server exposes the relay over HTTP: the websocket endpoint plus a
// small JSON API over the image archive.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/outaqua/aquarium/internal/archive"
	"github.com/outaqua/aquarium/internal/relay"
	"github.com/outaqua/aquarium/internal/storage"
	"github.com/outaqua/aquarium/internal/transfer"
)

// Images is the HTTP side of the image archive.
type Images interface {
	List(limit int) ([]storage.Upload, error)
	Open(ctx context.Context, filename string) (*transfer.Upload, error)
	Delete(ctx context.Context, id string) error
}

// Config holds the server's tunables.
type Config struct {
	SessionTTL    time.Duration // idle upload sessions older than this are dropped
	SweepInterval time.Duration
	UpgradeRate   int // websocket upgrades per IP per UpgradeWindow, 0 disables
	UpgradeWindow time.Duration
}

// DefaultConfig is used for zero fields in New.
var DefaultConfig = Config{
	SessionTTL:    2 * time.Minute,
	SweepInterval: 30 * time.Second,
	UpgradeRate:   30,
	UpgradeWindow: time.Minute,
}

// Server is the main HTTP server.
type Server struct {
	hub      *relay.Hub
	images   Images
	cfg      Config
	log      *zap.Logger
	upgrades *rateLimiter
	mux      *http.ServeMux
}

// New creates a new Server with all routes registered. images may be nil.
func New(hub *relay.Hub, images Images, cfg Config, log *zap.Logger) *Server {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultConfig.SessionTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig.SweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		hub:    hub,
		images: images,
		cfg:    cfg,
		log:    log,
		mux:    http.NewServeMux(),
	}
	if cfg.UpgradeRate > 0 {
		s.upgrades = newRateLimiter(cfg.UpgradeRate, cfg.UpgradeWindow)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/clients", s.handleClients)
	s.mux.HandleFunc("GET /api/uploads", s.handleListUploads)
	s.mux.HandleFunc("DELETE /api/uploads/{id}", s.handleDeleteUpload)
	s.mux.HandleFunc("GET /api/images/{filename}", s.handleImage)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.upgrades != nil && !s.upgrades.allow(getIP(r)) {
		s.log.Warn("websocket upgrade rate limited", zap.String("ip", getIP(r)))
		writeError(w, http.StatusTooManyRequests, "too many connections")
		return
	}
	s.hub.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "aquarium",
	})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Counts())
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	if s.images == nil {
		writeError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	ups, err := s.images.List(limit)
	if err != nil {
		s.log.Error("list uploads", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list uploads")
		return
	}
	if ups == nil {
		ups = []storage.Upload{}
	}
	writeJSON(w, http.StatusOK, ups)
}

func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	if s.images == nil {
		writeError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	err := s.images.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	if err != nil {
		s.log.Error("delete upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete upload")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if s.images == nil {
		writeError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	up, err := s.images.Open(r.Context(), r.PathValue("filename"))
	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	if err != nil {
		s.log.Error("open image", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read image")
		return
	}
	w.Header().Set("Content-Type", up.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(up.Data)))
	w.Header().Set("ETag", `"`+up.Digest()+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(up.Data)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
