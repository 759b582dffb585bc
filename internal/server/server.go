// Package server binds the tool registry and resource router to HTTP.
// Routes live under the configured base path:
//
//	POST {path}tools/{name}   invoke a tool
//	GET  {path}resources?uri= read a resource
//	GET  {path}health         liveness probe
//
// Authentication and rate limiting are left to a fronting proxy.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/harborline/mailroom/internal/config"
	"github.com/harborline/mailroom/internal/resources"
	"github.com/harborline/mailroom/internal/tools"
	"github.com/harborline/mailroom/internal/types"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 120 * time.Second
	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 8 << 20
)

// Server is the HTTP transport of the coordination service.
type Server struct {
	registry *tools.Registry
	router   *resources.Router
	settings *config.Settings
	log      *slog.Logger
	httpSrv  *http.Server
}

// New wires the transport. The base path is normalized to have a single
// trailing slash.
func New(registry *tools.Registry, router *resources.Router, settings *config.Settings, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{registry: registry, router: router, settings: settings, log: log}
}

func (s *Server) basePath() string {
	p := s.settings.HTTPPath
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Handler builds the route mux.
func (s *Server) Handler() http.Handler {
	base := s.basePath()
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+base+"tools/{tool}", s.handleTool)
	mux.HandleFunc("GET "+base+"resources", s.handleResource)
	mux.HandleFunc("GET "+base+"health", s.handleHealth)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then drains connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.settings.HTTPHost, fmt.Sprintf("%d", s.settings.HTTPPort))
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr, "path", s.basePath())
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// toolRequest is the invocation envelope. Caller identifies the invoking
// agent for capability checks and usage accounting; the X-Mailroom-Agent
// header takes precedence when set.
type toolRequest struct {
	Caller string          `json:"caller,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("tool")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, types.Invalidf("reading request body: %v", err))
		return
	}
	var req toolRequest
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeError(w, types.Invalidf("malformed request body: %v", err))
			return
		}
	}
	caller := r.Header.Get("X-Mailroom-Agent")
	if caller == "" {
		caller = req.Caller
	}

	resp, err := s.registry.Invoke(r.Context(), name, caller, req.Args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		s.writeError(w, types.Invalidf("missing uri parameter"))
		return
	}
	payload, err := s.router.Read(r.Context(), uri)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := s.registry.Invoke(r.Context(), "health_check", "", nil)
	if err != nil || !resp.OK {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy"})
		return
	}
	s.writeJSON(w, http.StatusOK, resp.Data)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

// writeError maps a failure to an HTTP status. Only unrecoverable errors
// reach this for tools; resources route all their errors here.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	te := types.WrapUnhandled(err)
	status := http.StatusInternalServerError
	switch te.Kind {
	case types.ErrNotFound, types.ErrRecipientNotFound:
		status = http.StatusNotFound
	case types.ErrInvalidArgument:
		status = http.StatusBadRequest
	case types.ErrCapabilityDenied, types.ErrContactBlocked:
		status = http.StatusForbidden
	case types.ErrContactRequired, types.ErrReservationConflict:
		status = http.StatusConflict
	}
	s.writeJSON(w, status, &tools.Response{OK: false, Error: te})
}
