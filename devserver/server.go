// ABOUTME: Reference HTTP and WebSocket server for the deal store
// ABOUTME: Serves /v1/orgs/{org}/deals with chi routes and streams changes over coder/websocket
package devserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/harperreed/dealsync/remote"
)

// Options configures a Server.
type Options struct {
	// Token, when set, is required as a bearer token on every /v1 request.
	Token  string
	Logger *log.Logger
}

// Server exposes a Store over HTTP.
type Server struct {
	store  *Store
	token  string
	logger *log.Logger
	router chi.Router
}

// envelope mirrors the response shape the HTTP client decodes.
type envelope struct {
	Success bool              `json:"success"`
	Deal    json.RawMessage   `json:"deal,omitempty"`
	Deals   []json.RawMessage `json:"deals,omitempty"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
}

type updateRequest struct {
	Changes       map[string]any `json:"changes"`
	BaseUpdatedAt *time.Time     `json:"base_updated_at,omitempty"`
}

// New builds a server around store.
func New(store *Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	s := &Server{store: store, token: opts.Token, logger: opts.Logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1/orgs/{org}/deals", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/stream", s.handleStream)
		r.Patch("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})
	return r
}

// Handler returns the root handler, for httptest or embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down dev server: %w", err)
		}
		return nil
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.logger.Warn("auth failure", "path", r.URL.Path, "remote_ip", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, envelope{Code: remote.CodeUnauthorized, Message: "missing or invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeResult(w http.ResponseWriter, res remote.Result) {
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, envelope{
		Success: res.Success,
		Deal:    res.Record,
		Code:    res.Code,
		Message: res.Message,
	})
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, envelope{Code: remote.CodeValidation, Message: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	deals, err := s.store.List(r.Context(), chi.URLParam(r, "org"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Code: remote.CodeServerError, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Deals: deals})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		badRequest(w, fmt.Errorf("invalid deal payload: %w", err))
		return
	}
	res, err := s.store.Create(r.Context(), chi.URLParam(r, "org"), payload)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Code: remote.CodeServerError, Message: err.Error()})
		return
	}
	writeResult(w, res)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, fmt.Errorf("invalid update payload: %w", err))
		return
	}
	res, err := s.store.Update(r.Context(), chi.URLParam(r, "org"), chi.URLParam(r, "id"), req.Changes, req.BaseUpdatedAt)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Code: remote.CodeServerError, Message: err.Error()})
		return
	}
	writeResult(w, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.Delete(r.Context(), chi.URLParam(r, "org"), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, envelope{Code: remote.CodeServerError, Message: err.Error()})
		return
	}
	writeResult(w, res)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "scope", org, "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	sub, err := s.store.Subscribe(ctx, org, func(ev remote.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
			s.logger.Debug("stream write failed", "scope", org, "err", err)
		}
	})
	if err != nil {
		return
	}
	defer func() { _ = sub.Close() }()

	s.logger.Debug("stream client connected", "scope", org, "subscribers", s.store.Subscribers(org))
	select {
	case <-ctx.Done():
	case err := <-sub.Done():
		if err != nil {
			s.logger.Warn("stream ended", "scope", org, "err", err)
			_ = conn.Close(websocket.StatusGoingAway, err.Error())
		}
	}
}
