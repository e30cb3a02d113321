// Package handoff runs the local endpoint through which a signed-in client
// hands the archive token to the capturer.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/storage"
)

const maxBodyBytes = 16 << 10

// Options configure the hand-off server.
type Options struct {
	Addr          string
	CredentialKey string
	AllowedOrigin string
	// Status, when set, is merged into the /healthz response.
	Status func() map[string]any
}

// Server stores and clears the archive credential on request.
type Server struct {
	creds storage.CredentialStore
	opts  Options
	log   logger.Logger
	srv   *http.Server
}

// New builds a server. Call Run to listen.
func New(creds storage.CredentialStore, opts Options, log logger.Logger) *Server {
	if opts.CredentialKey == "" {
		opts.CredentialKey = "access_token"
	}
	s := &Server{creds: creds, opts: opts, log: logger.Ensure(log)}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1/token", func(r chi.Router) {
		r.Options("/", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
		r.Group(func(r chi.Router) {
			r.Use(s.guardWrites)
			r.Put("/", s.handleStore)
			r.Post("/", s.handleStore)
			r.Delete("/", s.handleClear)
		})
	})
	return r
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.InfoObj("credential hand-off listening", "handoff_listen", map[string]any{"addr": s.opts.Addr})
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token is required"})
		return
	}
	if err := s.creds.SetCredential(s.opts.CredentialKey, token); err != nil {
		s.log.ErrorObj("store credential failed", "handoff_store_error", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not store token"})
		return
	}
	s.log.InfoObj("credential stored", "handoff_store", map[string]any{"key": s.opts.CredentialKey})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	if err := s.creds.DeleteCredential(s.opts.CredentialKey); err != nil {
		s.log.ErrorObj("clear credential failed", "handoff_clear_error", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not clear token"})
		return
	}
	s.log.InfoObj("credential cleared", "handoff_clear", map[string]any{"key": s.opts.CredentialKey})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, ok, err := s.creds.GetCredential(s.opts.CredentialKey)
	body := map[string]any{
		"status":    "ok",
		"has_token": err == nil && ok,
	}
	if s.opts.Status != nil {
		for k, v := range s.opts.Status() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.opts.AllowedOrigin != "" && origin == s.opts.AllowedOrigin {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

// guardWrites rejects token changes from any browser origin other than
// AllowedOrigin, and store requests that are not JSON. A request without an
// Origin header comes from a local tool, not a page.
func (s *Server) guardWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && origin != s.opts.AllowedOrigin {
			s.log.WarnObj("token change from foreign origin rejected", "handoff_forbidden", map[string]any{
				"origin": origin,
				"method": r.Method,
			})
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
			return
		}
		if r.Method != http.MethodDelete {
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mediaType != "application/json" {
				writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "content type must be application/json"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
