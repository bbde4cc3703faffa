// Package server exposes the HTTP management API over the account store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"bluesky-notifier/feed"
	"bluesky-notifier/pkg/notifier"
	"bluesky-notifier/poll"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Store is the account-store surface the API writes through. All mutations
// go through the store's contract so the poll loop and the API share the
// same serialization discipline.
type Store interface {
	Add(ctx context.Context, acct *notifier.Account) error
	List(ctx context.Context) ([]*notifier.Account, error)
	Get(ctx context.Context, handle string) (*notifier.Account, error)
	UpdatePrefs(ctx context.Context, handle string, patch notifier.PrefsPatch) (*notifier.Account, error)
	ToggleActive(ctx context.Context, handle string) (*notifier.Account, error)
	Remove(ctx context.Context, handle string) error
}

// Resolver resolves a handle against the network at add time.
type Resolver interface {
	Profile(ctx context.Context, handle string) (*feed.Profile, error)
}

// Poller triggers an immediate check of all accounts.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	store    Store
	resolver Resolver
	poller   Poller
	logger   *slog.Logger
	router   chi.Router
}

// Config holds server dependencies.
type Config struct {
	Store    Store
	Resolver Resolver
	Poller   Poller
	Logger   *slog.Logger
}

// New creates the HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		poller:   cfg.Poller,
		logger:   cfg.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Post("/pollz", s.handlePoll)

	r.Route("/api", func(r chi.Router) {
		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleAddAccount)
		r.Put("/accounts/{handle}/preferences", s.handleUpdatePreferences)
		r.Post("/accounts/{handle}/toggle", s.handleToggleAccount)
		r.Delete("/accounts/{handle}", s.handleRemoveAccount)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Listen starts the HTTP server with explicit timeouts and shuts it down
// when ctx is cancelled.
func (s *Server) Listen(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		if errors.Is(err, poll.ErrCheckInProgress) {
			s.writeErrorStatus(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if accounts == nil {
		accounts = []*notifier.Account{}
	}
	s.writeData(w, http.StatusOK, map[string]any{"accounts": accounts})
}

type addAccountRequest struct {
	Handle string               `json:"handle"`
	Prefs  *notifier.PrefsPatch `json:"notification_preferences"`
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Handle == "" {
		s.writeErrorStatus(w, http.StatusBadRequest, "handle is required")
		return
	}

	// Resolve handle → stable DID and cache presentation metadata now;
	// the DID is the identity from here on even if the handle changes.
	profile, err := s.resolver.Profile(r.Context(), req.Handle)
	if err != nil {
		s.writeError(w, err)
		return
	}

	prefs := notifier.DefaultPrefs()
	if req.Prefs != nil {
		prefs = req.Prefs.Apply(prefs)
	}

	acct := &notifier.Account{
		DID:         profile.DID,
		Handle:      profile.Handle,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		Active:      true,
		Prefs:       prefs,
	}
	if err := s.store.Add(r.Context(), acct); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeData(w, http.StatusCreated, map[string]any{"account": acct})
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	var patch notifier.PrefsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	acct, err := s.store.UpdatePrefs(r.Context(), handle, patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"account": acct})
}

func (s *Server) handleToggleAccount(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	acct, err := s.store.ToggleActive(r.Context(), handle)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"account": acct})
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	if err := s.store.Remove(r.Context(), handle); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

// writeError maps store and resolver errors onto HTTP statuses. Account
// store errors always propagate to the caller, never silently swallowed.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, notifier.ErrDuplicateAccount):
		status = http.StatusConflict
	case errors.Is(err, notifier.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, notifier.ErrInvalidHandle):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "error", err)
		s.writeErrorStatus(w, status, "internal error")
		return
	}
	s.writeErrorStatus(w, status, err.Error())
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		s.logger.Warn("Failed to encode error response", "error", err)
	}
}
