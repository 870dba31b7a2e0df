package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"basis-arb-bot/internal/snapshot"

	"go.uber.org/zap"
)

// StateView exposes a read-only copy of whatever the strategy wants to show.
type StateView interface {
	View() any
}

type Options struct {
	Address        string
	MetricsPath    string
	MetricsHandler http.Handler
	Strategy       StateView
}

type Server struct {
	store *snapshot.Store
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

func New(store *snapshot.Store, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Address == "" {
		opts.Address = ":12090"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	return &Server{store: store, opts: opts, log: log, now: time.Now}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(s.handleHealth))
	mux.HandleFunc("/snapshots", getOnly(s.handlePerp))
	mux.HandleFunc("/spot-snapshots", getOnly(s.handleSpot))
	mux.HandleFunc("/unified-snapshots", getOnly(s.handleUnified))
	if s.opts.Strategy != nil {
		mux.HandleFunc("/strategy", getOnly(s.handleStrategy))
	}
	if s.opts.MetricsHandler != nil {
		mux.Handle(s.opts.MetricsPath, s.opts.MetricsHandler)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("address", s.opts.Address))
		errCh <- srv.ListenAndServe()
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
			s.log.Warn("http server shutdown failed", zap.Error(err))
		}
		<-errCh
		return ctx.Err()
	}
}

func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.store.Health(s.now())
	status := http.StatusOK
	if h.Status == snapshot.StatusDead {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handlePerp(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Perp())
}

func (s *Server) handleSpot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Spot())
}

func (s *Server) handleUnified(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.store.Current()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": snapshot.ErrEmpty.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStrategy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Strategy.View())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
