// Package diag serves a loopback-only, read-only status endpoint — a local
// debugging aid, not the remote management hub spec.md's Non-goals exclude
// (spec.md §4.6's expansion, §9). It never accepts writes and never binds
// to anything but 127.0.0.1.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/familyguardian/guardiand/internal/policy"
	"github.com/familyguardian/guardiand/internal/tracker"
	"github.com/familyguardian/guardiand/pkg/logger"
)

// Server exposes /healthz and /status on a loopback listener.
type Server struct {
	httpServer *http.Server
	log        logger.Logger
}

// UserStatus is one row of the /status response.
type UserStatus struct {
	Username         string  `json:"username"`
	RemainingMinutes float64 `json:"remaining_minutes"`
	UsedMinutes      float64 `json:"used_minutes"`
}

// New builds a Server bound to addr (expected to be a 127.0.0.1 address;
// callers choose the port). tr and pol back the /status handler.
func New(addr string, tr *tracker.Tracker, pol *policy.Policy, log logger.Logger) *Server {
	if log == nil {
		log = logger.Noop()
	}
	s := &Server{log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		s.handleStatus(w, req, tr, pol)
	}).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, tr *tracker.Tracker, pol *policy.Policy) {
	snap := pol.Current()
	var rows []UserStatus
	for username, up := range snap.Users {
		if !up.Monitored {
			continue
		}
		used, err := tr.UsedMinutes(username)
		if err != nil {
			s.log.Warn("status: used minutes failed", "username", username, "err", err)
			continue
		}
		remaining, err := tr.RemainingMinutes(username)
		if err != nil {
			s.log.Warn("status: remaining minutes failed", "username", username, "err", err)
			continue
		}
		rows = append(rows, UserStatus{Username: username, UsedMinutes: used, RemainingMinutes: remaining})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

// Run starts serving until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
