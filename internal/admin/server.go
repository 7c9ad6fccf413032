package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/familyguardian/guardiand/internal/peercred"
	"github.com/familyguardian/guardiand/pkg/logger"
)

// Handler answers one admin command. args is the decoded Request.Args; cred
// is the calling peer's credential, so a handler that mutates state can
// refuse non-root callers (spec.md §4.7).
type Handler func(cred peercred.Cred, args map[string]interface{}) (interface{}, error)

// AuthFunc decides whether the peer credential may use the admin socket at
// all; it runs before any request byte is read. The supervisor's AuthFunc
// admits uid 0 and members of the configured admin group. Commands that
// mutate state additionally require uid 0, which individual handlers enforce.
type AuthFunc func(peercred.Cred) error

// Server accepts connections on a Unix domain socket and dispatches framed
// requests to registered handlers, after peer-credential authorization and
// per-uid rate limiting.
type Server struct {
	socketPath string
	listener   net.Listener
	auth       AuthFunc
	limiter    *rateLimiter
	log        logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Server bound to socketPath, replacing any stale socket file
// left from a prior run.
func New(socketPath string, auth AuthFunc, log logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Noop()
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("admin: remove stale socket %s: %w", socketPath, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("admin: listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("admin: chmod socket: %w", err)
	}
	return &Server{
		socketPath: socketPath,
		listener:   ln,
		auth:       auth,
		limiter:    newRateLimiter(),
		log:        log,
		handlers:   make(map[string]Handler),
	}, nil
}

// Handle registers a handler for a command name.
func (s *Server) Handle(command string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = h
}

// Run accepts connections until ctx is cancelled, serving each on its own
// goroutine.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("admin: accept: %w", err)
			}
		}
		go s.serveConn(conn)
	}
}

// Close stops listening and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	os.Remove(s.socketPath)
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	cred, err := peercred.Lookup(conn)
	if err != nil {
		s.log.Warn("admin: peer credential lookup failed", "err", err)
		writeFrame(conn, Response{Error: "unauthorized"})
		return
	}
	if s.auth != nil {
		if err := s.auth(cred); err != nil {
			writeFrame(conn, Response{Error: "unauthorized: " + err.Error()})
			return
		}
	}
	if !s.limiter.Allow(cred.UID) {
		writeFrame(conn, Response{Error: "rate limit exceeded"})
		return
	}

	var req Request
	if err := readFrame(conn, &req); err != nil {
		if errors.Is(err, errZeroLengthFrame) {
			return
		}
		writeFrame(conn, Response{Error: "malformed request: " + err.Error()})
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		writeFrame(conn, Response{Error: fmt.Sprintf("unknown command %q", req.Command)})
		return
	}

	data, err := handler(cred, req.Args)
	if err != nil {
		writeFrame(conn, Response{Error: err.Error()})
		return
	}
	writeFrame(conn, Response{OK: true, Data: data})
}
