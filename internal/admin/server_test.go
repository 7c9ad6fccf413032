package admin

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/familyguardian/guardiand/internal/peercred"
	"github.com/familyguardian/guardiand/pkg/logger"
)

func TestServerRoundTripsAFrame(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "admin.sock")

	s, err := New(sockPath, func(peercred.Cred) error { return nil }, logger.Noop())
	require.NoError(t, err)
	s.Handle("echo", func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
		return args, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Close()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, Request{Command: "echo", Args: map[string]interface{}{"k": "v"}}))

	var resp Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, readFrame(conn, &resp))
	require.True(t, resp.OK)
}

func TestServerRejectsUnauthorizedWithoutReadingRequest(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "admin.sock")

	denied := fmt.Errorf("denied")
	s, err := New(sockPath, func(peercred.Cred) error { return denied }, logger.Noop())
	require.NoError(t, err)
	s.Handle("echo", func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) { return nil, nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Close()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	var resp Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, readFrame(conn, &resp))
	require.NotEmpty(t, resp.Error)
}

func TestRateLimiterExemptsRootAndCapsOthers(t *testing.T) {
	rl := newRateLimiter()
	base := time.Now()
	rl.clock = func() time.Time { return base }

	for i := 0; i < 1000; i++ {
		require.True(t, rl.Allow(0), "uid 0 is never throttled")
	}

	for i := 0; i < rateLimitMax; i++ {
		require.True(t, rl.Allow(1001), "request %d should be within budget", i)
	}
	require.False(t, rl.Allow(1001), "101st request within the window must be refused")

	rl.clock = func() time.Time { return base.Add(rateLimitWindow + time.Second) }
	require.True(t, rl.Allow(1001), "a fresh window resets the budget")
}
