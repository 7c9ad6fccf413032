// Package config centralizes the network defaults guardiand and its
// loopback diagnostic endpoint bind to, so a port never needs to be
// hardcoded twice.
package config

const (
	// DefaultDiagHost is the only host the diagnostic HTTP server is
	// allowed to bind to (spec.md's Non-goals exclude a remote dashboard;
	// this keeps the endpoint local-only by construction).
	DefaultDiagHost = "127.0.0.1"

	// DefaultDiagPort is the diagnostic HTTP server's default port.
	DefaultDiagPort = "7337"

	// DefaultDiagAddr combines host and port for the diagnostic server.
	DefaultDiagAddr = DefaultDiagHost + ":" + DefaultDiagPort

	// DefaultAdminSocket is the same path internal/policy applies when the
	// policy file has no ipc_socket; the supervisor takes the socket path
	// from the policy snapshot (or --admin-socket), not from this constant.
	DefaultAdminSocket = "/run/guardian-daemon.sock"
)

// DiagAddr returns the diagnostic server's bind address, honoring an
// override port while keeping the host pinned to loopback.
func DiagAddr(port string) string {
	if port == "" {
		port = DefaultDiagPort
	}
	return DefaultDiagHost + ":" + port
}
