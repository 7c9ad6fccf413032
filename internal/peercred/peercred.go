// Package peercred authenticates admin-socket clients by the kernel's
// SO_PEERCRED credential, not by anything the client sends (spec.md §4.7,
// §6). This is the one place golang.org/x/sys/unix is used for its Unix
// credential syscall instead of the teacher's Windows service calls.
package peercred

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Cred is the kernel-verified identity of a Unix domain socket peer.
type Cred struct {
	UID int
	GID int
	PID int
}

// Lookup reads the SO_PEERCRED credential off a Unix domain socket
// connection. conn must be a *net.UnixConn.
func Lookup(conn net.Conn) (Cred, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Cred{}, fmt.Errorf("peercred: connection is %T, not a Unix socket", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return Cred{}, fmt.Errorf("peercred: get raw conn: %w", err)
	}

	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Cred{}, fmt.Errorf("peercred: control fd: %w", err)
	}
	if sockErr != nil {
		return Cred{}, fmt.Errorf("peercred: getsockopt SO_PEERCRED: %w", sockErr)
	}

	return Cred{UID: int(ucred.Uid), GID: int(ucred.Gid), PID: int(ucred.Pid)}, nil
}
