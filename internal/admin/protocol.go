// Package admin implements guardiand's authenticated control socket
// (spec.md §4.7, C9): a length-prefixed JSON request/response protocol over
// a Unix domain socket, authorized by the kernel's SO_PEERCRED rather than
// anything the client claims. This redesigns the original line-oriented
// "cmd arg\n" protocol (guardian_daemon/ipc.py) into framed JSON per
// spec.md's REDESIGN FLAGS — the command set is kept, the wire format is
// not.
package admin

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize bounds a single request to 1 MiB (spec.md §4.7).
const maxFrameSize = 1 << 20

// errZeroLengthFrame signals a zero-length frame prefix, which spec.md
// §4.7 requires to close the connection outright rather than answer it.
var errZeroLengthFrame = errors.New("admin: zero-length frame")

// Request is one admin command: Command names a handler, Args carries its
// parameters as a generic JSON object.
type Request struct {
	Command string                 `json:"command"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

// Response wraps a handler's result or an error message; exactly one of
// Data/Error is set.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// readFrame reads a 4-byte big-endian length prefix followed by that many
// bytes of JSON and decodes it into v.
func readFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return errZeroLengthFrame
	}
	if n > maxFrameSize {
		return fmt.Errorf("admin: frame of %d bytes exceeds %d byte limit", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// writeFrame encodes v as JSON and writes it as a length-prefixed frame.
func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("admin: marshal frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("admin: response of %d bytes exceeds %d byte limit", len(body), maxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
