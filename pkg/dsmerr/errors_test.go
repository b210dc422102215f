package dsmerr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{&ConfigError{Field: "nodes", Err: errors.New("empty")}, "config"},
		{&TransportError{Op: "dial", Err: io.EOF}, "transport"},
		{&FaultResolutionError{Addr: 0x1000, Err: io.EOF}, "fault"},
		{&ProtocolViolation{Context: "serve", Detail: "bad opcode"}, "protocol"},
		{&MigrationError{Phase: "leaving", Err: io.EOF}, "migration"},
		{fmt.Errorf("wrapped: %w", &ProtocolViolation{Context: "x", Detail: "y"}), "protocol"},
		// a protocol violation surfacing through a fault is still reported as protocol
		{&FaultResolutionError{Addr: 1, Err: &ProtocolViolation{Context: "x", Detail: "y"}}, "protocol"},
		{io.EOF, "internal"},
	}
	for _, tc := range tests {
		if got := Kind(tc.err); got != tc.kind {
			t.Errorf("Kind(%v) = %q, want %q", tc.err, got, tc.kind)
		}
	}
}

func TestUnwrap(t *testing.T) {
	err := &TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("errors.Is did not see through TransportError")
	}
}
