// Package dsmerr defines the error taxonomy shared by the DSM packages.
//
// Every kind is fatal once it reaches the session: migration is one-shot
// and non-transactional, so there is no degraded mode to fall back to.
package dsmerr

import (
	"errors"
	"fmt"
)

// ConfigError is returned when the node table or another configuration
// value is unusable.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError reports a refused connection or a failed read/write on
// the peer connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FaultResolutionError is returned when a page needed by a faulting access
// could not be made available.
type FaultResolutionError struct {
	Addr uint64
	Err  error
}

func (e *FaultResolutionError) Error() string {
	return fmt.Sprintf("could not resolve fault at %#x: %v", e.Addr, e.Err)
}

func (e *FaultResolutionError) Unwrap() error { return e.Err }

// ProtocolViolation is returned when the peer sends something the protocol
// does not allow: an unknown opcode, a length that does not match what the
// opcode requires, or a stream that ends before the declared length.
// Usually it means the two sides run different versions.
type ProtocolViolation struct {
	Context string
	Detail  string
	Err     error
}

func (e *ProtocolViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation during %s: %s: %v", e.Context, e.Detail, e.Err)
	}
	return fmt.Sprintf("protocol violation during %s: %s", e.Context, e.Detail)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

// MigrationError is returned when the departure or arrival sequence cannot
// complete, for example because the stack transformation rejected the
// current call stack.
type MigrationError struct {
	Phase string
	Err   error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration failed while %s: %v", e.Phase, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Kind returns a short name for the taxonomy member err belongs to, or
// "internal" if it belongs to none.
func Kind(err error) string {
	var (
		cfgErr   *ConfigError
		trErr    *TransportError
		faultErr *FaultResolutionError
		protoErr *ProtocolViolation
		migErr   *MigrationError
	)
	switch {
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &faultErr):
		return "fault"
	case errors.As(err, &migErr):
		return "migration"
	case errors.As(err, &trErr):
		return "transport"
	case errors.As(err, &cfgErr):
		return "config"
	}
	return "internal"
}
