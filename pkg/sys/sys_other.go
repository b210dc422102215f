//go:build !linux

package sys

import "errors"

var errUnsupported = errors.New("not supported on this operating system")

// SelfMemory is only implemented on Linux.
type SelfMemory struct{}

func OpenSelfMemory() (*SelfMemory, error) { return nil, errUnsupported }

func (m *SelfMemory) Map(start, length uint64) error                { return errUnsupported }
func (m *SelfMemory) Protect(start, length uint64, perm Perm) error { return errUnsupported }
func (m *SelfMemory) Load(addr uint64, buf []byte) error            { return errUnsupported }
func (m *SelfMemory) Store(addr uint64, data []byte) error          { return errUnsupported }
func (m *SelfMemory) Discard(start, length uint64) error            { return errUnsupported }
func (m *SelfMemory) Close() error                                  { return nil }

func ProbeUserfaultfd() bool { return false }

func OpenFaultQueue() (FaultQueue, error) { return nil, errUnsupported }
