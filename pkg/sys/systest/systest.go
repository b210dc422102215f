// Package systest provides in-memory implementations of the sys
// interfaces, so the DSM layers can be exercised without touching real
// page tables.
package systest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-hdsm/hdsm/pkg/sys"
)

// PageSize is the page size used by the fakes.
const PageSize = 4096

// ErrFault is returned by Memory.Access when the access would trap.
var ErrFault = errors.New("access violation")

type page struct {
	data []byte
	perm sys.Perm
}

// Memory is a sparse fake address space.
type Memory struct {
	mu    sync.Mutex
	pages map[uint64]*page
	// Protects counts Protect calls, per page.
	Protects map[uint64]int
}

func NewMemory() *Memory {
	return &Memory{pages: make(map[uint64]*page), Protects: make(map[uint64]int)}
}

func pageRange(start, length uint64) (first, last uint64) {
	first = start &^ (PageSize - 1)
	last = (start + length - 1) &^ (PageSize - 1)
	return first, last
}

// Populate maps [start, start+len(data)) with perm and fills it with data.
func (m *Memory) Populate(start uint64, data []byte, perm sys.Perm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first, last := pageRange(start, uint64(len(data)))
	for a := first; a <= last; a += PageSize {
		if m.pages[a] == nil {
			m.pages[a] = &page{data: make([]byte, PageSize)}
		}
		m.pages[a].perm = perm
	}
	m.copyIn(start, data)
}

func (m *Memory) copyIn(addr uint64, data []byte) {
	for len(data) > 0 {
		p := m.pages[addr&^(PageSize-1)]
		off := addr & (PageSize - 1)
		n := copy(p.data[off:], data)
		data = data[n:]
		addr += uint64(n)
	}
}

func (m *Memory) checkMapped(start, length uint64) error {
	if length == 0 {
		return nil
	}
	first, last := pageRange(start, length)
	for a := first; a <= last; a += PageSize {
		if m.pages[a] == nil {
			return fmt.Errorf("address %#x not mapped", a)
		}
	}
	return nil
}

func (m *Memory) Map(start, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	first, last := pageRange(start, length)
	for a := first; a <= last; a += PageSize {
		if m.pages[a] != nil {
			return fmt.Errorf("address %#x already mapped", a)
		}
	}
	for a := first; a <= last; a += PageSize {
		m.pages[a] = &page{data: make([]byte, PageSize)}
	}
	return nil
}

func (m *Memory) Protect(start, length uint64, perm sys.Perm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkMapped(start, length); err != nil {
		return err
	}
	first, last := pageRange(start, length)
	for a := first; a <= last; a += PageSize {
		m.pages[a].perm = perm.Access()
		m.Protects[a]++
	}
	return nil
}

func (m *Memory) Load(addr uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkMapped(addr, uint64(len(buf))); err != nil {
		return err
	}
	out := buf
	for len(out) > 0 {
		p := m.pages[addr&^(PageSize-1)]
		n := copy(out, p.data[addr&(PageSize-1):])
		out = out[n:]
		addr += uint64(n)
	}
	return nil
}

func (m *Memory) Store(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkMapped(addr, uint64(len(data))); err != nil {
		return err
	}
	m.copyIn(addr, data)
	return nil
}

// Discard drops the contents of the range; the pages read as zero again.
func (m *Memory) Discard(start, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkMapped(start, length); err != nil {
		return err
	}
	first, last := pageRange(start, length)
	for a := first; a <= last; a += PageSize {
		m.pages[a].data = make([]byte, PageSize)
	}
	return nil
}

// Access checks whether an ordinary read (or write) of addr would succeed
// under the current protections.
func (m *Memory) Access(addr uint64, write bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pages[addr&^(PageSize-1)]
	if p == nil {
		return ErrFault
	}
	need := sys.PermRead
	if write {
		need = sys.PermWrite
	}
	if p.perm&need == 0 {
		return ErrFault
	}
	return nil
}

// Perm returns the protection of the page containing addr.
func (m *Memory) Perm(addr uint64) sys.Perm {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.pages[addr&^(PageSize-1)]; p != nil {
		return p.perm
	}
	return sys.PermNone
}

// ProtectCount returns how many times the page containing addr had its
// protection changed.
func (m *Memory) ProtectCount(addr uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Protects[addr&^(PageSize-1)]
}

// Maps is a MapSource returning a fixed, editable list of entries.
type Maps struct {
	mu      sync.Mutex
	Entries []sys.MapEntry
	Err     error
}

func (s *Maps) EnumerateRegions() ([]sys.MapEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]sys.MapEntry, len(s.Entries))
	copy(out, s.Entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// Set replaces the entries.
func (s *Maps) Set(entries ...sys.MapEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Entries = entries
}

// FaultQueue is a fake kernel fault channel. Fault simulates a thread
// touching a registered, missing page: it blocks until the page is
// acknowledged.
type FaultQueue struct {
	Mem *Memory

	mu        sync.Mutex
	ranges    [][2]uint64
	filled    map[uint64]bool
	waiters   map[uint64][]chan struct{}
	faults    chan uint64
	closeOnce sync.Once
	// Acks records every acknowledged range as [start, length].
	Acks [][2]uint64
}

func NewFaultQueue(mem *Memory) *FaultQueue {
	return &FaultQueue{
		Mem:     mem,
		filled:  make(map[uint64]bool),
		waiters: make(map[uint64][]chan struct{}),
		faults:  make(chan uint64, 64),
	}
}

func (q *FaultQueue) Register(start, length uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ranges = append(q.ranges, [2]uint64{start, start + length})
	return nil
}

func (q *FaultQueue) registered(addr uint64) bool {
	for _, r := range q.ranges {
		if addr >= r[0] && addr < r[1] {
			return true
		}
	}
	return false
}

// Fault simulates an access to addr and returns once the access could
// proceed.
func (q *FaultQueue) Fault(addr uint64) error {
	pg := addr &^ (PageSize - 1)
	q.mu.Lock()
	if !q.registered(addr) {
		q.mu.Unlock()
		return fmt.Errorf("address %#x not registered", addr)
	}
	if q.filled[pg] {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters[pg] = append(q.waiters[pg], ch)
	q.mu.Unlock()
	q.faults <- addr
	<-ch
	return nil
}

func (q *FaultQueue) GetFault(ctx context.Context) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case addr, ok := <-q.faults:
		if !ok {
			return 0, sys.ErrQueueClosed
		}
		return addr, nil
	}
}

func (q *FaultQueue) AckFault(start uint64, data []byte) error {
	if q.Mem != nil {
		if err := q.Mem.Store(start, data); err != nil {
			return err
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Acks = append(q.Acks, [2]uint64{start, uint64(len(data))})
	for a := start; a < start+uint64(len(data)); a += PageSize {
		q.filled[a] = true
		for _, ch := range q.waiters[a] {
			close(ch)
		}
		delete(q.waiters, a)
	}
	return nil
}

func (q *FaultQueue) Close() error {
	q.closeOnce.Do(func() { close(q.faults) })
	return nil
}
