package arch

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AMD64Regs is the general purpose register file of an x86_64 thread, laid
// out like the kernel's user_regs_struct.
type AMD64Regs struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// ARM64Regs is the general purpose register file of an aarch64 thread, laid
// out like the kernel's user_pt_regs. X29 is the frame pointer.
type ARM64Regs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

const (
	amd64Words = 27
	arm64Words = 34
	maxWords   = arm64Words

	// SnapshotSize is the encoded size of a Snapshot on the wire:
	// arch tag, padding, and one slot per register of the larger file.
	SnapshotSize = 4 + 4 + maxWords*8
)

var ErrNoRegisters = errors.New("snapshot holds no registers")

// Snapshot is a captured register state, tagged with the architecture it
// belongs to. Exactly one of AMD64 and ARM64 is set, the one matching Arch.
type Snapshot struct {
	Arch  Arch
	AMD64 *AMD64Regs
	ARM64 *ARM64Regs
}

// NewSnapshot returns an empty snapshot for a.
func NewSnapshot(a Arch) Snapshot {
	switch a {
	case AMD64:
		return Snapshot{Arch: a, AMD64: &AMD64Regs{}}
	case ARM64:
		return Snapshot{Arch: a, ARM64: &ARM64Regs{}}
	}
	return Snapshot{Arch: a}
}

// Valid reports whether the register file matches the tag.
func (s *Snapshot) Valid() bool {
	switch s.Arch {
	case AMD64:
		return s.AMD64 != nil && s.ARM64 == nil
	case ARM64:
		return s.ARM64 != nil && s.AMD64 == nil
	}
	return false
}

func (s *Snapshot) PC() uint64 {
	switch {
	case s.AMD64 != nil:
		return s.AMD64.Rip
	case s.ARM64 != nil:
		return s.ARM64.Pc
	}
	return 0
}

func (s *Snapshot) SP() uint64 {
	switch {
	case s.AMD64 != nil:
		return s.AMD64.Rsp
	case s.ARM64 != nil:
		return s.ARM64.Sp
	}
	return 0
}

// FP returns the frame pointer: RBP on x86_64, X29 on aarch64.
func (s *Snapshot) FP() uint64 {
	switch {
	case s.AMD64 != nil:
		return s.AMD64.Rbp
	case s.ARM64 != nil:
		return s.ARM64.Regs[29]
	}
	return 0
}

func (s *Snapshot) SetPC(pc uint64) {
	switch {
	case s.AMD64 != nil:
		s.AMD64.Rip = pc
	case s.ARM64 != nil:
		s.ARM64.Pc = pc
	}
}

// SetFrame rewrites the stack and frame pointers.
func (s *Snapshot) SetFrame(fp, sp uint64) {
	switch {
	case s.AMD64 != nil:
		s.AMD64.Rbp = fp
		s.AMD64.Rsp = sp
	case s.ARM64 != nil:
		s.ARM64.Regs[29] = fp
		s.ARM64.Sp = sp
	}
}

// Copy returns a deep copy of s.
func (s *Snapshot) Copy() Snapshot {
	r := Snapshot{Arch: s.Arch}
	if s.AMD64 != nil {
		regs := *s.AMD64
		r.AMD64 = &regs
	}
	if s.ARM64 != nil {
		regs := *s.ARM64
		r.ARM64 = &regs
	}
	return r
}

func (s *Snapshot) words() []uint64 {
	switch {
	case s.AMD64 != nil:
		r := s.AMD64
		return []uint64{
			r.R15, r.R14, r.R13, r.R12, r.Rbp, r.Rbx, r.R11, r.R10, r.R9,
			r.R8, r.Rax, r.Rcx, r.Rdx, r.Rsi, r.Rdi, r.Orig_rax, r.Rip, r.Cs,
			r.Eflags, r.Rsp, r.Ss, r.Fs_base, r.Gs_base, r.Ds, r.Es, r.Fs, r.Gs,
		}
	case s.ARM64 != nil:
		w := make([]uint64, 0, arm64Words)
		w = append(w, s.ARM64.Regs[:]...)
		return append(w, s.ARM64.Sp, s.ARM64.Pc, s.ARM64.Pstate)
	}
	return nil
}

// MarshalBinary encodes s in the fixed-size little endian wire layout.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	if !s.Valid() {
		return nil, ErrNoRegisters
	}
	buf := make([]byte, SnapshotSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.Arch))
	for i, w := range s.words() {
		binary.LittleEndian.PutUint64(buf[8+i*8:], w)
	}
	return buf, nil
}

// UnmarshalBinary decodes a snapshot produced by MarshalBinary.
func (s *Snapshot) UnmarshalBinary(buf []byte) error {
	if len(buf) != SnapshotSize {
		return fmt.Errorf("snapshot: got %d bytes, want %d", len(buf), SnapshotSize)
	}
	a := Arch(binary.LittleEndian.Uint32(buf[0:4]))
	word := func(i int) uint64 { return binary.LittleEndian.Uint64(buf[8+i*8:]) }
	switch a {
	case AMD64:
		var w [amd64Words]uint64
		for i := range w {
			w[i] = word(i)
		}
		*s = Snapshot{Arch: a, AMD64: &AMD64Regs{
			R15: w[0], R14: w[1], R13: w[2], R12: w[3], Rbp: w[4], Rbx: w[5],
			R11: w[6], R10: w[7], R9: w[8], R8: w[9], Rax: w[10], Rcx: w[11],
			Rdx: w[12], Rsi: w[13], Rdi: w[14], Orig_rax: w[15], Rip: w[16],
			Cs: w[17], Eflags: w[18], Rsp: w[19], Ss: w[20], Fs_base: w[21],
			Gs_base: w[22], Ds: w[23], Es: w[24], Fs: w[25], Gs: w[26],
		}}
	case ARM64:
		r := &ARM64Regs{}
		for i := range r.Regs {
			r.Regs[i] = word(i)
		}
		r.Sp = word(31)
		r.Pc = word(32)
		r.Pstate = word(33)
		*s = Snapshot{Arch: a, ARM64: r}
	default:
		return fmt.Errorf("snapshot: unknown architecture tag %d", uint32(a))
	}
	return nil
}

// Register is a named register value, used for diagnostics.
type Register struct {
	Name  string
	Value uint64
}

func (r Register) String() string {
	return fmt.Sprintf("%s=%#016x", r.Name, r.Value)
}

// Slice returns the registers of s as a list of (name, value) pairs.
func (s *Snapshot) Slice() []Register {
	switch {
	case s.AMD64 != nil:
		names := []string{
			"R15", "R14", "R13", "R12", "Rbp", "Rbx", "R11", "R10", "R9",
			"R8", "Rax", "Rcx", "Rdx", "Rsi", "Rdi", "Orig_rax", "Rip", "Cs",
			"Eflags", "Rsp", "Ss", "Fs_base", "Gs_base", "Ds", "Es", "Fs", "Gs",
		}
		w := s.words()
		out := make([]Register, len(names))
		for i := range names {
			out[i] = Register{names[i], w[i]}
		}
		return out
	case s.ARM64 != nil:
		out := make([]Register, 0, arm64Words)
		for i, v := range s.ARM64.Regs {
			out = append(out, Register{fmt.Sprintf("X%d", i), v})
		}
		return append(out,
			Register{"SP", s.ARM64.Sp},
			Register{"PC", s.ARM64.Pc},
			Register{"PSTATE", s.ARM64.Pstate})
	}
	return nil
}
