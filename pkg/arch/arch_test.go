package arch

import (
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Arch
	}{
		{"x86_64", AMD64},
		{"amd64", AMD64},
		{" AARCH64 ", ARM64},
		{"arm64", ARM64},
	} {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := Parse("riscv64"); err == nil {
		t.Fatal("expected error for unsupported architecture")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	for _, a := range []Arch{AMD64, ARM64} {
		s := NewSnapshot(a)
		s.SetPC(0x401000)
		s.SetFrame(0x7ffd0010, 0x7ffd0000)
		buf, err := s.MarshalBinary()
		if err != nil {
			t.Fatalf("%v: marshal: %v", a, err)
		}
		if len(buf) != SnapshotSize {
			t.Fatalf("%v: encoded size %d, want %d", a, len(buf), SnapshotSize)
		}
		var got Snapshot
		if err := got.UnmarshalBinary(buf); err != nil {
			t.Fatalf("%v: unmarshal: %v", a, err)
		}
		if got.Arch != a || !got.Valid() {
			t.Fatalf("%v: decoded snapshot has arch %v valid=%v", a, got.Arch, got.Valid())
		}
		if got.PC() != 0x401000 || got.SP() != 0x7ffd0000 || got.FP() != 0x7ffd0010 {
			t.Errorf("%v: pc=%#x sp=%#x fp=%#x", a, got.PC(), got.SP(), got.FP())
		}
	}
}

func TestSnapshotUnmarshalErrors(t *testing.T) {
	var s Snapshot
	if err := s.UnmarshalBinary(make([]byte, SnapshotSize-1)); err == nil {
		t.Fatal("short buffer accepted")
	}
	// arch tag 0 is Unknown
	if err := s.UnmarshalBinary(make([]byte, SnapshotSize)); err == nil {
		t.Fatal("unknown architecture accepted")
	}
	empty := Snapshot{Arch: AMD64}
	if _, err := empty.MarshalBinary(); err != ErrNoRegisters {
		t.Fatalf("expected ErrNoRegisters, got %v", err)
	}
}

func TestSnapshotCopyIsDeep(t *testing.T) {
	s := NewSnapshot(ARM64)
	s.SetPC(1)
	c := s.Copy()
	c.SetPC(2)
	if s.PC() != 1 {
		t.Fatalf("modifying the copy changed the original")
	}
}

func TestSlice(t *testing.T) {
	s := NewSnapshot(ARM64)
	s.SetPC(0x10)
	regs := s.Slice()
	if len(regs) != 34 {
		t.Fatalf("expected 34 registers, got %d", len(regs))
	}
	if regs[32].Name != "PC" || regs[32].Value != 0x10 {
		t.Errorf("unexpected PC entry %v", regs[32])
	}
}

func TestDisassemble(t *testing.T) {
	// push %rbp
	text, n, err := Disassemble(AMD64, []byte{0x55, 0x90, 0x90}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || !strings.Contains(text, "push") {
		t.Errorf("got %q (len %d)", text, n)
	}
	// ret
	text, n, err = Disassemble(ARM64, []byte{0xc0, 0x03, 0x5f, 0xd6}, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || !strings.Contains(text, "ret") {
		t.Errorf("got %q (len %d)", text, n)
	}
	if _, _, err := Disassemble(ARM64, []byte{0}, 0); err == nil {
		t.Fatal("expected error for short buffer")
	}
}
