package arch

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// MaxInstructionLen is the number of bytes that always covers one
// instruction on every supported architecture.
const MaxInstructionLen = 15

// Disassemble decodes the first instruction of code, which was read from
// address pc, and returns it in GNU syntax along with its length.
func Disassemble(a Arch, code []byte, pc uint64) (string, int, error) {
	switch a {
	case AMD64:
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return "", 0, err
		}
		return x86asm.GNUSyntax(inst, pc, nil), inst.Len, nil
	case ARM64:
		if len(code) < 4 {
			return "", 0, fmt.Errorf("short instruction buffer (%d bytes)", len(code))
		}
		inst, err := arm64asm.Decode(code[:4])
		if err != nil {
			return "", 0, err
		}
		return arm64asm.GNUSyntax(inst), 4, nil
	}
	return "", 0, fmt.Errorf("cannot disassemble for %v", a)
}
