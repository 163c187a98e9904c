package memory

import (
	"encoding/binary"

	"golang.org/x/arch/arm64/arm64asm"
)

// Exclusive load/store without acquire/release semantics: o2 (bit 23) and
// o0 (bit 15) clear.
const (
	exclusiveMask  = 0x3f80_8000
	exclusiveValue = 0x0800_0000

	orderedBit = 1 << 15
)

// rewriteUnorderedExclusives turns every LDXR/STXR family instruction in code
// into its acquire/release form (LDAXR/STLXR) and returns how many it
// rewrote.
func rewriteUnorderedExclusives(code []byte) int {
	n := 0
	for off := 0; off+4 <= len(code); off += 4 {
		enc := binary.LittleEndian.Uint32(code[off:])
		if enc&exclusiveMask != exclusiveValue {
			continue
		}
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			continue
		}
		switch inst.Op {
		case arm64asm.LDXR, arm64asm.LDXRB, arm64asm.LDXRH, arm64asm.LDXP,
			arm64asm.STXR, arm64asm.STXRB, arm64asm.STXRH, arm64asm.STXP:
			binary.LittleEndian.PutUint32(code[off:], enc|orderedBit)
			n++
		}
	}
	return n
}
