// Package decode wraps golang.org/x/arch/x86/x86asm -- the same x86
// decoding library used elsewhere in the Go ecosystem for disassembly
// (e.g. mewmew/x's x86 disassembler) -- behind the narrow
// `decode(bytes) -> decoded_inst` contract spec.md §4.1 asks of the
// encoder/decoder facade's decode half.
package decode

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"eaglevm/internal/asm"
	"eaglevm/internal/asm/amd64"
)

// Mnemonic identifies a decoded x86 opcode. It is a direct alias of
// x86asm.Op so the lifter's mnemonic-dispatch tables can switch on the
// library's own opcode space without a translation layer.
type Mnemonic = x86asm.Op

// Inst is a decoded x86-64 instruction: the mnemonic, its operands in
// encoding order, and the number of bytes it occupied in the input.
type Inst struct {
	Op   Mnemonic
	Args x86asm.Args
	Len  int

	raw x86asm.Inst
}

// Decode decodes the single instruction at the head of code, which must
// begin at a valid instruction boundary. Mode is always 64 (EagleVM only
// targets x86-64).
func Decode(code []byte) (*Inst, error) {
	raw, err := x86asm.Decode(code, 64)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &Inst{Op: raw.Op, Args: raw.Args, Len: raw.Len, raw: raw}, nil
}

// OperandCount returns the number of non-nil operands.
func (i *Inst) OperandCount() int {
	n := 0
	for _, a := range i.Args {
		if a == nil {
			break
		}
		n++
	}
	return n
}

// OperandKind classifies operand idx for the lifter's encode_operand
// dispatch (spec.md §4.5).
type OperandKind byte

const (
	OperandInvalid OperandKind = iota
	OperandRegister
	OperandMemory
	OperandImmediate
	OperandRelative
)

// Kind classifies the idx'th operand.
func (i *Inst) Kind(idx int) OperandKind {
	switch i.Args[idx].(type) {
	case x86asm.Reg:
		return OperandRegister
	case x86asm.Mem:
		return OperandMemory
	case x86asm.Imm:
		return OperandImmediate
	case x86asm.Rel:
		return OperandRelative
	default:
		return OperandInvalid
	}
}

// SizeBits returns the operand's width in bits, used to pick a lifter's
// handler_id out of its build_options table.
func (i *Inst) SizeBits(idx int) int {
	switch a := i.Args[idx].(type) {
	case x86asm.Reg:
		return regSizeBits(a)
	case x86asm.Mem:
		// x86asm does not carry an explicit memory operand width; callers
		// derive it from the instruction's other (register) operand, as
		// real x86 encodings require operand sizes to agree.
		return 0
	case x86asm.Imm:
		return 32 // worst case before sign-extension info is known
	}
	return 0
}

func regSizeBits(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 8
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 16
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 32
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 64
	case r >= x86asm.X0 && r <= x86asm.X15:
		return 128
	default:
		return 0
	}
}

var toAmd64GPR = map[x86asm.Reg]asm.Register{
	x86asm.RAX: amd64.REG_AX, x86asm.EAX: amd64.REG_AX, x86asm.AX: amd64.REG_AX, x86asm.AL: amd64.REG_AX,
	x86asm.RCX: amd64.REG_CX, x86asm.ECX: amd64.REG_CX, x86asm.CX: amd64.REG_CX, x86asm.CL: amd64.REG_CX,
	x86asm.RDX: amd64.REG_DX, x86asm.EDX: amd64.REG_DX, x86asm.DX: amd64.REG_DX, x86asm.DL: amd64.REG_DX,
	x86asm.RBX: amd64.REG_BX, x86asm.EBX: amd64.REG_BX, x86asm.BX: amd64.REG_BX, x86asm.BL: amd64.REG_BX,
	x86asm.RSP: amd64.REG_SP, x86asm.ESP: amd64.REG_SP, x86asm.SP: amd64.REG_SP,
	x86asm.RBP: amd64.REG_BP, x86asm.EBP: amd64.REG_BP, x86asm.BP: amd64.REG_BP,
	x86asm.RSI: amd64.REG_SI, x86asm.ESI: amd64.REG_SI, x86asm.SI: amd64.REG_SI,
	x86asm.RDI: amd64.REG_DI, x86asm.EDI: amd64.REG_DI, x86asm.DI: amd64.REG_DI,
	x86asm.R8: amd64.REG_R8, x86asm.R8L: amd64.REG_R8, x86asm.R8W: amd64.REG_R8, x86asm.R8B: amd64.REG_R8,
	x86asm.R9: amd64.REG_R9, x86asm.R9L: amd64.REG_R9, x86asm.R9W: amd64.REG_R9, x86asm.R9B: amd64.REG_R9,
	x86asm.R10: amd64.REG_R10, x86asm.R10L: amd64.REG_R10, x86asm.R10W: amd64.REG_R10, x86asm.R10B: amd64.REG_R10,
	x86asm.R11: amd64.REG_R11, x86asm.R11L: amd64.REG_R11, x86asm.R11W: amd64.REG_R11, x86asm.R11B: amd64.REG_R11,
	x86asm.R12: amd64.REG_R12, x86asm.R12L: amd64.REG_R12, x86asm.R12W: amd64.REG_R12, x86asm.R12B: amd64.REG_R12,
	x86asm.R13: amd64.REG_R13, x86asm.R13L: amd64.REG_R13, x86asm.R13W: amd64.REG_R13, x86asm.R13B: amd64.REG_R13,
	x86asm.R14: amd64.REG_R14, x86asm.R14L: amd64.REG_R14, x86asm.R14W: amd64.REG_R14, x86asm.R14B: amd64.REG_R14,
	x86asm.R15: amd64.REG_R15, x86asm.R15L: amd64.REG_R15, x86asm.R15W: amd64.REG_R15, x86asm.R15B: amd64.REG_R15,
}

var toAmd64XMM = map[x86asm.Reg]asm.Register{
	x86asm.X0: amd64.REG_X0, x86asm.X1: amd64.REG_X1, x86asm.X2: amd64.REG_X2, x86asm.X3: amd64.REG_X3,
	x86asm.X4: amd64.REG_X4, x86asm.X5: amd64.REG_X5, x86asm.X6: amd64.REG_X6, x86asm.X7: amd64.REG_X7,
	x86asm.X8: amd64.REG_X8, x86asm.X9: amd64.REG_X9, x86asm.X10: amd64.REG_X10, x86asm.X11: amd64.REG_X11,
	x86asm.X12: amd64.REG_X12, x86asm.X13: amd64.REG_X13, x86asm.X14: amd64.REG_X14, x86asm.X15: amd64.REG_X15,
}

// VirtualRegister maps a decoded x86asm.Reg operand to the (architecture-
// independent) virtual register identity the rest of the pipeline deals in.
// The physical-host-register identity assigned to that virtual register at
// runtime is a completely separate question, decided later by regs.Manager.
func VirtualRegister(r x86asm.Reg) (asm.Register, error) {
	if v, ok := toAmd64GPR[r]; ok {
		return v, nil
	}
	if v, ok := toAmd64XMM[r]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("decode: unsupported register operand %v", r)
}

// Reg returns operand idx as a decoded register, for callers that already
// checked Kind(idx) == OperandRegister.
func (i *Inst) Reg(idx int) x86asm.Reg { return i.Args[idx].(x86asm.Reg) }

// Mem returns operand idx as a decoded memory operand.
func (i *Inst) Mem(idx int) x86asm.Mem { return i.Args[idx].(x86asm.Mem) }

// Imm returns operand idx as a decoded immediate.
func (i *Inst) Imm(idx int) x86asm.Imm { return i.Args[idx].(x86asm.Imm) }
