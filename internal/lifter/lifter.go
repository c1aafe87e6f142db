// Package lifter implements spec.md §4.5: per-mnemonic translators that
// consume a decode.Inst and append IR commands to an ir.Block, materializing
// each operand onto the IR stack, invoking the matching handler generator,
// and writing the result back to its destination operand.
//
// Grounded on wazero's compiler.go: one Go function per opcode, dispatched
// from a single table, each function a straight-line sequence of appends to
// the shared backend-facing command stream. The operand-materialization
// split (encode_operand / translate_mem_action / finalize_translate_to_virtual)
// has no wazero analogue -- wazero's WASM operands are already stack-shaped
// -- and is built fresh from spec.md §4.5's description.
package lifter

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"eaglevm/internal/decode"
	"eaglevm/internal/handlers"
	"eaglevm/internal/ir"
)

// Translator lifts one decoded instruction into IR commands appended to b.
type Translator func(b *ir.Block, inst *decode.Inst) error

// Table maps a decoded mnemonic to its translator, spec.md §4.5's
// valid_operands/build_options tables collapsed into a single dispatch
// step since this implementation does not vary handler_id by operand
// shape beyond what Translator itself inspects.
var Table = map[decode.Mnemonic]Translator{
	x86asm.MOV: translateMov,
	x86asm.ADD: translateArith(ir.ArithAdd),
	x86asm.SUB: translateArith(ir.ArithSub),
	x86asm.AND: translateArith(ir.ArithAnd),
	x86asm.OR:  translateArith(ir.ArithOr),
	x86asm.XOR: translateArith(ir.ArithXor),
	x86asm.SHL: translateArith(ir.ArithShl),
	x86asm.SHR: translateArith(ir.ArithShr),
	x86asm.CMP:  translateCmp,
	x86asm.PUSH: translatePush,
	x86asm.POP:  translatePop,
	// Only the truncating two-operand form (`imul dst, src`) is lifted;
	// the one-operand (implicit rax:rdx) and three-operand immediate
	// widening forms have no IR-level widening multiply to target yet
	// (DESIGN.md's supplemented-feature #1 note).
	x86asm.IMUL: translateImul,
}

// translateImul lifts the truncating two-operand `imul dst, src` only;
// the one-operand implicit-rax:rdx and three-operand immediate-multiplier
// forms (which x86asm also decodes under Op == IMUL) are rejected since
// their exact operand count differs and translateArith's generic 2-operand
// shape would silently lift the wrong operand as the multiplicand.
func translateImul(b *ir.Block, inst *decode.Inst) error {
	if inst.OperandCount() != 2 {
		return fmt.Errorf("%w: IMUL with %d operands", ErrUnsupported, inst.OperandCount())
	}
	return translateArith(ir.ArithSmul)(b, inst)
}

// Lift looks up and runs inst's translator. ErrUnsupported wraps the
// "mnemonic with no registered lifter" case of spec.md §7's "Unsupported
// construct" error taxonomy entry.
var ErrUnsupported = fmt.Errorf("lifter: unsupported mnemonic")

// Lift translates one decoded instruction onto b.
func Lift(b *ir.Block, inst *decode.Inst) error {
	t, ok := Table[inst.Op]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnsupported, inst.Op)
	}
	return t(b, inst)
}

// sizeOf converts a decoded operand's bit width to our Size lattice,
// defaulting to Size32 when the decoder can't determine a memory operand's
// width on its own (see decode.Inst.SizeBits).
func sizeOf(inst *decode.Inst, idx int) ir.Size {
	bits := inst.SizeBits(idx)
	if bits == 0 {
		bits = 32
	}
	return ir.SizeOfBits(uint(bits))
}

// encodeOperand materializes operand idx onto the IR stack at destSize,
// sign-extending an immediate that arrives narrower than the destination
// (spec.md §4.5: "on operand-size mismatch, always sign-extend the
// smaller side first").
func encodeOperand(b *ir.Block, inst *decode.Inst, idx int, destSize ir.Size) error {
	switch inst.Kind(idx) {
	case decode.OperandRegister:
		vreg, err := decode.VirtualRegister(inst.Reg(idx))
		if err != nil {
			return err
		}
		// context_load always pushes the full 64-bit register.
		if err := b.Append(ir.ContextLoad{VirtualReg: vreg}); err != nil {
			return err
		}
		if destSize < ir.Size64 {
			return b.Append(ir.Resize{To: destSize, From: ir.Size64})
		}
		return nil

	case decode.OperandImmediate:
		imm := inst.Imm(idx)
		srcSize := sizeOf(inst, idx)
		if err := b.Append(ir.Push{Value: ir.ImmValue(uint64(imm)), Size: srcSize}); err != nil {
			return err
		}
		if srcSize != destSize {
			return b.Append(ir.Sx{To: destSize, From: srcSize})
		}
		return nil

	case decode.OperandMemory:
		if err := materializeAddress(b, inst.Mem(idx)); err != nil {
			return err
		}
		return b.Append(ir.MemRead{Size: destSize})

	default:
		return fmt.Errorf("lifter: unsupported operand kind for operand %d of %v", idx, inst.Op)
	}
}

// materializeAddress pushes mem's effective address [base + index*scale +
// disp] onto the stack as a 64-bit value.
func materializeAddress(b *ir.Block, mem x86asm.Mem) error {
	haveBase := mem.Base != 0
	if haveBase {
		baseReg, err := decode.VirtualRegister(mem.Base)
		if err != nil {
			return err
		}
		if err := b.Append(ir.ContextLoad{VirtualReg: baseReg}); err != nil {
			return err
		}
	} else {
		if err := b.Append(ir.Push{Value: ir.ImmValue(0), Size: ir.Size64}); err != nil {
			return err
		}
	}

	if mem.Index != 0 {
		idxReg, err := decode.VirtualRegister(mem.Index)
		if err != nil {
			return err
		}
		if err := b.Append(ir.ContextLoad{VirtualReg: idxReg}); err != nil {
			return err
		}
		if mem.Scale > 1 {
			shift := uint64(0)
			for s := mem.Scale; s > 1; s >>= 1 {
				shift++
			}
			if err := b.Append(ir.Push{Value: ir.ImmValue(shift), Size: ir.Size64}); err != nil {
				return err
			}
			if err := b.Append(ir.Arith{Op: ir.ArithShl, Size: ir.Size64}); err != nil {
				return err
			}
		}
		if err := b.Append(ir.Arith{Op: ir.ArithAdd, Size: ir.Size64}); err != nil {
			return err
		}
	}

	if mem.Disp != 0 {
		if err := b.Append(ir.Push{Value: ir.ImmValue(uint64(mem.Disp)), Size: ir.Size64}); err != nil {
			return err
		}
		if err := b.Append(ir.Arith{Op: ir.ArithAdd, Size: ir.Size64}); err != nil {
			return err
		}
	}
	return nil
}

// finalizeToVirtual writes the semantic-handler result (top of stack) back
// to operand idx, per spec.md §4.5's finalize_translate_to_virtual: a
// register destination is context_store'd directly (resizing 32-bit
// results to 64 bits first, matching the x86 zero-extend-on-32-bit-write
// rule); a memory destination has the result carried beneath any
// surviving operand scratch, then mem_write.
func finalizeToVirtual(b *ir.Block, inst *decode.Inst, destIdx int, resultSize ir.Size) error {
	switch inst.Kind(destIdx) {
	case decode.OperandRegister:
		vreg, err := decode.VirtualRegister(inst.Reg(destIdx))
		if err != nil {
			return err
		}
		storeSize := resultSize
		if resultSize == ir.Size32 {
			if err := b.Append(ir.Resize{To: ir.Size64, From: ir.Size32}); err != nil {
				return err
			}
			storeSize = ir.Size64
		}
		return b.Append(ir.ContextStore{VirtualReg: vreg, Size: storeSize})

	case decode.OperandMemory:
		if err := b.Append(ir.Carry{Size: resultSize, Depth: int(ir.Size64.Bytes())}); err != nil {
			return err
		}
		return b.Append(ir.MemWrite{ValueSize: resultSize, WriteSize: resultSize, ValueNearest: true})

	default:
		return fmt.Errorf("lifter: unsupported destination operand kind for %v", inst.Op)
	}
}

// translateArith lifts a two-operand arithmetic/logic/shift instruction of
// the form `op dst, src` (dst is both a source and the destination).
func translateArith(op ir.ArithOp) Translator {
	return func(b *ir.Block, inst *decode.Inst) error {
		if inst.OperandCount() < 2 {
			return fmt.Errorf("lifter: %v: expected 2 operands, got %d", inst.Op, inst.OperandCount())
		}
		destSize := sizeOf(inst, 0)

		if err := encodeOperand(b, inst, 0, destSize); err != nil {
			return err
		}
		// Both operands, shift counts included, are materialized at the
		// destination width: Arith and the handler generators pop two
		// equal-size values.
		if err := encodeOperand(b, inst, 1, destSize); err != nil {
			return err
		}

		if err := handlers.Generate(b, op, destSize); err != nil {
			return err
		}
		return finalizeToVirtual(b, inst, 0, destSize)
	}
}

// translateMov lifts `mov dst, src`: no arithmetic, no flags, the source
// value is materialized and stored directly to the destination.
func translateMov(b *ir.Block, inst *decode.Inst) error {
	if inst.OperandCount() < 2 {
		return fmt.Errorf("lifter: MOV: expected 2 operands, got %d", inst.OperandCount())
	}
	destSize := sizeOf(inst, 0)
	if err := encodeOperand(b, inst, 1, destSize); err != nil {
		return err
	}
	return finalizeToVirtual(b, inst, 0, destSize)
}

// translateCmp lifts `cmp a, b`: pops two values and recomputes
// VFLAGS.{eq,le,ge}; unlike the arithmetic family, CMP has no destination
// write-back.
func translateCmp(b *ir.Block, inst *decode.Inst) error {
	if inst.OperandCount() < 2 {
		return fmt.Errorf("lifter: CMP: expected 2 operands, got %d", inst.OperandCount())
	}
	size := sizeOf(inst, 0)
	if err := encodeOperand(b, inst, 0, size); err != nil {
		return err
	}
	if err := encodeOperand(b, inst, 1, size); err != nil {
		return err
	}
	return b.Append(ir.Cmp{Size: size})
}

// translatePush lifts `push src`: the source is materialized onto the IR
// stack, bound to a discrete_store, then handed to the single IR push
// command that the backend lowers through one of the physical
// (register, size) push handlers of spec.md §4.8.
func translatePush(b *ir.Block, inst *decode.Inst) error {
	if inst.OperandCount() < 1 {
		return fmt.Errorf("lifter: PUSH: expected 1 operand, got %d", inst.OperandCount())
	}
	size := ir.Size64
	if err := encodeOperand(b, inst, 0, size); err != nil {
		return err
	}
	s := b.Arena.New(size)
	if err := b.Append(ir.Pop{Size: size, Dest: &s}); err != nil {
		return err
	}
	return b.Append(ir.Push{Value: ir.StoreValue(s), Size: size})
}

// translatePop lifts `pop dst`: the IR pop command lowers through a
// physical pop handler into a discrete_store, which is then written back
// to the destination operand.
func translatePop(b *ir.Block, inst *decode.Inst) error {
	if inst.OperandCount() < 1 {
		return fmt.Errorf("lifter: POP: expected 1 operand, got %d", inst.OperandCount())
	}
	size := ir.Size64
	s := b.Arena.New(size)
	if err := b.Append(ir.Pop{Size: size, Dest: &s}); err != nil {
		return err
	}
	if err := b.Append(ir.Push{Value: ir.StoreValue(s), Size: size}); err != nil {
		return err
	}
	return finalizeToVirtual(b, inst, 0, size)
}
