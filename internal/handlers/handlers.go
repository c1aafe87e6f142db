// Package handlers implements the per-mnemonic handler generator of
// spec.md §4.6: for a given operand-size signature, emit the IR body that
// performs the raw operation and then recomputes every affected RFLAGS
// bit into the VM's synthetic VFLAGS accumulator.
//
// Grounded on the lifter/handler split convention wazero's compiler.go
// uses per-opcode (one Go function per mnemonic, each appending to the
// same backend-facing command stream), generalized here with an explicit
// flag-accumulation tail every generator shares.
package handlers

import (
	"fmt"

	"eaglevm/internal/ir"
	"eaglevm/internal/vmflags"
)

// Generator emits the IR body implementing one mnemonic's semantics
// (including flags) for a fixed operand size onto b.
type Generator func(b *ir.Block, size ir.Size) error

// Generators maps an ir.ArithOp to its handler generator. Every entry here
// corresponds to one row of the lifter's build_options table (spec.md
// §4.5): the size signature selects the generator, the generator emits a
// self-contained IR body.
var Generators = map[ir.ArithOp]Generator{
	ir.ArithAdd:  generateAdd,
	ir.ArithSub:  generateSub,
	ir.ArithAnd:  generateBitwise(ir.ArithAnd),
	ir.ArithOr:   generateBitwise(ir.ArithOr),
	ir.ArithXor:  generateBitwise(ir.ArithXor),
	ir.ArithShl:  generateShl,
	ir.ArithShr:  generateShr,
	ir.ArithSmul: generateSmul,
}

// maskBits returns the shift-count mask x86 applies for a given operand
// width: 0x3F for 64-bit operands, 0x1F otherwise (spec.md §4.6).
func maskBits(size ir.Size) uint64 {
	if size == ir.Size64 {
		return 0x3F
	}
	return 0x1F
}

// allOnesMask returns the width-size all-ones bitmask, the synthesized NOT
// of a size-width value (the IR has no dedicated bitwise-not command).
func allOnesMask(size ir.Size) uint64 {
	if size == ir.Size64 {
		return ^uint64(0)
	}
	return uint64(1)<<size.Bits() - 1
}

// pushImm appends push(imm, size).
func pushImm(b *ir.Block, v uint64, size ir.Size) error {
	return b.Append(ir.Push{Value: ir.ImmValue(v), Size: size})
}

// pushStore appends push(store, size): a store may be read this way any
// number of times without being consumed, unlike a raw stack value.
func pushStore(b *ir.Block, s ir.Store, size ir.Size) error {
	return b.Append(ir.Push{Value: ir.StoreValue(s), Size: size})
}

// arith appends a plain (non-preserved) binary Arith.
func arith(b *ir.Block, op ir.ArithOp, size ir.Size) error {
	return b.Append(ir.Arith{Op: op, Size: size})
}

// captureOperands pops the three values a Preserved Arith leaves on the
// stack -- result on top, then the second operand, then the first -- into
// discrete stores (mirroring the lifter's translatePush/translatePop use of
// discrete_store), so flag computation can read any of them more than once
// without fighting the stack's strict LIFO order or clobbering a value one
// flag bit still needs by consuming it for another.
func captureOperands(b *ir.Block, size ir.Size) (result, rhs, lhs ir.Store, err error) {
	result = b.Arena.New(size)
	if err = b.Append(ir.Pop{Size: size, Dest: &result}); err != nil {
		return
	}
	rhs = b.Arena.New(size)
	if err = b.Append(ir.Pop{Size: size, Dest: &rhs}); err != nil {
		return
	}
	lhs = b.Arena.New(size)
	err = b.Append(ir.Pop{Size: size, Dest: &lhs})
	return
}

// captureResult pops a Preserved Arith's result into a store and discards
// the two preserved operands sitting below it, for generators whose flags
// don't depend on the original operands.
func captureResult(b *ir.Block, size ir.Size) (ir.Store, error) {
	result := b.Arena.New(size)
	if err := b.Append(ir.Pop{Size: size, Dest: &result}); err != nil {
		return 0, err
	}
	if err := b.Append(ir.Pop{Size: size}); err != nil {
		return 0, err
	}
	if err := b.Append(ir.Pop{Size: size}); err != nil {
		return 0, err
	}
	return result, nil
}

// flagAccumulate wraps an inner emitter that is expected to leave, on the
// stack, a single 64-bit value holding the newly computed flag bits
// already shifted into their canonical RFLAGS positions and OR'd
// together. flagAccumulate loads VFLAGS, clears `affected`, ORs in the new
// bits, and stores back with the affected mask (spec.md §4.6).
func flagAccumulate(b *ir.Block, affectedMask uint64, computeNewBits func() error) error {
	if err := b.Append(ir.ContextRflagsLoad{}); err != nil {
		return err
	}
	if err := b.Append(ir.Push{Value: ir.ImmValue(^affectedMask), Size: ir.Size64}); err != nil {
		return err
	}
	if err := b.Append(ir.Arith{Op: ir.ArithAnd, Size: ir.Size64}); err != nil {
		return err
	}
	if err := computeNewBits(); err != nil {
		return err
	}
	if err := b.Append(ir.Arith{Op: ir.ArithOr, Size: ir.Size64}); err != nil {
		return err
	}
	if err := b.Append(ir.Push{Value: ir.ImmValue(affectedMask), Size: ir.Size64}); err != nil {
		return err
	}
	return b.Append(ir.ContextRflagsStore{})
}

// emitCanonicalSZP emits the IR sequence that computes SF|ZF|PF from
// result, already shifted into their canonical bit positions and OR'd
// into one 64-bit value, using the same bit layout as internal/vmflags's
// CalculateSF/ZF/PF. result is read via its discrete_store rather than the
// ambient top-of-stack, so this can run before or after another flag
// computation (CF/OF) shares the same accumulator without either one
// burying the other's source operand.
func emitCanonicalSZP(b *ir.Block, size ir.Size, result ir.Store) error {
	// SF: bit (width-1) of the result, positioned at vmflags.SF.
	if err := pushStore(b, result, size); err != nil {
		return err
	}
	if err := pushImm(b, uint64(size.Bits()-1), size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShr, size); err != nil {
		return err
	}
	if err := pushImm(b, 1, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := b.Append(ir.Resize{To: ir.Size64, From: size}); err != nil {
		return err
	}
	if err := pushImm(b, uint64(vmflags.SF), ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShl, ir.Size64); err != nil {
		return err
	}

	// ZF: result == 0, positioned at vmflags.ZF.
	if err := pushStore(b, result, size); err != nil {
		return err
	}
	if err := pushImm(b, 0, size); err != nil {
		return err
	}
	if err := b.Append(ir.Cmp{Size: size}); err != nil {
		return err
	}
	if err := b.Append(ir.FlagsLoad{Flag: vmflags.Eq}); err != nil {
		return err
	}
	if err := pushImm(b, uint64(vmflags.ZF), ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShl, ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithOr, ir.Size64); err != nil {
		return err
	}

	// PF: parity of the low 8 bits of the result (real x86 PF only ever
	// considers the low byte, regardless of operand width), positioned at
	// vmflags.PF.
	if err := pushStore(b, result, ir.Size8); err != nil {
		return err
	}
	if err := b.Append(ir.Cnt{Size: ir.Size8}); err != nil {
		return err
	}
	if err := pushImm(b, 1, ir.Size8); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, ir.Size8); err != nil {
		return err
	}
	if err := pushImm(b, 1, ir.Size8); err != nil {
		return err
	}
	if err := arith(b, ir.ArithXor, ir.Size8); err != nil {
		return err
	}
	if err := b.Append(ir.Resize{To: ir.Size64, From: ir.Size8}); err != nil {
		return err
	}
	if err := pushImm(b, uint64(vmflags.PF), ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShl, ir.Size64); err != nil {
		return err
	}
	return arith(b, ir.ArithOr, ir.Size64)
}

func generateAdd(b *ir.Block, size ir.Size) error {
	if err := b.Append(ir.Arith{Op: ir.ArithAdd, Size: size, Preserved: true}); err != nil {
		return err
	}
	result, rhs, lhs, err := captureOperands(b, size)
	if err != nil {
		return err
	}

	affected := vmflags.AffectedMask(vmflags.CF, vmflags.OF, vmflags.SF, vmflags.ZF, vmflags.PF)
	if err := flagAccumulate(b, affected, func() error {
		return emitAddFlags(b, size, result, lhs, rhs)
	}); err != nil {
		return err
	}
	return pushStore(b, result, size)
}

// emitAddFlags computes ADD's CF (unsigned carry-out) and OF (signed
// overflow) from the preserved operands via the closed-form bit identities
//
//	OF = (a ^ result) & (b ^ result), bit (width-1)
//	CF = (a & b) | ((a ^ b) & ~result), bit (width-1)
//
// then ORs in SF/ZF/PF from the result (emitCanonicalSZP), leaving all five
// combined, positioned bits on top of the stack.
func emitAddFlags(b *ir.Block, size ir.Size, result, lhs, rhs ir.Store) error {
	msb := uint64(size.Bits() - 1)
	allOnes := allOnesMask(size)

	if err := pushStore(b, lhs, size); err != nil {
		return err
	}
	if err := pushStore(b, result, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithXor, size); err != nil {
		return err
	}
	if err := pushStore(b, rhs, size); err != nil {
		return err
	}
	if err := pushStore(b, result, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithXor, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := pushImm(b, msb, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShr, size); err != nil {
		return err
	}
	if err := pushImm(b, 1, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := b.Append(ir.Resize{To: ir.Size64, From: size}); err != nil {
		return err
	}
	if err := pushImm(b, uint64(vmflags.OF), ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShl, ir.Size64); err != nil {
		return err
	}

	if err := pushStore(b, lhs, size); err != nil {
		return err
	}
	if err := pushStore(b, rhs, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := pushStore(b, lhs, size); err != nil {
		return err
	}
	if err := pushStore(b, rhs, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithXor, size); err != nil {
		return err
	}
	if err := pushStore(b, result, size); err != nil {
		return err
	}
	if err := pushImm(b, allOnes, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithXor, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithOr, size); err != nil {
		return err
	}
	if err := pushImm(b, msb, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShr, size); err != nil {
		return err
	}
	if err := pushImm(b, 1, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := b.Append(ir.Resize{To: ir.Size64, From: size}); err != nil {
		return err
	}
	if err := pushImm(b, uint64(vmflags.CF), ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShl, ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithOr, ir.Size64); err != nil {
		return err
	}

	if err := emitCanonicalSZP(b, size, result); err != nil {
		return err
	}
	return arith(b, ir.ArithOr, ir.Size64)
}

func generateSub(b *ir.Block, size ir.Size) error {
	if err := b.Append(ir.Arith{Op: ir.ArithSub, Size: size, Preserved: true}); err != nil {
		return err
	}
	result, rhs, lhs, err := captureOperands(b, size)
	if err != nil {
		return err
	}

	affected := vmflags.AffectedMask(vmflags.CF, vmflags.OF, vmflags.SF, vmflags.ZF, vmflags.PF)
	if err := flagAccumulate(b, affected, func() error {
		return emitSubFlags(b, size, result, lhs, rhs)
	}); err != nil {
		return err
	}
	return pushStore(b, result, size)
}

// emitSubFlags computes SUB's CF (unsigned borrow-out) and OF (signed
// overflow) from the preserved operands via the closed-form bit identities
//
//	OF = (a ^ b) & (a ^ result), bit (width-1)
//	CF = (~a & b) | (~(a ^ b) & result), bit (width-1)
//
// then ORs in SF/ZF/PF from the result (emitCanonicalSZP).
func emitSubFlags(b *ir.Block, size ir.Size, result, lhs, rhs ir.Store) error {
	msb := uint64(size.Bits() - 1)
	allOnes := allOnesMask(size)

	if err := pushStore(b, lhs, size); err != nil {
		return err
	}
	if err := pushStore(b, rhs, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithXor, size); err != nil {
		return err
	}
	if err := pushStore(b, lhs, size); err != nil {
		return err
	}
	if err := pushStore(b, result, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithXor, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := pushImm(b, msb, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShr, size); err != nil {
		return err
	}
	if err := pushImm(b, 1, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := b.Append(ir.Resize{To: ir.Size64, From: size}); err != nil {
		return err
	}
	if err := pushImm(b, uint64(vmflags.OF), ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShl, ir.Size64); err != nil {
		return err
	}

	if err := pushStore(b, lhs, size); err != nil {
		return err
	}
	if err := pushImm(b, allOnes, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithXor, size); err != nil {
		return err
	}
	if err := pushStore(b, rhs, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := pushStore(b, lhs, size); err != nil {
		return err
	}
	if err := pushStore(b, rhs, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithXor, size); err != nil {
		return err
	}
	if err := pushImm(b, allOnes, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithXor, size); err != nil {
		return err
	}
	if err := pushStore(b, result, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithOr, size); err != nil {
		return err
	}
	if err := pushImm(b, msb, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShr, size); err != nil {
		return err
	}
	if err := pushImm(b, 1, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := b.Append(ir.Resize{To: ir.Size64, From: size}); err != nil {
		return err
	}
	if err := pushImm(b, uint64(vmflags.CF), ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShl, ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithOr, ir.Size64); err != nil {
		return err
	}

	if err := emitCanonicalSZP(b, size, result); err != nil {
		return err
	}
	return arith(b, ir.ArithOr, ir.Size64)
}

// generateBitwise handles AND/OR/XOR: CF and OF are architecturally
// cleared, SF/ZF/PF are computed from the result.
func generateBitwise(op ir.ArithOp) Generator {
	return func(b *ir.Block, size ir.Size) error {
		if err := b.Append(ir.Arith{Op: op, Size: size, Preserved: true}); err != nil {
			return err
		}
		result, err := captureResult(b, size)
		if err != nil {
			return err
		}
		affected := vmflags.AffectedMask(vmflags.CF, vmflags.OF, vmflags.SF, vmflags.ZF, vmflags.PF)
		if err := flagAccumulate(b, affected, func() error {
			return emitCanonicalSZP(b, size, result)
		}); err != nil {
			return err
		}
		return pushStore(b, result, size)
	}
}

func generateShl(b *ir.Block, size ir.Size) error {
	if err := b.Append(ir.Arith{Op: ir.ArithShl, Size: size, Preserved: true}); err != nil {
		return err
	}
	result, err := captureResult(b, size)
	if err != nil {
		return err
	}
	affected := vmflags.AffectedMask(vmflags.CF, vmflags.OF, vmflags.SF, vmflags.ZF, vmflags.PF)
	if err := flagAccumulate(b, affected, func() error {
		return emitCanonicalSZP(b, size, result)
	}); err != nil {
		return err
	}
	return pushStore(b, result, size)
}

// generateShr implements spec.md §4.6's worked example exactly: emit
// `shr n` (preserved), then recompute CF/OF/SF/ZF/PF from the preserved
// operand and the result:
//
//	CF = (operand >> (masked_count - 1)) & 1
//	OF = MSB of the original destination
//	SF/ZF/PF computed from the result (emitCanonicalSZP)
func generateShr(b *ir.Block, size ir.Size) error {
	if err := b.Append(ir.Arith{Op: ir.ArithShr, Size: size, Preserved: true}); err != nil {
		return err
	}
	result, count, operand, err := captureOperands(b, size)
	if err != nil {
		return err
	}

	affected := vmflags.AffectedMask(vmflags.CF, vmflags.OF, vmflags.SF, vmflags.ZF, vmflags.PF)
	if err := flagAccumulate(b, affected, func() error {
		return emitShrFlags(b, size, result, operand, count)
	}); err != nil {
		return err
	}
	return pushStore(b, result, size)
}

// emitShrFlags computes SHR's CF (last bit shifted out of the pre-shift
// operand) and OF (the pre-shift operand's MSB, the only case real x86
// defines OF for being a one-bit shift, but harmless to set unconditionally
// since this generator doesn't distinguish count==1 from count>1), then ORs
// in SF/ZF/PF from the result.
func emitShrFlags(b *ir.Block, size ir.Size, result, operand, count ir.Store) error {
	if err := pushStore(b, operand, size); err != nil {
		return err
	}
	if err := pushImm(b, uint64(size.Bits()-1), size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShr, size); err != nil {
		return err
	}
	if err := pushImm(b, 1, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := b.Append(ir.Resize{To: ir.Size64, From: size}); err != nil {
		return err
	}
	if err := pushImm(b, uint64(vmflags.OF), ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShl, ir.Size64); err != nil {
		return err
	}

	if err := pushStore(b, operand, size); err != nil {
		return err
	}
	if err := pushStore(b, count, size); err != nil {
		return err
	}
	if err := pushImm(b, 1, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithSub, size); err != nil {
		return err
	}
	if err := pushImm(b, maskBits(size), size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShr, size); err != nil {
		return err
	}
	if err := pushImm(b, 1, size); err != nil {
		return err
	}
	if err := arith(b, ir.ArithAnd, size); err != nil {
		return err
	}
	if err := b.Append(ir.Resize{To: ir.Size64, From: size}); err != nil {
		return err
	}
	if err := pushImm(b, uint64(vmflags.CF), ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithShl, ir.Size64); err != nil {
		return err
	}
	if err := arith(b, ir.ArithOr, ir.Size64); err != nil {
		return err
	}

	if err := emitCanonicalSZP(b, size, result); err != nil {
		return err
	}
	return arith(b, ir.ArithOr, ir.Size64)
}

// generateSmul implements the truncating two-operand IMUL (`imul dst,
// src`): dst gets the low destSize bits of the signed product. Real x86
// leaves SF/ZF/AF/PF formally undefined for this form and only CF/OF are
// architecturally defined ("result doesn't fit in destSize" per
// mul.cpp/mul.h); this generator recomputes SF/ZF/PF from the truncated
// result for a deterministic VFLAGS value and leaves CF/OF untouched
// (neither cleared nor recomputed) pending a widening-multiply IR
// primitive -- see DESIGN.md.
func generateSmul(b *ir.Block, size ir.Size) error {
	if err := b.Append(ir.Arith{Op: ir.ArithSmul, Size: size, Preserved: true}); err != nil {
		return err
	}
	result, err := captureResult(b, size)
	if err != nil {
		return err
	}
	affected := vmflags.AffectedMask(vmflags.SF, vmflags.ZF, vmflags.PF)
	if err := flagAccumulate(b, affected, func() error {
		return emitCanonicalSZP(b, size, result)
	}); err != nil {
		return err
	}
	return pushStore(b, result, size)
}

// Generate looks up and invokes op's generator.
func Generate(b *ir.Block, op ir.ArithOp, size ir.Size) error {
	g, ok := Generators[op]
	if !ok {
		return fmt.Errorf("handlers: no generator registered for op %v", op)
	}
	return g(b, size)
}
