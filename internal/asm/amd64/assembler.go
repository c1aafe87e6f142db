package amd64

import "eaglevm/internal/asm"

// Assembler is the amd64-specific superset of asm.AssemblerBase: the extra
// addressing modes (memory-with-index, register-to-const, ...) that the
// context load/store synthesizer and handler generators need but which
// aren't common across architectures.
type Assembler interface {
	asm.AssemblerBase

	// CompileJumpToMemory emits a jump whose target is an address stored at
	// [base+offset] (used by vm_exit's final `jmp [rsp-8]`).
	CompileJumpToMemory(instruction asm.Instruction, base asm.Register, offset asm.ConstantValue)

	// CompileMemoryWithIndexToRegister emits `instruction [base+offset+index*scale], dst`.
	CompileMemoryWithIndexToRegister(instruction asm.Instruction, base asm.Register, offset int64, index asm.Register, scale int16, dst asm.Register)

	// CompileRegisterToMemoryWithIndex emits `instruction src, [base+offset+index*scale]`.
	CompileRegisterToMemoryWithIndex(instruction asm.Instruction, src asm.Register, base asm.Register, offset int64, index asm.Register, scale int16)

	// CompileRegisterToConst emits `instruction src, value` (e.g. CMPQ reg, imm).
	CompileRegisterToConst(instruction asm.Instruction, src asm.Register, value int64) asm.Node

	// CompileRegisterToNone emits a single-register-operand instruction.
	CompileRegisterToNone(instruction asm.Instruction, reg asm.Register)

	// CompileNoneToRegister emits a single-register destination instruction.
	CompileNoneToRegister(instruction asm.Instruction, reg asm.Register)

	// CompileNoneToMemory emits a single memory-destination instruction.
	CompileNoneToMemory(instruction asm.Instruction, base asm.Register, offset int64)

	// CompileConstToMemory emits `instruction value, [base+offset]`.
	CompileConstToMemory(instruction asm.Instruction, value int64, base asm.Register, offset int64) asm.Node

	// CompileMemoryToConst emits `instruction [base+offset], value`.
	CompileMemoryToConst(instruction asm.Instruction, base asm.Register, offset int64, value int64) asm.Node
}
