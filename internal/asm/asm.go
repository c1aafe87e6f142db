// Package asm defines the architecture-independent vocabulary of the
// encoder/decoder facade (spec.md §4.1): registers, instructions, operands,
// and the Node/label machinery that lets a code_container hold either a
// fully encoded instruction or a recompile thunk waiting on a label RVA.
//
// This interface is intentionally shaped like a thin wrapper around a real
// assembler library rather than an abstract IR of its own, following the
// same choice wazero's internal/asm makes around golang-asm.
package asm

import "fmt"

// Register represents a physical x86-64 register identity. The concrete
// values are defined per-architecture package (internal/asm/amd64) to avoid
// this package depending on any one encoder.
type Register byte

// NilRegister indicates "no register" in an operand slot.
const NilRegister Register = 0

// Instruction identifies an architecture-specific opcode mnemonic.
type Instruction uint16

// ConditionalRegisterState represents a named condition-code state
// (e.g. "CF set", "ZF unset") independent of how the host encodes it.
type ConditionalRegisterState byte

// ConditionalRegisterStateUnset means "no conditional state associated".
const ConditionalRegisterStateUnset ConditionalRegisterState = 0

// ConstantValue is a sign-extended immediate or displacement value.
type ConstantValue = int64

// Label is an opaque handle to a position that will be resolved to an RVA
// no earlier than the assembler's layout pass. Labels are represented as
// integer IDs resolved via a side table (see internal/container) rather
// than as pointers, so that containers and labels never form a reference
// cycle (spec.md §9).
type Label uint64

// NodeOffsetInBinary is the offset of a Node within its assembled container,
// valid only after Assemble has run.
type NodeOffsetInBinary = uint64

// Node is one assembled (or not-yet-assembled) instruction in a container's
// linked list of operations.
type Node interface {
	fmt.Stringer

	// AssignJumpTarget marks target as the destination of this Node's jump.
	AssignJumpTarget(target Node)
	// AssignDestinationConstant overwrites the destination-operand constant.
	AssignDestinationConstant(value ConstantValue)
	// AssignSourceConstant overwrites the source-operand constant.
	AssignSourceConstant(value ConstantValue)
	// OffsetInBinary returns this Node's offset once assembled.
	OffsetInBinary() NodeOffsetInBinary
}

// MemOperand describes an x86 memory operand: [Base + Index*Scale + Disp],
// with Size bytes read or written. Index == NilRegister means no index.
type MemOperand struct {
	Base  Register
	Index Register
	Scale int16 // one of 1, 2, 4, 8
	Disp  ConstantValue
	Size  byte // bytes
}

// Signedness distinguishes signed from unsigned immediates, used by zimm
// to decide sign-extension behavior when the immediate is narrower than
// its destination.
type Signedness byte

const (
	Unsigned Signedness = iota
	Signed
)

// Imm is an immediate operand, with its own width (source size) distinct
// from whatever destination it is eventually written to.
type Imm struct {
	Value      uint64
	Size       byte // bytes
	Signedness Signedness
}

// AssemblerBase is the common subset of assembler operations every
// architecture backend must provide. It is deliberately low-level and
// 1:1 with the underlying encoder library's operand shapes (here,
// golang-asm's obj.Prog), matching spec.md §4.1's "encode(request) ->
// bytes|label-ref" contract.
type AssemblerBase interface {
	// Assemble produces the final binary for every Node added so far,
	// re-invoking any recompile thunks as needed.
	Assemble() ([]byte, error)

	// SetJumpTargetOnNext directs that the next instruction added becomes
	// the jump target of each of nodes.
	SetJumpTargetOnNext(nodes ...Node)

	// CompileStandAlone emits an instruction with no operands.
	CompileStandAlone(instruction Instruction) Node
	// CompileConstToRegister emits `instruction value, destinationReg`.
	CompileConstToRegister(instruction Instruction, value ConstantValue, destinationReg Register) Node
	// CompileRegisterToRegister emits `instruction from, to`.
	CompileRegisterToRegister(instruction Instruction, from, to Register) Node
	// CompileMemoryToRegister emits `instruction [base+offset], destinationReg`.
	CompileMemoryToRegister(instruction Instruction, base Register, offset ConstantValue, destinationReg Register) Node
	// CompileRegisterToMemory emits `instruction sourceReg, [base+offset]`.
	CompileRegisterToMemory(instruction Instruction, sourceReg Register, base Register, offset ConstantValue) Node
	// CompileJump emits an unconditional or conditional jump whose target
	// is resolved later via SetJumpTargetOnNext or AssignJumpTarget.
	CompileJump(instruction Instruction) Node
	// CompileRegisterToRegisterWithArg emits `instruction from, to, arg`
	// for instructions that take an extra immediate byte (e.g. PSRLDQ).
	CompileRegisterToRegisterWithArg(instruction Instruction, from, to Register, arg byte) Node

	// NotifyNextNode runs cb, exactly once, with the next Node added to
	// this assembler's stream -- the non-branch analogue of
	// SetJumpTargetOnNext, used to learn the position a label resolves to
	// rather than to set a jump's destination.
	NotifyNextNode(cb func(Node))

	// AddOnGenerateCallback registers cb to run against the fully
	// assembled bytes, used to patch a placeholder constant emitted by an
	// earlier Compile* call once the Node it depends on has a resolved
	// OffsetInBinary (spec.md §9's "recompile pass", applied directly to
	// the assembled code rather than to the unused container byte stream;
	// see DESIGN.md).
	AddOnGenerateCallback(cb func(code []byte) error)
}

// OperandKind distinguishes the three operand shapes zreg/zmem/zimm build.
type OperandKind byte

const (
	OperandNone OperandKind = iota
	OperandRegister
	OperandMemory
	OperandImmediate
)

// Operand is the generic encode-request operand built by ZReg/ZMem/ZImm,
// mirroring spec.md §4.1's zreg(reg)/zmem(...)/zimm(...) constructors. It is
// what ir.X86Dynamic closures and the handler generators pass to
// Encoder.Encode when the shape of an instruction isn't known until emit
// time (e.g. a context-load routine chooses its scratch register at
// generation time, not at IR-authoring time).
type Operand struct {
	Kind OperandKind
	Reg  Register
	Mem  MemOperand
	Imm  Imm
}

// ZReg builds a register operand.
func ZReg(r Register) Operand { return Operand{Kind: OperandRegister, Reg: r} }

// ZMem builds a memory operand [base + index*scale + disp], sized bytes.
// index == NilRegister means no index register.
func ZMem(base, index Register, scale int16, disp ConstantValue, size byte) Operand {
	return Operand{Kind: OperandMemory, Mem: MemOperand{Base: base, Index: index, Scale: scale, Disp: disp, Size: size}}
}

// ZImm builds an immediate operand of the given width and signedness.
func ZImm(value uint64, size byte, signedness Signedness) Operand {
	return Operand{Kind: OperandImmediate, Imm: Imm{Value: value, Size: size, Signedness: signedness}}
}

// Encoder is the generic "encode(mnemonic, operands...) -> encoded" half of
// the facade (spec.md §4.1), used when the IR's x86_dynamic/x86_exec
// commands need to emit an instruction whose operand shapes aren't known
// until generation time.
type Encoder interface {
	Encode(instruction Instruction, dst, src Operand) (Node, error)
}

// Error is a sentinel-comparable error type used across the asm/container
// packages so callers can match with errors.Is without string comparison.
type Error string

func (e Error) Error() string { return string(e) }
