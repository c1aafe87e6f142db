package ir

import (
	"eaglevm/internal/asm"
	"eaglevm/internal/regs"
	"eaglevm/internal/vmflags"
)

// Kind tags which command variant a Command value holds, letting the
// machine's lowering dispatcher match over the sum (spec.md §9 "Tagged IR
// commands") instead of a virtual-method hierarchy.
type Kind byte

const (
	KindPush Kind = iota
	KindPop
	KindArith
	KindResize
	KindSx
	KindCnt
	KindAbs
	KindLog2
	KindDup
	KindCmp
	KindCarry
	KindFlagsLoad
	KindMemRead
	KindMemWrite
	KindContextLoad
	KindContextStore
	KindContextRflagsLoad
	KindContextRflagsStore
	KindBranch
	KindVMEnter
	KindVMExit
	KindHandlerCall
	KindX86Dynamic
	KindX86Exec
)

// Command is one entry in a Block: a tagged command carrying its own
// payload, plus the liveness-analysis hook every command must supply.
type Command interface {
	Kind() Kind
	// UseStores returns every discrete_store this command reads or writes,
	// for the backward liveness pass of spec.md §4.7.
	UseStores() []Store
}

// ValueKind distinguishes the four shapes a Push's value may take.
type ValueKind byte

const (
	ValueImmediate ValueKind = iota
	ValueBlockRef
	ValueStore
	ValueVMReg
)

// BlockID is a back-reference to another Block, used by push(block_ref)
// and by branch targets. Blocks are owned by the lifter's caller; this is
// a non-owning reference (spec.md §3 "Ownership").
type BlockID int

// Value is push's tagged operand: immediate | block_ref | discrete_store | reg_vm.
type Value struct {
	Kind      ValueKind
	Immediate uint64
	BlockRef  BlockID
	Store     Store
	VMReg     regs.Role
}

// ImmValue builds an immediate push value.
func ImmValue(v uint64) Value { return Value{Kind: ValueImmediate, Immediate: v} }

// BlockRefValue builds a block-reference push value.
func BlockRefValue(b BlockID) Value { return Value{Kind: ValueBlockRef, BlockRef: b} }

// StoreValue builds a discrete_store push value.
func StoreValue(s Store) Value { return Value{Kind: ValueStore, Store: s} }

// VMRegValue builds a VM-register push value.
func VMRegValue(r regs.Role) Value { return Value{Kind: ValueVMReg, VMReg: r} }

// Push is push(value, size) (spec.md §4.4).
type Push struct {
	Value Value
	Size  Size
}

func (Push) Kind() Kind { return KindPush }
func (p Push) UseStores() []Store {
	if p.Value.Kind == ValueStore {
		return []Store{p.Value.Store}
	}
	return nil
}

// Pop is pop(size, dest?); Dest == nil means the popped value is discarded.
type Pop struct {
	Size Size
	Dest *Store
}

func (Pop) Kind() Kind { return KindPop }
func (p Pop) UseStores() []Store {
	if p.Dest != nil {
		return []Store{*p.Dest}
	}
	return nil
}

// ArithOp enumerates the binary arithmetic/logic/shift ops of spec.md
// §4.4's "arithmetic" command family.
type ArithOp byte

const (
	ArithAdd ArithOp = iota
	ArithSub
	ArithAnd
	ArithOr
	ArithXor
	ArithShl
	ArithShr
	ArithSmul
)

// Arith is add/sub/and/or/xor/shl/shr/smul: binary, equal operand sizes,
// optional Preserved (both operands remain on the stack below the result).
type Arith struct {
	Op        ArithOp
	Size      Size
	Preserved bool
}

func (Arith) Kind() Kind            { return KindArith }
func (Arith) UseStores() []Store    { return nil }

// Resize zero-extends or truncates the top-of-stack in place, adjusting VSP.
type Resize struct{ To, From Size }

func (Resize) Kind() Kind         { return KindResize }
func (Resize) UseStores() []Store { return nil }

// Sx sign-extends the top-of-stack using the host's CBW/CWDE/CDQE ladder.
type Sx struct{ To, From Size }

func (Sx) Kind() Kind         { return KindSx }
func (Sx) UseStores() []Store { return nil }

// Cnt is popcount; 8-bit operands are zero-extended first because the host
// lacks a POPCNT r/m8 form.
type Cnt struct {
	Size      Size
	Preserved bool
}

func (Cnt) Kind() Kind         { return KindCnt }
func (Cnt) UseStores() []Store { return nil }

// Abs computes a branchless two's-complement absolute value via
// sar; xor; sub.
type Abs struct {
	Size      Size
	Preserved bool
}

func (Abs) Kind() Kind         { return KindAbs }
func (Abs) UseStores() []Store { return nil }

// Log2 is bit-scan-reverse into a zeroed destination; the result for input
// 0 is 0 because BSR leaves its destination unchanged on a zero source.
type Log2 struct {
	Size      Size
	Preserved bool
}

func (Log2) Kind() Kind         { return KindLog2 }
func (Log2) UseStores() []Store { return nil }

// Dup duplicates the top-of-stack value.
type Dup struct{ Size Size }

func (Dup) Kind() Kind         { return KindDup }
func (Dup) UseStores() []Store { return nil }

// Cmp pops two values and recomputes VFLAGS.{eq,le,ge} from their
// difference with branchless bit arithmetic (no host CMP or CMOV).
type Cmp struct{ Size Size }

func (Cmp) Kind() Kind         { return KindCmp }
func (Cmp) UseStores() []Store { return nil }

// Carry moves the top-of-stack value down by Depth bytes, shifting
// intervening values upward by Size -- the semantics spec.md's Open
// Questions settle on for cmd_mem_write's in-place memory destination
// reordering (spec.md §9).
type Carry struct {
	Size  Size
	Depth int
}

func (Carry) Kind() Kind         { return KindCarry }
func (Carry) UseStores() []Store { return nil }

// FlagsLoad reads bit flag_index(Flag) of VFLAGS and pushes it zero-extended.
type FlagsLoad struct{ Flag vmflags.Flag }

func (FlagsLoad) Kind() Kind         { return KindFlagsLoad }
func (FlagsLoad) UseStores() []Store { return nil }

// MemRead pops an address and reads Size bytes from host memory, pushing
// the value.
type MemRead struct{ Size Size }

func (MemRead) Kind() Kind         { return KindMemRead }
func (MemRead) UseStores() []Store { return nil }

// MemWrite pops two values, in an order controlled by ValueNearest, and
// writes ValueSize bytes of the value to an address of WriteSize.
type MemWrite struct {
	ValueSize    Size
	WriteSize    Size
	ValueNearest bool
}

func (MemWrite) Kind() Kind         { return KindMemWrite }
func (MemWrite) UseStores() []Store { return nil }

// ContextLoad dispatches to the randomized load handler for VirtualReg.
type ContextLoad struct{ VirtualReg asm.Register }

func (ContextLoad) Kind() Kind         { return KindContextLoad }
func (ContextLoad) UseStores() []Store { return nil }

// ContextStore dispatches to the randomized store handler for VirtualReg.
type ContextStore struct {
	VirtualReg asm.Register
	Size       Size
}

func (ContextStore) Kind() Kind         { return KindContextStore }
func (ContextStore) UseStores() []Store { return nil }

// ContextRflagsLoad dispatches to the global RFLAGS handler.
type ContextRflagsLoad struct{}

func (ContextRflagsLoad) Kind() Kind         { return KindContextRflagsLoad }
func (ContextRflagsLoad) UseStores() []Store { return nil }

// ContextRflagsStore dispatches to the global RFLAGS handler; the
// top-of-stack at emit time is a mask of relevant flags gating which host
// RFLAGS bits are actually written.
type ContextRflagsStore struct{}

func (ContextRflagsStore) Kind() Kind         { return KindContextRflagsStore }
func (ContextRflagsStore) UseStores() []Store { return nil }

// Condition enumerates branch's recognized conditions (spec.md §4.4).
type Condition byte

const (
	CondJmp Condition = iota
	CondJO
	CondJS
	CondJE
	CondJB
	CondJBE
	CondJL
	CondJLE
	CondJP
	CondJCXZ
	CondJECXZ
	CondJRCXZ
)

// Branch is the block terminator implementing jmp/branch (spec.md §4.4):
// Default is the fall-through/false target, Special is the taken/true
// target, Inverted swaps their roles, and Virtual selects between
// inlining handler_call(jmp, condition) over the IR stack and emitting a
// direct host jcc.
type Branch struct {
	Condition Condition
	Default   BlockID
	Special   *BlockID
	Inverted  bool
	Virtual   bool
}

func (Branch) Kind() Kind         { return KindBranch }
func (Branch) UseStores() []Store { return nil }

// VMEnter is the VM-transition prologue command (spec.md §4.7).
type VMEnter struct{}

func (VMEnter) Kind() Kind         { return KindVMEnter }
func (VMEnter) UseStores() []Store { return nil }

// VMExit carries either a fixed RVA or a block reference resolved late via
// its label.
type VMExit struct {
	HasRVA bool
	RVA    uint64
	Block  BlockID
}

func (VMExit) Kind() Kind         { return KindVMExit }
func (VMExit) UseStores() []Store { return nil }

// HandlerCall calls a pre-synthesized instruction handler identified by
// mnemonic and operand-signature string.
type HandlerCall struct {
	Mnemonic  string
	Signature string
}

func (HandlerCall) Kind() Kind         { return KindHandlerCall }
func (HandlerCall) UseStores() []Store { return nil }

// DynamicEncode is the closure shape x86_dynamic commands carry: an
// encoder invocation whose operands are resolved at emit time, once the
// discrete_stores it references have been assigned physical registers.
type DynamicEncode func(resolve func(Store) asm.Register) (asm.Instruction, asm.Operand, asm.Operand)

// X86Dynamic is a structured encoder closure whose operands may reference
// discrete_stores (resolved at emit time) or VM registers.
type X86Dynamic struct {
	Encode    DynamicEncode
	ReadsStores []Store
}

func (X86Dynamic) Kind() Kind           { return KindX86Dynamic }
func (x X86Dynamic) UseStores() []Store { return x.ReadsStores }

// X86Exec is a pre-built raw encoder request.
type X86Exec struct {
	Instruction asm.Instruction
	Dst, Src    asm.Operand
}

func (X86Exec) Kind() Kind         { return KindX86Exec }
func (X86Exec) UseStores() []Store { return nil }
