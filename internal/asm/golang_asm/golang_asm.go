// Package golang_asm adapts github.com/twitchyliquid64/golang-asm -- a
// standalone fork of the Go toolchain's own assembler/linker internals --
// into the asm.Node / asm.AssemblerBase vocabulary (internal/asm). This is
// the "third-party x86-64 encoder" spec.md §4.1 asks the facade to wrap;
// architecture-specific opcode/register translation lives in
// internal/asm/amd64.
package golang_asm

import (
	"encoding/binary"
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"

	"eaglevm/internal/asm"
)

// Node implements asm.Node backed by a golang-asm obj.Prog.
type Node struct {
	Prog *obj.Prog
}

// NewNode wraps an already-built obj.Prog as an asm.Node.
func NewNode(p *obj.Prog) asm.Node {
	return &Node{Prog: p}
}

// String implements fmt.Stringer.
func (n *Node) String() string { return n.Prog.String() }

// OffsetInBinary implements asm.Node.
func (n *Node) OffsetInBinary() asm.NodeOffsetInBinary {
	return asm.NodeOffsetInBinary(n.Prog.Pc)
}

// AssignJumpTarget implements asm.Node.
func (n *Node) AssignJumpTarget(target asm.Node) {
	n.Prog.To.SetTarget(target.(*Node).Prog)
}

// AssignDestinationConstant implements asm.Node.
func (n *Node) AssignDestinationConstant(value asm.ConstantValue) {
	n.Prog.To.Offset = value
}

// AssignSourceConstant implements asm.Node.
func (n *Node) AssignSourceConstant(value asm.ConstantValue) {
	n.Prog.From.Offset = value
}

// BaseAssembler implements the architecture-independent part of
// asm.AssemblerBase on top of a golang-asm Builder. Architecture packages
// embed this and add the opcode/operand translation that turns an
// asm.Instruction + operands into a concrete obj.Prog.
type BaseAssembler struct {
	b *goasm.Builder

	setBranchTargetOnNextNodes []asm.Node
	nextNodeCallbacks          []func(asm.Node)
	onGenerateCallbacks        []func(code []byte) error
}

// NewBaseAssembler constructs a Builder for the given GOARCH ("amd64").
func NewBaseAssembler(arch string) (*BaseAssembler, error) {
	b, err := goasm.NewBuilder(arch, 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create golang-asm builder: %w", err)
	}
	return &BaseAssembler{b: b}, nil
}

// Assemble implements asm.AssemblerBase.
func (a *BaseAssembler) Assemble() ([]byte, error) {
	code := a.b.Assemble()
	for _, cb := range a.onGenerateCallbacks {
		if err := cb(code); err != nil {
			return nil, err
		}
	}
	return code, nil
}

// SetJumpTargetOnNext implements asm.AssemblerBase.
func (a *BaseAssembler) SetJumpTargetOnNext(nodes ...asm.Node) {
	a.setBranchTargetOnNextNodes = append(a.setBranchTargetOnNextNodes, nodes...)
}

// NotifyNextNode implements asm.AssemblerBase.
func (a *BaseAssembler) NotifyNextNode(cb func(asm.Node)) {
	a.nextNodeCallbacks = append(a.nextNodeCallbacks, cb)
}

// AddOnGenerateCallback registers a callback run on the final assembled
// bytes, used by the machine package's label fixups (emitLabelFixup) to
// patch label-relative displacements in once every node has an offset.
func (a *BaseAssembler) AddOnGenerateCallback(cb func([]byte) error) {
	a.onGenerateCallbacks = append(a.onGenerateCallbacks, cb)
}

// BuildJumpTable writes, into table, the byte offset of each label in
// labelInitialInstructions relative to the first one, for indirect
// dispatch tables. No lowering path in this module calls it.
func (a *BaseAssembler) BuildJumpTable(table []byte, labelInitialInstructions []asm.Node) {
	a.AddOnGenerateCallback(func(code []byte) error {
		base := labelInitialInstructions[0].OffsetInBinary()
		for i, n := range labelInitialInstructions {
			off := uint32(n.OffsetInBinary() - base)
			binary.LittleEndian.PutUint32(table[i*4:(i+1)*4], off)
		}
		return nil
	})
}

// AddInstruction appends next to the builder's program and resolves any
// pending SetJumpTargetOnNext requests onto it.
func (a *BaseAssembler) AddInstruction(next *obj.Prog) {
	a.b.AddInstruction(next)
	for _, node := range a.setBranchTargetOnNextNodes {
		node.(*Node).Prog.To.SetTarget(next)
	}
	a.setBranchTargetOnNextNodes = nil

	if len(a.nextNodeCallbacks) > 0 {
		cbs := a.nextNodeCallbacks
		a.nextNodeCallbacks = nil
		n := NewNode(next)
		for _, cb := range cbs {
			cb(n)
		}
	}
}

// NewProg allocates a fresh obj.Prog bound to this builder.
func (a *BaseAssembler) NewProg() *obj.Prog { return a.b.NewProg() }
