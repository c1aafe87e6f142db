// Package machine implements spec.md §4.7: the backend that lowers IR
// commands into x86-64 instructions, manages the synthetic VM register
// file, synthesizes the randomized context load/store routines, emits the
// VM prologue/epilogue, and owns the handler manager's variant-reuse
// policy.
//
// Grounded on wazero's compiler.go/impl_amd64.go split: compiler.go's
// compileX methods are the "one function per IR command kind" model this
// package's lift.go follows; impl_amd64.go's raw Compile* call sequences
// for synthesizing a host routine (e.g. compileMaybeGrowStack) are the
// model for loadRegister/storeRegister's bit-twiddling sequences.
package machine

import (
	"fmt"
	"math/rand"

	"eaglevm/internal/asm"
	"eaglevm/internal/asm/amd64"
	"eaglevm/internal/container"
	"eaglevm/internal/ir"
	"eaglevm/internal/regs"
	"eaglevm/internal/settings"
)

// Machine is the backend lowering state: one per segment being
// virtualized. It owns the register manager, the handler manager, and the
// two register contexts (spec.md §3 "Ownership"); blocks are owned by the
// caller and only referenced by BlockID.
type Machine struct {
	Asm      amd64.Assembler
	Regs     *regs.Manager
	Settings settings.Settings
	RNG      *rand.Rand

	Handlers *HandlerManager

	// ImageBase and ReturnSlot parameterize EmitVMEnter for this segment;
	// set them via SetEntryParams before lifting a block containing a
	// VMEnter command.
	ImageBase  container.Label
	ReturnSlot int64

	gprCtx *regs.Context
	xmmCtx *regs.Context

	labelSeq    container.Label
	blockLabels map[ir.BlockID]container.Label

	labelRefs map[container.Label]*labelRef
	fixupSeq  uint64
}

// New builds a Machine over an already-initialized register manager and
// assembler. rng is the seeded RNG spec.md §9 requires be plumbed as a
// parameter rather than drawn from a process global.
func New(asmB amd64.Assembler, mgr *regs.Manager, st settings.Settings, rng *rand.Rand) *Machine {
	return &Machine{
		Asm:         asmB,
		Regs:        mgr,
		Settings:    st,
		RNG:         rng,
		Handlers:    NewHandlerManager(),
		gprCtx:      regs.NewContext(mgr),
		xmmCtx:      regs.NewContext(mgr),
		blockLabels: map[ir.BlockID]container.Label{},
	}
}

// SetEntryParams records the image-base label and caller return-slot offset
// EmitVMEnter needs; callers must set these before lifting a VMEnter.
func (m *Machine) SetEntryParams(imageBase container.Label, returnSlot int64) {
	m.ImageBase = imageBase
	m.ReturnSlot = returnSlot
}

// LabelForBlock returns the container label standing in for blockID's entry
// point, minting one on first reference so forward references (a branch to
// a block not yet lowered) resolve once that block is eventually bound.
func (m *Machine) LabelForBlock(blockID ir.BlockID) container.Label {
	if l, ok := m.blockLabels[blockID]; ok {
		return l
	}
	l := m.NewLabel()
	m.blockLabels[blockID] = l
	return l
}

// ContextFor returns the register context for class c.
func (m *Machine) ContextFor(class regs.Class) *regs.Context {
	if class == regs.ClassXMM128 {
		return m.xmmCtx
	}
	return m.gprCtx
}

// ResetContexts releases every register held by either context, run at
// the end of each block lowering (spec.md §4.7 "Scopes are reset at block
// end").
func (m *Machine) ResetContexts() {
	m.gprCtx.Reset()
	m.xmmCtx.Reset()
}

// NewLabel mints a fresh container label, used for block entry points and
// the return labels call_vm_handler synthesizes.
func (m *Machine) NewLabel() container.Label {
	m.labelSeq++
	return m.labelSeq
}

// workingTemp picks the scratch register a context-load/store routine
// should use: a random unreserved temp when Settings.RandomizeWorkingRegister
// is set, or deterministically reserved_temp(0) otherwise (spec.md §6).
func (m *Machine) workingTemp(class regs.Class) (asm.Register, func(), error) {
	if !m.Settings.RandomizeWorkingRegister {
		return m.Regs.GetReservedTemp(0), func() {}, nil
	}
	ctx := m.ContextFor(class)
	r, err := ctx.GetAny(class)
	if err != nil {
		return 0, nil, fmt.Errorf("machine: workingTemp: %w", err)
	}
	return r, func() { ctx.Release(r) }, nil
}

