// Package eaglevm is the module root: Virtualize ties the decoder, lifter,
// handler generators and machine backend into the single entry point
// spec.md §1 describes, mirroring wazero's runtime.go facade over its own
// compiler/engine/module plumbing.
package eaglevm

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"golang.org/x/arch/x86/x86asm"

	"eaglevm/internal/asm/amd64"
	"eaglevm/internal/container"
	"eaglevm/internal/decode"
	"eaglevm/internal/ir"
	"eaglevm/internal/lifter"
	"eaglevm/internal/machine"
	"eaglevm/internal/regs"
	"eaglevm/internal/settings"
)

// ErrEmptyInput is returned by Virtualize when the input byte slice decodes
// to no instructions at all.
var ErrEmptyInput = errors.New("eaglevm: input decodes to zero instructions")

// Output is the result of virtualizing one segment: the concatenated
// machine code of every lowered block plus the prologue/epilogue, and the
// resolved label table in case a caller needs to patch external references
// (e.g. the segment's own entry RVA) into a host loader.
type Output struct {
	Code   []byte
	Labels container.LabelTable
}

// Virtualize lowers the x86-64 instructions in code into the obfuscated,
// handler-dispatch form spec.md §1 describes: decode into basic blocks,
// lift each block's instructions to IR, lower the IR through the machine
// backend, and assemble the lowered code into one contiguous blob.
//
// baseRVA is the address the caller intends to load the output at; it is
// only used to resolve container.Label-relative thunks (spec.md's
// "recompile pass"), not to rebase absolute addresses already present in
// code.
func Virtualize(code []byte, baseRVA uint64, st settings.Settings, rng *rand.Rand, log *slog.Logger) (*Output, error) {
	if log == nil {
		log = slog.Default()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	blocks, err := decodeBlocks(code)
	if err != nil {
		return nil, fmt.Errorf("eaglevm: decode: %w", err)
	}
	if len(blocks) == 0 {
		return nil, ErrEmptyInput
	}

	mgr, err := regs.NewManager(rng)
	if err != nil {
		return nil, fmt.Errorf("eaglevm: register manager: %w", err)
	}

	asmBackend, err := amd64.NewAssembler()
	if err != nil {
		return nil, fmt.Errorf("eaglevm: assembler: %w", err)
	}

	m := machine.New(asmBackend, mgr, st, rng)

	c := container.New()
	imageBase := m.NewLabel()
	m.SetEntryParams(imageBase, 0)

	if err := c.BindLabel(imageBase); err != nil {
		return nil, fmt.Errorf("eaglevm: bind image base: %w", err)
	}
	m.BindLabelHere(imageBase)
	entry := ir.NewBlock(ir.BlockID(-1))
	if err := entry.Append(ir.VMEnter{}); err != nil {
		return nil, fmt.Errorf("eaglevm: build entry block: %w", err)
	}
	if err := entry.Terminate(ir.Branch{Condition: ir.CondJmp, Default: blocks[0].ID, Virtual: true}); err != nil {
		return nil, fmt.Errorf("eaglevm: terminate entry block: %w", err)
	}
	if err := m.LiftBlock(entry, c); err != nil {
		return nil, fmt.Errorf("eaglevm: lift entry block: %w", err)
	}
	m.ResetContexts()

	log.Debug("eaglevm: lowering segment", "blocks", len(blocks))
	for _, b := range blocks {
		label := m.LabelForBlock(b.ID)
		if err := c.BindLabel(label); err != nil {
			return nil, fmt.Errorf("eaglevm: bind block %d: %w", b.ID, err)
		}
		m.BindLabelHere(label)
		if err := m.LiftBlock(b, c); err != nil {
			return nil, fmt.Errorf("eaglevm: lift block %d: %w", b.ID, err)
		}
		m.ResetContexts()
	}

	// Every instruction LiftBlock emitted went through m.Asm's own node
	// stream (internal/machine's Compile* calls), not c.AppendBytes; c only
	// accumulates a handful of legacy thunks kept for item-count bookkeeping.
	// Jump targets and label-relative address fixups are resolved directly
	// against m.Asm's Nodes (Machine.BindLabelHere/ResolveJumpTarget/
	// emitLabelFixup in internal/machine/labelref.go) as part of Assemble
	// below; Layout is still run so callers get back the resolved label
	// table (and so a genuine thunk divergence would surface as
	// ErrLayoutDivergence), but its own byte output is not the code -- see
	// DESIGN.md's note on the container-thunk placeholder pattern.
	code, err := m.Asm.Assemble()
	if err != nil {
		return nil, fmt.Errorf("eaglevm: assemble: %w", err)
	}

	labels, _, err := container.Layout([]*container.Container{c}, baseRVA)
	if err != nil {
		return nil, fmt.Errorf("eaglevm: layout: %w", err)
	}

	return &Output{Code: code, Labels: labels}, nil
}

// jccConditions maps the decoded Jcc mnemonics to their ir.Condition and
// whether that op is the inverted sense of the condition's canonical entry
// (e.g. JNE is CondJE inverted), following machine.conditionToJcc's table.
var jccConditions = map[x86asm.Op]struct {
	cond     ir.Condition
	inverted bool
}{
	x86asm.JE:     {ir.CondJE, false},
	x86asm.JNE:    {ir.CondJE, true},
	x86asm.JB:     {ir.CondJB, false},
	x86asm.JAE:    {ir.CondJB, true},
	x86asm.JBE:    {ir.CondJBE, false},
	x86asm.JA:     {ir.CondJBE, true},
	x86asm.JL:     {ir.CondJL, false},
	x86asm.JGE:    {ir.CondJL, true},
	x86asm.JLE:    {ir.CondJLE, false},
	x86asm.JG:     {ir.CondJLE, true},
	x86asm.JO:     {ir.CondJO, false},
	x86asm.JNO:    {ir.CondJO, true},
	x86asm.JS:     {ir.CondJS, false},
	x86asm.JNS:    {ir.CondJS, true},
	x86asm.JP:     {ir.CondJP, false},
	x86asm.JNP:    {ir.CondJP, true},
	x86asm.JCXZ:   {ir.CondJCXZ, false},
	x86asm.JECXZ:  {ir.CondJECXZ, false},
	x86asm.JRCXZ:  {ir.CondJRCXZ, false},
}

// relTarget resolves a decoded rel8/rel32 control-transfer's absolute
// target offset within code, given the offset one past the instruction
// (x86asm.Rel is measured from there).
func relTarget(inst *decode.Inst, afterOffset int) (int, bool) {
	if len(inst.Args) == 0 {
		return 0, false
	}
	rel, ok := inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return afterOffset + int(rel), true
}

// decodeBlocks splits code into IR blocks at every taken/fallthrough
// control-transfer boundary: a run of straight-line instructions lifted
// into one block, terminated by a decoded jmp/Jcc, a RET (lowered to
// vm_exit back to the host at the instruction after it, since spec.md's
// Non-goals exclude following call/ret across frames), or, for a sequence
// that runs off the end of code, a synthetic vm_exit at the current byte
// offset.
//
// Grounded on the teacher's own basic-block discovery (compilationContext's
// per-function single-entry-multiple-exit walk in engine/compiler); EagleVM
// has no function boundaries to key off of, so blocks are split purely on
// control flow within the one input buffer. Jcc/JMP are handled here,
// directly building ir.Branch terminators, rather than through
// lifter.Table, since resolving a relative displacement to a BlockID
// requires the block map this function owns -- lifter's translators only
// ever see one instruction at a time (spec.md §4.5).
func decodeBlocks(code []byte) ([]*ir.Block, error) {
	type decoded struct {
		offset int
		inst   *decode.Inst
	}

	var insts []decoded
	boundaries := map[int]bool{0: true}

	off := 0
	for off < len(code) {
		inst, err := decode.Decode(code[off:])
		if err != nil {
			return nil, fmt.Errorf("decode at offset %d: %w", off, err)
		}
		insts = append(insts, decoded{off, inst})
		after := off + inst.Len

		switch {
		case inst.Op == x86asm.JMP:
			if target, ok := relTarget(inst, after); ok {
				boundaries[target] = true
			}
			if after < len(code) {
				boundaries[after] = true
			}
		case inst.Op == x86asm.RET:
			if after < len(code) {
				boundaries[after] = true
			}
		default:
			if _, ok := jccConditions[inst.Op]; ok {
				if target, ok := relTarget(inst, after); ok {
					boundaries[target] = true
				}
				if after < len(code) {
					boundaries[after] = true
				}
			}
		}
		off = after
	}

	offsetToID := map[int]ir.BlockID{}
	var order []int
	for boff := range boundaries {
		order = append(order, boff)
	}
	// Sort ascending so block IDs increase with code order, which keeps
	// output deterministic for a given input and seed.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j] < order[j-1]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	for idx, boff := range order {
		offsetToID[boff] = ir.BlockID(idx)
	}

	blockIDAt := func(target int) (ir.BlockID, bool) {
		id, ok := offsetToID[target]
		return id, ok
	}

	var blocks []*ir.Block
	var cur *ir.Block
	var curEndOffset int
	blockStart := -1

	finish := func(term ir.Command) error {
		if cur == nil {
			return nil
		}
		if err := cur.Terminate(term); err != nil {
			return fmt.Errorf("terminate block %d: %w", cur.ID, err)
		}
		blocks = append(blocks, cur)
		cur = nil
		return nil
	}

	for _, d := range insts {
		if boundaries[d.offset] && d.offset != blockStart {
			if cur != nil && !cur.IsTerminated() {
				target, _ := blockIDAt(d.offset)
				if err := finish(ir.Branch{Condition: ir.CondJmp, Default: target, Virtual: true}); err != nil {
					return nil, err
				}
			}
			id := offsetToID[d.offset]
			cur = ir.NewBlock(id)
			blockStart = d.offset
		}
		curEndOffset = d.offset + d.inst.Len

		switch {
		case d.inst.Op == x86asm.JMP:
			target, ok := relTarget(d.inst, curEndOffset)
			var dest ir.BlockID
			if ok {
				dest, _ = blockIDAt(target)
			}
			if err := finish(ir.Branch{Condition: ir.CondJmp, Default: dest, Virtual: true}); err != nil {
				return nil, err
			}
		case d.inst.Op == x86asm.RET:
			if err := finish(ir.VMExit{HasRVA: true, RVA: uint64(curEndOffset)}); err != nil {
				return nil, err
			}
		default:
			if jc, ok := jccConditions[d.inst.Op]; ok {
				target, okTarget := relTarget(d.inst, curEndOffset)
				var taken ir.BlockID
				if okTarget {
					taken, _ = blockIDAt(target)
				}
				fallthroughID, _ := blockIDAt(curEndOffset)
				if err := finish(ir.Branch{
					Condition: jc.cond,
					Default:   fallthroughID,
					Special:   blockIDPtr(taken),
					Inverted:  jc.inverted,
					Virtual:   true,
				}); err != nil {
					return nil, err
				}
				continue
			}
			if err := lifter.Lift(cur, d.inst); err != nil {
				return nil, fmt.Errorf("lift at offset %d: %w", d.offset, err)
			}
		}
	}

	if err := finish(ir.VMExit{HasRVA: true, RVA: uint64(curEndOffset)}); err != nil {
		return nil, err
	}

	return blocks, nil
}

// blockIDPtr returns a pointer to a copy of id, for Branch.Special.
func blockIDPtr(id ir.BlockID) *ir.BlockID {
	return &id
}
