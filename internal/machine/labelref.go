package machine

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"eaglevm/internal/asm"
	"eaglevm/internal/container"
)

// labelRef tracks where a container.Label resolves to within m.Asm's own
// instruction stream. container.Label bookkeeping against c (BindLabel)
// predates this and no longer drives the assembled bytes -- see
// virtualize.go's note on the container-thunk placeholder pattern -- so a
// label that a real jump or address fixup needs to reach is tracked here
// instead, keyed off the same container.Label handle callers already pass
// around.
type labelRef struct {
	node    asm.Node
	pending []func(asm.Node)
}

// BindLabelHere records label as resolving to whatever instruction m.Asm
// adds next, mirroring SetJumpTargetOnNext's "next instruction wins"
// convention but for a Node callers read back later (to patch an address
// fixup or assign a jump target) rather than one whose jump target is set
// immediately. Callers bind imageBase and every block's entry label this
// way, right before lowering the code that becomes that position.
func (m *Machine) BindLabelHere(label container.Label) {
	m.Asm.NotifyNextNode(func(n asm.Node) {
		m.setLabelNode(label, n)
	})
}

func (m *Machine) setLabelNode(label container.Label, n asm.Node) {
	ref := m.labelRef(label)
	ref.node = n
	pending := ref.pending
	ref.pending = nil
	for _, cb := range pending {
		cb(n)
	}
}

// onLabelResolved runs cb with label's Node once known: immediately if
// label is already bound, deferred until the matching BindLabelHere call
// fires otherwise.
func (m *Machine) onLabelResolved(label container.Label, cb func(asm.Node)) {
	ref := m.labelRef(label)
	if ref.node != nil {
		cb(ref.node)
		return
	}
	ref.pending = append(ref.pending, cb)
}

func (m *Machine) labelRef(label container.Label) *labelRef {
	if m.labelRefs == nil {
		m.labelRefs = map[container.Label]*labelRef{}
	}
	ref, ok := m.labelRefs[label]
	if !ok {
		ref = &labelRef{}
		m.labelRefs[label] = ref
	}
	return ref
}

// ResolveJumpTarget arranges for j, a Node returned by CompileJump, to
// target label's resolved position: immediately via AssignJumpTarget if
// label is already bound (a backward reference), or the moment the
// matching BindLabelHere call fires otherwise (a forward reference).
func (m *Machine) ResolveJumpTarget(j asm.Node, label container.Label) {
	m.onLabelResolved(label, func(n asm.Node) {
		j.AssignJumpTarget(n)
	})
}

// nextFixupPlaceholder mints a unique bit pattern of the given byte width
// (4 for a memory operand's disp32, 8 for a register-destination imm64),
// used as a stand-in constant until the label it depends on resolves.
// Each is distinctive enough that patchPlaceholder can find it
// unambiguously within the one instruction it was embedded in.
func (m *Machine) nextFixupPlaceholder(width int) int64 {
	m.fixupSeq++
	switch width {
	case 4:
		// High bit clear so the value is a valid, unambiguous positive
		// disp32 (x86-64 memory displacements never exceed 32 bits);
		// above 127 so the encoder can't shrink it to a disp8.
		return int64(0x4eed0000 + (m.fixupSeq & 0x0fffffff))
	default:
		return int64(0x5ee5fee500000000 | (m.fixupSeq & 0xffffffff))
	}
}

// emitLabelFixup emits one instruction via compile -- which must embed
// placeholder as its only constant operand of the given width -- then
// arranges for those placeholder bytes to be overwritten, once every
// label in the program has resolved, with label's position expressed as
// a displacement from imageBase (the offset call_vm_handler and the
// virtual-branch dispatcher add to VBASE to reach a real destination).
func (m *Machine) emitLabelFixup(width int, label container.Label, compile func(placeholder int64) asm.Node) {
	placeholder := m.nextFixupPlaceholder(width)
	node := compile(placeholder)
	m.Asm.NotifyNextNode(func(next asm.Node) {
		m.onLabelResolved(label, func(targetNode asm.Node) {
			m.onLabelResolved(m.ImageBase, func(baseNode asm.Node) {
				disp := int64(targetNode.OffsetInBinary()) - int64(baseNode.OffsetInBinary())
				m.Asm.AddOnGenerateCallback(func(code []byte) error {
					return patchPlaceholder(code, node.OffsetInBinary(), next.OffsetInBinary(), placeholder, disp, width)
				})
			})
		})
	})
}

// patchPlaceholder overwrites, within code[from:to) -- the byte range of
// the one instruction a fixup's placeholder was embedded in -- the
// little-endian encoding of placeholder with value's, both width bytes
// wide.
func patchPlaceholder(code []byte, from, to asm.NodeOffsetInBinary, placeholder, value int64, width int) error {
	if to <= from || int(to) > len(code) {
		return fmt.Errorf("machine: fixup window [%d,%d) invalid for %d-byte program", from, to, len(code))
	}
	window := code[from:to]
	needle := make([]byte, width)
	switch width {
	case 4:
		binary.LittleEndian.PutUint32(needle, uint32(placeholder))
	default:
		binary.LittleEndian.PutUint64(needle, uint64(placeholder))
	}
	idx := bytes.Index(window, needle)
	if idx < 0 {
		return fmt.Errorf("machine: fixup placeholder %#x not found in its own instruction", uint64(placeholder))
	}
	switch width {
	case 4:
		binary.LittleEndian.PutUint32(window[idx:idx+4], uint32(value))
	default:
		binary.LittleEndian.PutUint64(window[idx:idx+8], uint64(value))
	}
	return nil
}
