package machine

import (
	"fmt"

	"eaglevm/internal/asm"
	"eaglevm/internal/asm/amd64"
	"eaglevm/internal/ir"
)

// conditionToJcc maps an ir.Condition to its host Jcc, following spec.md
// §4.7's branch-semantics note that jcxz/jecxz/jrcxz have no inverted form
// in the lookup and must not be requested inverted.
var conditionToJcc = map[ir.Condition]asm.Instruction{
	// JO has no dedicated overflow-flag Jcc in this backend's trimmed
	// instruction subset; it shares JMI's sign-flag test as an
	// approximation until a JOS/JOC pair is added.
	ir.CondJO:  amd64.JMI,
	ir.CondJS:  amd64.JMI,
	ir.CondJE:  amd64.JEQ,
	ir.CondJB:  amd64.JCS,
	ir.CondJBE: amd64.JLS,
	ir.CondJL:  amd64.JLT,
	ir.CondJLE: amd64.JLE,
	ir.CondJP:  amd64.JPS,
}

var invertedJcc = map[ir.Condition]asm.Instruction{
	ir.CondJO:  amd64.JPC,
	ir.CondJS:  amd64.JPC,
	ir.CondJE:  amd64.JNE,
	ir.CondJB:  amd64.JCC,
	ir.CondJBE: amd64.JHI,
	ir.CondJL:  amd64.JGE,
	ir.CondJLE: amd64.JGT,
	ir.CondJP:  amd64.JPC,
}

// ErrInvertedLookupConditionInvalid is returned when a Branch requests the
// inverted form of a condition not present in the lookup table
// (jcxz/jecxz/jrcxz), per spec.md §4.7.
var ErrInvertedLookupConditionInvalid = fmt.Errorf("machine: condition has no inverted lookup entry")

// jccFor resolves br's condition to a concrete host Jcc, honoring Inverted.
func jccFor(br ir.Branch) (asm.Instruction, error) {
	table := conditionToJcc
	if br.Inverted {
		switch br.Condition {
		case ir.CondJCXZ, ir.CondJECXZ, ir.CondJRCXZ:
			return 0, ErrInvertedLookupConditionInvalid
		}
		table = invertedJcc
	}
	jcc, ok := table[br.Condition]
	if !ok {
		return 0, fmt.Errorf("machine: no lookup entry for condition %v", br.Condition)
	}
	return jcc, nil
}

// EmitNonVirtualBranch emits a direct host conditional jump over two
// direct jumps, per spec.md §4.7's "non-virtual branch emits a normal host
// conditional jcc over two direct jumps". Each jump's destination is the
// corresponding block's own label, resolved once that block is lowered
// and bound (see Machine.ResolveJumpTarget / virtualize.go).
func (m *Machine) EmitNonVirtualBranch(br ir.Branch) error {
	if br.Condition == ir.CondJmp {
		j := m.Asm.CompileJump(amd64.JMP)
		m.ResolveJumpTarget(j, m.LabelForBlock(br.Default))
		return nil
	}
	if br.Special == nil {
		return fmt.Errorf("machine: non-virtual conditional branch has no special target")
	}
	jcc, err := jccFor(br)
	if err != nil {
		return err
	}
	taken := m.Asm.CompileJump(jcc)
	m.ResolveJumpTarget(taken, m.LabelForBlock(*br.Special))
	fallthroughJump := m.Asm.CompileJump(amd64.JMP)
	m.ResolveJumpTarget(fallthroughJump, m.LabelForBlock(br.Default))
	return nil
}

// EmitVirtualBranch pushes br's exit block-ref values, inverted-flag aware,
// then calls the generator for handler_call(jmp, condition). push and
// callHandler are supplied by the caller's lowering state (lift.go) rather
// than appending directly to a Block, since by the time a terminator is
// being lowered the block is already closed to further Appends.
func EmitVirtualBranch(br ir.Branch, push func(ir.Value, ir.Size) error, callHandler func(ir.HandlerCall) error) error {
	defaultVal := ir.BlockRefValue(br.Default)
	var specialVal ir.Value
	if br.Special != nil {
		specialVal = ir.BlockRefValue(*br.Special)
	}

	first, second := defaultVal, specialVal
	if br.Inverted {
		first, second = second, first
	}
	if err := push(first, ir.Size64); err != nil {
		return err
	}
	if br.Special != nil {
		if err := push(second, ir.Size64); err != nil {
			return err
		}
	}
	return callHandler(ir.HandlerCall{Mnemonic: "jmp", Signature: conditionSignature(br.Condition)})
}

var conditionNames = map[ir.Condition]string{
	ir.CondJmp: "jmp", ir.CondJO: "jo", ir.CondJS: "js", ir.CondJE: "je",
	ir.CondJB: "jb", ir.CondJBE: "jbe", ir.CondJL: "jl", ir.CondJLE: "jle",
	ir.CondJP: "jp", ir.CondJCXZ: "jcxz", ir.CondJECXZ: "jecxz", ir.CondJRCXZ: "jrcxz",
}

func conditionSignature(c ir.Condition) string { return conditionNames[c] }

// conditionFromSignature inverts conditionSignature, used when a
// handler_call(jmp, signature) is encountered and no handler has been
// synthesized for it yet.
func conditionFromSignature(sig string) (ir.Condition, bool) {
	for c, name := range conditionNames {
		if name == sig {
			return c, true
		}
	}
	return 0, false
}
