package machine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"eaglevm/internal/ir"
)

func TestJccFor_DefaultAndInvertedTables(t *testing.T) {
	jcc, err := jccFor(ir.Branch{Condition: ir.CondJE})
	require.NoError(t, err)
	require.Equal(t, conditionToJcc[ir.CondJE], jcc)

	inv, err := jccFor(ir.Branch{Condition: ir.CondJE, Inverted: true})
	require.NoError(t, err)
	require.Equal(t, invertedJcc[ir.CondJE], inv)
	require.NotEqual(t, jcc, inv)
}

func TestJccFor_InvertedJcxzFamilyFails(t *testing.T) {
	for _, cond := range []ir.Condition{ir.CondJCXZ, ir.CondJECXZ, ir.CondJRCXZ} {
		_, err := jccFor(ir.Branch{Condition: cond, Inverted: true})
		require.ErrorIs(t, err, ErrInvertedLookupConditionInvalid)
	}
}

func TestJccFor_UnknownConditionFails(t *testing.T) {
	_, err := jccFor(ir.Branch{Condition: ir.Condition(200)})
	require.Error(t, err)
}

func TestConditionSignatureRoundTrip(t *testing.T) {
	for cond, name := range conditionNames {
		require.Equal(t, name, conditionSignature(cond))
		got, ok := conditionFromSignature(name)
		require.True(t, ok)
		require.Equal(t, cond, got)
	}
}

func TestConditionFromSignature_UnknownFails(t *testing.T) {
	_, ok := conditionFromSignature("not-a-condition")
	require.False(t, ok)
}

func TestEmitVirtualBranch_PushesBothTargetsThenCallsHandler(t *testing.T) {
	special := ir.BlockID(7)
	br := ir.Branch{Condition: ir.CondJL, Default: 3, Special: &special, Virtual: true}

	var pushed []ir.Value
	push := func(v ir.Value, size ir.Size) error {
		require.Equal(t, ir.Size64, size)
		pushed = append(pushed, v)
		return nil
	}

	var calledWith ir.HandlerCall
	callHandler := func(hc ir.HandlerCall) error {
		calledWith = hc
		return nil
	}

	require.NoError(t, EmitVirtualBranch(br, push, callHandler))
	require.Len(t, pushed, 2)
	require.Equal(t, ir.BlockRefValue(3), pushed[0], "default pushes first when not inverted")
	require.Equal(t, ir.BlockRefValue(7), pushed[1])
	require.Equal(t, "jmp", calledWith.Mnemonic)
	require.Equal(t, "jl", calledWith.Signature)
}

func TestEmitVirtualBranch_InvertedSwapsOrder(t *testing.T) {
	special := ir.BlockID(7)
	br := ir.Branch{Condition: ir.CondJL, Default: 3, Special: &special, Inverted: true, Virtual: true}

	var pushed []ir.Value
	push := func(v ir.Value, size ir.Size) error {
		pushed = append(pushed, v)
		return nil
	}

	require.NoError(t, EmitVirtualBranch(br, push, func(ir.HandlerCall) error { return nil }))
	require.Equal(t, ir.BlockRefValue(7), pushed[0], "inverted swaps special ahead of default")
	require.Equal(t, ir.BlockRefValue(3), pushed[1])
}

func TestEmitVirtualBranch_UnconditionalSkipsSecondPush(t *testing.T) {
	br := ir.Branch{Condition: ir.CondJmp, Default: 3, Virtual: true}

	var pushed []ir.Value
	push := func(v ir.Value, size ir.Size) error {
		pushed = append(pushed, v)
		return nil
	}

	require.NoError(t, EmitVirtualBranch(br, push, func(ir.HandlerCall) error { return nil }))
	require.Len(t, pushed, 1, "an unconditional jmp has no special target to push")
}

func TestEmitVirtualBranch_PropagatesPushError(t *testing.T) {
	special := ir.BlockID(1)
	br := ir.Branch{Condition: ir.CondJE, Default: 0, Special: &special, Virtual: true}

	err := EmitVirtualBranch(br, func(ir.Value, ir.Size) error { return errBoom }, func(ir.HandlerCall) error { return nil })
	require.ErrorIs(t, err, errBoom)
}
