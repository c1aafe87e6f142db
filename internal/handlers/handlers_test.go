package handlers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"eaglevm/internal/ir"
)

func TestGenerate_ShrEmitsPreservedShiftAndFlagStore(t *testing.T) {
	b := ir.NewBlock(0)
	require.NoError(t, Generate(b, ir.ArithShr, ir.Size64))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	cmds := b.Commands()
	require.NotEmpty(t, cmds)

	shift, ok := cmds[0].(ir.Arith)
	require.True(t, ok)
	require.Equal(t, ir.ArithShr, shift.Op)
	require.True(t, shift.Preserved, "shr handler must preserve its operands for flag recomputation")

	var sawRflagsLoad, sawRflagsStore bool
	for _, c := range cmds {
		switch c.Kind() {
		case ir.KindContextRflagsLoad:
			sawRflagsLoad = true
		case ir.KindContextRflagsStore:
			sawRflagsStore = true
		}
	}
	require.True(t, sawRflagsLoad)
	require.True(t, sawRflagsStore)
}

func TestGenerate_UnknownOpFails(t *testing.T) {
	b := ir.NewBlock(0)
	err := Generate(b, ir.ArithOp(200), ir.Size64)
	require.Error(t, err)
}

func TestGenerate_SmulPreservesOperandsAndRecomputesFlags(t *testing.T) {
	b := ir.NewBlock(0)
	require.NoError(t, Generate(b, ir.ArithSmul, ir.Size32))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	cmds := b.Commands()
	require.NotEmpty(t, cmds)

	mul, ok := cmds[0].(ir.Arith)
	require.True(t, ok)
	require.Equal(t, ir.ArithSmul, mul.Op)
	require.True(t, mul.Preserved, "smul handler must preserve its operands for flag recomputation")

	var sawRflagsLoad, sawRflagsStore bool
	for _, c := range cmds {
		switch c.Kind() {
		case ir.KindContextRflagsLoad:
			sawRflagsLoad = true
		case ir.KindContextRflagsStore:
			sawRflagsStore = true
		}
	}
	require.True(t, sawRflagsLoad)
	require.True(t, sawRflagsStore)
}

func TestGenerate_AllRegisteredOpsProduceNonEmptyBody(t *testing.T) {
	for op := range Generators {
		b := ir.NewBlock(0)
		require.NoError(t, Generate(b, op, ir.Size32))
		require.NotEmpty(t, b.Commands())
	}
}
