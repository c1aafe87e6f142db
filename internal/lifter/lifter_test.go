package lifter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"eaglevm/internal/decode"
	"eaglevm/internal/ir"
)

func decodeOne(t *testing.T, code []byte) *decode.Inst {
	t.Helper()
	inst, err := decode.Decode(code)
	require.NoError(t, err)
	return inst
}

func TestLift_MovRegImm64(t *testing.T) {
	// mov rax, 0x1122334455667788
	code := []byte{0x48, 0xB8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	inst := decodeOne(t, code)

	b := ir.NewBlock(0)
	require.NoError(t, Lift(b, inst))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	var sawStore bool
	for _, c := range b.Commands() {
		if cs, ok := c.(ir.ContextStore); ok {
			sawStore = true
			require.Equal(t, ir.Size64, cs.Size)
		}
	}
	require.True(t, sawStore, "mov must context_store its destination register")
}

func TestLift_ShrRax4(t *testing.T) {
	// shr rax, 4
	code := []byte{0x48, 0xC1, 0xE8, 0x04}
	inst := decodeOne(t, code)

	b := ir.NewBlock(0)
	require.NoError(t, Lift(b, inst))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	var sawShift, sawFlagsStore bool
	for _, c := range b.Commands() {
		switch v := c.(type) {
		case ir.Arith:
			if v.Op == ir.ArithShr {
				sawShift = true
			}
		case ir.ContextRflagsStore:
			sawFlagsStore = true
		}
	}
	require.True(t, sawShift)
	require.True(t, sawFlagsStore)
}

func TestLift_PushPopRoundTripShape(t *testing.T) {
	// push rcx
	pushCode := []byte{0x51}
	pushInst := decodeOne(t, pushCode)

	b := ir.NewBlock(0)
	require.NoError(t, Lift(b, pushInst))

	var sawPop, sawPush bool
	for _, c := range b.Commands() {
		switch c.Kind() {
		case ir.KindPop:
			sawPop = true
		case ir.KindPush:
			sawPush = true
		}
	}
	require.True(t, sawPop, "push lowers through a discrete_store bound by an IR pop")
	require.True(t, sawPush)
}

func TestLift_CmpEmitsNoDestinationWrite(t *testing.T) {
	// cmp rax, rbx
	code := []byte{0x48, 0x39, 0xD8}
	inst := decodeOne(t, code)

	b := ir.NewBlock(0)
	require.NoError(t, Lift(b, inst))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	for _, c := range b.Commands() {
		require.NotEqual(t, ir.KindContextStore, c.Kind(), "cmp must not write back to a destination register")
	}
}

func TestLift_ImulTwoOperandForm(t *testing.T) {
	// imul eax, ecx
	code := []byte{0x0F, 0xAF, 0xC1}
	inst := decodeOne(t, code)

	b := ir.NewBlock(0)
	require.NoError(t, Lift(b, inst))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	var sawMul bool
	for _, c := range b.Commands() {
		if v, ok := c.(ir.Arith); ok && v.Op == ir.ArithSmul {
			sawMul = true
			require.True(t, v.Preserved)
		}
	}
	require.True(t, sawMul, "imul dst, src must lower to a preserved ArithSmul")
}

func TestLift_UnsupportedMnemonic(t *testing.T) {
	// ret
	code := []byte{0xC3}
	inst := decodeOne(t, code)

	b := ir.NewBlock(0)
	err := Lift(b, inst)
	require.ErrorIs(t, err, ErrUnsupported)
}
