package machine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"eaglevm/internal/container"
	"eaglevm/internal/settings"
)

func TestQueryLoadHandler_FirstCallGenerates(t *testing.T) {
	m := newTestMachine(t, 100)
	reg := m.Regs.GetReservedTemp(0)

	var generated int
	gen := func() (*container.Container, container.Label, error) {
		generated++
		return newTestContainer(), m.NewLabel(), nil
	}

	_, _, err := m.QueryLoadHandler(reg, gen)
	require.NoError(t, err)
	require.Equal(t, 1, generated)
}

func TestQueryLoadHandler_AlwaysReuseWhenChanceIsZero(t *testing.T) {
	m := newTestMachine(t, 101, settings.WithChanceToGenerateRegisterHandler(0))
	reg := m.Regs.GetReservedTemp(0)

	var generated int
	gen := func() (*container.Container, container.Label, error) {
		generated++
		return newTestContainer(), m.NewLabel(), nil
	}

	first, firstLabel, err := m.QueryLoadHandler(reg, gen)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		c, label, err := m.QueryLoadHandler(reg, gen)
		require.NoError(t, err)
		require.Same(t, first, c)
		require.Equal(t, firstLabel, label)
	}
	require.Equal(t, 1, generated, "a zero generate-chance must never mint a second variant")
}

func TestQueryLoadHandler_AlwaysGenerateWhenChanceIsOne(t *testing.T) {
	m := newTestMachine(t, 102, settings.WithChanceToGenerateRegisterHandler(1))
	reg := m.Regs.GetReservedTemp(0)

	var generated int
	gen := func() (*container.Container, container.Label, error) {
		generated++
		return newTestContainer(), m.NewLabel(), nil
	}

	for i := 0; i < 5; i++ {
		_, _, err := m.QueryLoadHandler(reg, gen)
		require.NoError(t, err)
	}
	require.Equal(t, 5, generated, "a chance of 1 must mint a fresh variant on every query")
}

func TestQueryLoadHandler_PropagatesGenerateError(t *testing.T) {
	m := newTestMachine(t, 103)
	reg := m.Regs.GetReservedTemp(0)

	_, _, err := m.QueryLoadHandler(reg, func() (*container.Container, container.Label, error) {
		return nil, 0, errBoom
	})
	require.Error(t, err)
}

func TestQueryStoreHandler_IndependentFromLoadHandler(t *testing.T) {
	m := newTestMachine(t, 104, settings.WithChanceToGenerateRegisterHandler(0))
	reg := m.Regs.GetReservedTemp(0)

	gen := func() (*container.Container, container.Label, error) {
		return newTestContainer(), m.NewLabel(), nil
	}

	_, loadLabel, err := m.QueryLoadHandler(reg, gen)
	require.NoError(t, err)
	_, storeLabel, err := m.QueryStoreHandler(reg, gen)
	require.NoError(t, err)

	require.NotEqual(t, loadLabel, storeLabel, "load and store handler tables must not share variants")
}

func TestPushPopHandler_RegisterAndLookup(t *testing.T) {
	m := newTestMachine(t, 105)
	reg := m.Regs.GetReservedTemp(0)

	_, ok := m.PushHandler(reg, 8)
	require.False(t, ok)

	label := m.NewLabel()
	m.RegisterPushHandler(reg, 8, label)
	got, ok := m.PushHandler(reg, 8)
	require.True(t, ok)
	require.Equal(t, label, got)

	_, ok = m.PushHandler(reg, 4)
	require.False(t, ok, "push handlers are keyed per (register, width)")

	popLabel := m.NewLabel()
	m.RegisterPopHandler(reg, 8, popLabel)
	got, ok = m.PopHandler(reg, 8)
	require.True(t, ok)
	require.Equal(t, popLabel, got)
}

func TestInstructionHandler_RegisterAndOverwrite(t *testing.T) {
	m := newTestMachine(t, 106)

	_, ok := m.InstructionHandler("jmp", "je")
	require.False(t, ok)

	l1 := m.NewLabel()
	m.RegisterInstructionHandler("jmp", "je", l1)
	got, ok := m.InstructionHandler("jmp", "je")
	require.True(t, ok)
	require.Equal(t, l1, got)

	l2 := m.NewLabel()
	m.RegisterInstructionHandler("jmp", "je", l2)
	got, ok = m.InstructionHandler("jmp", "je")
	require.True(t, ok)
	require.Equal(t, l2, got, "re-registering the same key must overwrite, not duplicate")
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errBoom = testErr("boom")
