package machine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"eaglevm/internal/regs"
	"eaglevm/internal/settings"
)

func TestEmitVMEnter_AppendsImageBaseThunk(t *testing.T) {
	m := newTestMachine(t, 210)
	c := newTestContainer()
	imageBase := m.NewLabel()

	before := c.Len()
	require.NoError(t, m.EmitVMEnter(c, imageBase, 0))
	require.Greater(t, c.Len(), before, "vm_enter must record a dependency on image_base's resolved RVA")
}

func TestEmitVMExit_DoesNotError(t *testing.T) {
	m := newTestMachine(t, 211)
	require.NoError(t, m.EmitVMExit())
}

func TestWorkingTemp_DeterministicWhenRandomizationDisabled(t *testing.T) {
	m := newTestMachine(t, 212, settings.WithRandomizeWorkingRegister(false))
	r, release, err := m.workingTemp(regs.ClassGPR64)
	require.NoError(t, err)
	require.Equal(t, m.Regs.GetReservedTemp(0), r)
	release()
}

func TestWorkingTemp_DrawsFromPoolWhenRandomized(t *testing.T) {
	m := newTestMachine(t, 213, settings.WithRandomizeWorkingRegister(true))
	r, release, err := m.workingTemp(regs.ClassGPR64)
	require.NoError(t, err)
	require.True(t, m.gprCtx.InUse(r))
	release()
	require.False(t, m.gprCtx.InUse(r))
}
