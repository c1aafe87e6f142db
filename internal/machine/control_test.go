package machine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallVMHandler_BindsReturnLabelAfterCall(t *testing.T) {
	m := newTestMachine(t, 200)
	c := newTestContainer()
	target := m.NewLabel()

	before := c.Len()
	returnLabel, err := m.CallVMHandler(c, target)
	require.NoError(t, err)
	require.Greater(t, c.Len(), before, "call_vm_handler must append items to the container")
	require.NotZero(t, returnLabel)

	// Binding the same label a second time is a precondition violation.
	require.Error(t, c.BindLabel(returnLabel))
}

func TestCreateVMReturn_EmitsWithoutError(t *testing.T) {
	m := newTestMachine(t, 201)
	require.NotPanics(t, func() { m.CreateVMReturn() })
}
