package machine

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"eaglevm/internal/asm/amd64"
	"eaglevm/internal/container"
	"eaglevm/internal/regs"
	"eaglevm/internal/settings"
)

// newTestMachine builds a Machine over a real golang-asm assembler and a
// deterministically seeded register manager, for tests that lower IR and
// need Assemble() to actually succeed.
func newTestMachine(t *testing.T, seed int64, opts ...settings.Option) *Machine {
	t.Helper()
	a, err := amd64.NewAssembler()
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(seed))
	mgr, err := regs.NewManager(rng)
	require.NoError(t, err)

	m := New(a, mgr, settings.New(opts...), rng)
	m.SetEntryParams(m.NewLabel(), 0)
	return m
}

func newTestContainer() *container.Container { return container.New() }
