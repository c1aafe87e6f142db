package regs

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"eaglevm/internal/asm"
	"eaglevm/internal/asm/amd64"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	return mgr
}

func TestNewManager_RolesAndTempsDisjoint(t *testing.T) {
	mgr := newTestManager(t)

	seen := map[asm.Register]string{}
	for role := RoleVIP; role < roleCount; role++ {
		r := mgr.GetVMReg(role)
		require.True(t, amd64.IsGPR(r))
		_, dup := seen[r]
		require.Falsef(t, dup, "register %v assigned to more than one role", r)
		seen[r] = "role"
	}
	for i := 0; i < NumReservedTemps; i++ {
		r := mgr.GetReservedTemp(i)
		_, dup := seen[r]
		require.Falsef(t, dup, "reserved temp %v collides with a role register", r)
		seen[r] = "temp"
	}
	for _, r := range mgr.GetUnreservedTemps(ClassGPR64) {
		_, dup := seen[r]
		require.Falsef(t, dup, "unreserved register %v collides with a role/temp register", r)
	}
}

func TestGetRegisterMappedRanges_CoversFullWidthDisjointly(t *testing.T) {
	mgr := newTestManager(t)

	for _, v := range amd64.AllGPR64() {
		ranges := mgr.GetRegisterMappedRanges(v, 64)
		require.NotEmpty(t, ranges)

		covered := make([]bool, 64)
		for _, r := range ranges {
			require.Equal(t, r.Source.Width(), r.Dest.Width(), "source/dest width mismatch for %v", v)
			for bit := r.Source.From; bit < r.Source.To; bit++ {
				require.Falsef(t, covered[bit], "bit %d of register %v covered by more than one range", bit, v)
				covered[bit] = true
			}
		}
		for bit, c := range covered {
			require.Truef(t, c, "bit %d of register %v not covered by any mapped range", bit, v)
		}
	}
}

func TestGetRegisterMappedRanges_TruncatesToWidth(t *testing.T) {
	mgr := newTestManager(t)

	v := amd64.AllGPR64()[0]
	full := mgr.GetRegisterMappedRanges(v, 64)
	truncated := mgr.GetRegisterMappedRanges(v, 32)

	for _, r := range truncated {
		require.LessOrEqual(t, r.Source.To, uint(32))
	}
	require.LessOrEqual(t, len(truncated), len(full))
}

func TestCreateMappings_DestinationRangesNeverOverlap(t *testing.T) {
	mgr := newTestManager(t)

	type span struct{ from, to uint }
	byDest := map[asm.Register][]span{}
	for _, v := range amd64.AllGPR64() {
		for _, r := range mgr.GetRegisterMappedRanges(v, 64) {
			byDest[r.DestReg] = append(byDest[r.DestReg], span{r.Dest.From, r.Dest.To})
		}
	}
	for dest, spans := range byDest {
		for i := range spans {
			for j := range spans {
				if i == j {
					continue
				}
				overlap := spans[i].from < spans[j].to && spans[j].from < spans[i].to
				require.Falsef(t, overlap, "register %v has overlapping destination ranges %v and %v", dest, spans[i], spans[j])
			}
		}
	}
}

func TestContext_GetAnyAndRelease(t *testing.T) {
	mgr := newTestManager(t)
	ctx := NewContext(mgr)

	r, err := ctx.GetAny(ClassGPR64)
	require.NoError(t, err)
	require.True(t, ctx.InUse(r))

	ctx.Release(r)
	require.False(t, ctx.InUse(r))
}

func TestContext_PoolExhausted(t *testing.T) {
	mgr := newTestManager(t)
	ctx := NewContext(mgr)

	pool := mgr.GetUnreservedTemps(ClassGPR64)
	for range pool {
		_, err := ctx.GetAny(ClassGPR64)
		require.NoError(t, err)
	}
	_, err := ctx.GetAny(ClassGPR64)
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestContext_ScopeReleasesAllAssignedRegisters(t *testing.T) {
	mgr := newTestManager(t)
	ctx := NewContext(mgr)

	outer, err := ctx.GetAny(ClassGPR64)
	require.NoError(t, err)

	scope := ctx.CreateScope()
	inner1, err := ctx.GetAny(ClassGPR64)
	require.NoError(t, err)
	inner2, err := ctx.GetAny(ClassGPR64)
	require.NoError(t, err)

	ctx.ReleaseScope(scope)

	require.False(t, ctx.InUse(inner1))
	require.False(t, ctx.InUse(inner2))
	require.True(t, ctx.InUse(outer), "releasing a nested scope must not release the parent's registers")
}

func TestContext_Reserve(t *testing.T) {
	mgr := newTestManager(t)
	ctx := NewContext(mgr)

	regs, err := ctx.Reserve(ClassGPR64, 3)
	require.NoError(t, err)
	require.Len(t, regs, 3)
	for _, r := range regs {
		require.True(t, ctx.InUse(r))
	}
}

func TestContext_Reset(t *testing.T) {
	mgr := newTestManager(t)
	ctx := NewContext(mgr)

	r, err := ctx.GetAny(ClassGPR64)
	require.NoError(t, err)
	ctx.Reset()
	require.False(t, ctx.InUse(r))

	// The full pool must be available again after Reset.
	pool := mgr.GetUnreservedTemps(ClassGPR64)
	for range pool {
		_, err := ctx.GetAny(ClassGPR64)
		require.NoError(t, err)
	}
}

func TestSizeOfBits(t *testing.T) {
	require.Equal(t, Size8, SizeOfBits(8))
	require.Equal(t, Size32, SizeOfBits(17))
	require.Equal(t, Size64, SizeOfBits(64))
	require.Equal(t, Size128, SizeOfBits(65))
}
