package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlock_AppendAndTerminate(t *testing.T) {
	b := NewBlock(0)
	require.NoError(t, b.Append(Push{Value: ImmValue(1), Size: Size64}))
	require.False(t, b.IsTerminated())

	require.NoError(t, b.Terminate(VMExit{HasRVA: true, RVA: 0x1000}))
	require.True(t, b.IsTerminated())
	require.Equal(t, KindVMExit, b.Terminator().Kind())
}

func TestBlock_AppendAfterTerminateFails(t *testing.T) {
	b := NewBlock(0)
	require.NoError(t, b.Terminate(VMExit{HasRVA: true, RVA: 0}))
	require.Error(t, b.Append(Push{Value: ImmValue(1), Size: Size64}))
}

func TestBlock_TerminateTwiceFails(t *testing.T) {
	b := NewBlock(0)
	require.NoError(t, b.Terminate(VMExit{HasRVA: true, RVA: 0}))
	require.Error(t, b.Terminate(VMExit{HasRVA: true, RVA: 0}))
}

func TestBlock_AppendRejectsTerminatorShapedCommand(t *testing.T) {
	b := NewBlock(0)
	require.Error(t, b.Append(VMExit{HasRVA: true, RVA: 0}))
}

func TestArena_Lifecycle(t *testing.T) {
	a := NewArena()
	s := a.New(Size64)
	require.False(t, a.IsFinalized(s))
	require.False(t, a.IsReleased(s))

	require.NoError(t, a.Finalize(s))
	require.True(t, a.IsFinalized(s))

	require.Error(t, a.Finalize(s), "double finalize must fail")

	a.Release(s)
	require.True(t, a.IsReleased(s))
}

func TestComputeLastUse_ReleasesAtLastReference(t *testing.T) {
	b := NewBlock(0)
	s := b.Arena.New(Size64)

	require.NoError(t, b.Append(Pop{Size: Size64, Dest: &s}))
	require.NoError(t, b.Append(Push{Value: StoreValue(s), Size: Size64}))
	require.NoError(t, b.Append(Push{Value: StoreValue(s), Size: Size64}))
	require.NoError(t, b.Terminate(VMExit{HasRVA: true, RVA: 0}))

	last := ComputeLastUse(b)

	// s is used at indices 0, 1, 2; its last use must be index 2 only.
	require.Contains(t, last[2], s)
	require.NotContains(t, last[0], s)
	require.NotContains(t, last[1], s)
}

func TestComputeLastUse_EachStoreReleasedExactlyOnce(t *testing.T) {
	b := NewBlock(0)
	s1 := b.Arena.New(Size32)
	s2 := b.Arena.New(Size64)

	require.NoError(t, b.Append(Pop{Size: Size32, Dest: &s1}))
	require.NoError(t, b.Append(Pop{Size: Size64, Dest: &s2}))
	require.NoError(t, b.Append(Push{Value: StoreValue(s1), Size: Size32}))
	require.NoError(t, b.Append(Push{Value: StoreValue(s2), Size: Size64}))
	require.NoError(t, b.Terminate(VMExit{HasRVA: true, RVA: 0}))

	last := ComputeLastUse(b)

	count := map[Store]int{}
	for _, stores := range last {
		for _, s := range stores {
			count[s]++
		}
	}
	require.Equal(t, 1, count[s1])
	require.Equal(t, 1, count[s2])
}
