package eaglevm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"eaglevm/internal/ir"
	"eaglevm/internal/settings"
)

func TestDecodeBlocks_StraightLineIsOneBlock(t *testing.T) {
	// mov eax, ecx ; add eax, ecx
	code := []byte{0x89, 0xC8, 0x01, 0xC8}

	blocks, err := decodeBlocks(code)
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	term, ok := blocks[0].Terminator().(ir.VMExit)
	require.True(t, ok)
	require.True(t, term.HasRVA)
	require.Equal(t, uint64(len(code)), term.RVA)
}

func TestDecodeBlocks_UnconditionalJmpSplits(t *testing.T) {
	// jmp +2 ; mov eax, ecx (skipped by the jump) ; add eax, ecx (target)
	code := []byte{
		0xEB, 0x02, // jmp rel8 +2
		0x89, 0xC8, // mov eax, ecx
		0x01, 0xC8, // add eax, ecx
	}

	blocks, err := decodeBlocks(code)
	require.NoError(t, err)
	// boundaries: {0, 2 (fallthrough after the jmp), 4 (jmp target)}
	require.Len(t, blocks, 3)

	first, ok := blocks[0].Terminator().(ir.Branch)
	require.True(t, ok)
	require.Equal(t, ir.CondJmp, first.Condition)
	require.True(t, first.Virtual)
	require.Equal(t, blocks[2].ID, first.Default)

	// the dead mov-only block (offset 2, never reached) falls through to
	// the add block (offset 4) immediately after it.
	second, ok := blocks[1].Terminator().(ir.Branch)
	require.True(t, ok)
	require.Equal(t, blocks[2].ID, second.Default)

	third, ok := blocks[2].Terminator().(ir.VMExit)
	require.True(t, ok)
	require.Equal(t, uint64(len(code)), third.RVA)
}

func TestDecodeBlocks_ConditionalBranchSplitsIntoThreeBlocks(t *testing.T) {
	// cmp eax, ecx ; je +2 ; mov eax, ecx ; add eax, ecx (je target)
	code := []byte{
		0x39, 0xC8, // cmp eax, ecx
		0x74, 0x02, // je rel8 +2
		0x89, 0xC8, // mov eax, ecx
		0x01, 0xC8, // add eax, ecx
	}

	blocks, err := decodeBlocks(code)
	require.NoError(t, err)
	// boundaries: {0, 4 (fallthrough after the je), 6 (je target)} -- cmp+je
	// share a block, then the mov-block, then the add-block. Offsets: 0, 4, 6.
	require.Len(t, blocks, 3)

	head, ok := blocks[0].Terminator().(ir.Branch)
	require.True(t, ok)
	require.Equal(t, ir.CondJE, head.Condition)
	require.False(t, head.Inverted)
	require.NotNil(t, head.Special)
	// offsets 0,4,6 split into three blocks: cmp+je, the dead mov, and the
	// je target (add). Special is the taken branch, Default the fallthrough.
	require.Equal(t, blocks[2].ID, *head.Special)
	require.Equal(t, blocks[1].ID, head.Default)
}

func TestDecodeBlocks_RetLowersToVMExit(t *testing.T) {
	// mov eax, ecx ; ret
	code := []byte{0x89, 0xC8, 0xC3}

	blocks, err := decodeBlocks(code)
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	term, ok := blocks[0].Terminator().(ir.VMExit)
	require.True(t, ok)
	require.True(t, term.HasRVA)
	require.Equal(t, uint64(len(code)), term.RVA)
}

func TestDecodeBlocks_EmptyInputYieldsNoBlocks(t *testing.T) {
	blocks, err := decodeBlocks(nil)
	require.NoError(t, err)
	require.Empty(t, blocks)
}

func TestDecodeBlocks_UnsupportedMnemonicErrors(t *testing.T) {
	// call rel32 -- not in lifter.Table, not a recognized terminator either.
	code := []byte{0xE8, 0x00, 0x00, 0x00, 0x00}

	_, err := decodeBlocks(code)
	require.Error(t, err)
}

// Virtualize is exercised only at the smoke-test level: it must lower
// simple straight-line and branching code without error and produce a
// non-empty code blob. Byte-level jump-target correctness is not
// asserted here.
func TestVirtualize_StraightLineSmoke(t *testing.T) {
	// mov eax, ecx ; add eax, ecx ; ret
	code := []byte{0x89, 0xC8, 0x01, 0xC8, 0xC3}

	out, err := Virtualize(code, 0x1000, settings.Default(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NotEmpty(t, out.Code)
}

func TestVirtualize_BranchingSmoke(t *testing.T) {
	// cmp eax, ecx ; je +2 ; mov eax, ecx ; add eax, ecx ; ret
	code := []byte{
		0x39, 0xC8,
		0x74, 0x02,
		0x89, 0xC8,
		0x01, 0xC8,
		0xC3,
	}

	out, err := Virtualize(code, 0, settings.Default(), nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, out.Code)
	require.NotEmpty(t, out.Labels)
}

func TestVirtualize_EmptyInputFails(t *testing.T) {
	_, err := Virtualize(nil, 0, settings.Default(), nil, nil)
	require.ErrorIs(t, err, ErrEmptyInput)
}
