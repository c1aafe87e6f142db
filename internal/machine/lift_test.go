package machine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"eaglevm/internal/asm"
	"eaglevm/internal/asm/amd64"
	"eaglevm/internal/ir"
	"eaglevm/internal/regs"
)

// noRegistersLeaked asserts every physical register m's contexts can draw
// from is free, the postcondition LiftBlock's ResetContexts call must
// leave a block's registers in.
func noRegistersLeaked(t *testing.T, m *Machine) {
	t.Helper()
	for _, c := range []*regs.Context{m.gprCtx, m.xmmCtx} {
		for _, class := range []regs.Class{regs.ClassGPR64, regs.ClassXMM128} {
			for _, r := range m.Regs.GetUnreservedTemps(class) {
				require.Falsef(t, c.InUse(r), "register %v still in use after lowering", r)
			}
		}
	}
}

func liftAndAssemble(t *testing.T, m *Machine, b *ir.Block) []byte {
	t.Helper()
	c := newTestContainer()
	require.NoError(t, m.LiftBlock(b, c))
	out, err := m.Asm.Assemble()
	require.NoError(t, err)
	return out
}

func TestLiftBlock_PushImmediateThenExit(t *testing.T) {
	m := newTestMachine(t, 1)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(42), Size: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0x1000}))

	out := liftAndAssemble(t, m, b)
	require.NotEmpty(t, out)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_PopDiscardsWithoutDest(t *testing.T) {
	m := newTestMachine(t, 2)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Pop{Size: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_DiscreteStoreRoundTrip(t *testing.T) {
	m := newTestMachine(t, 3)
	b := ir.NewBlock(0)
	s := b.Arena.New(ir.Size64)
	require.NoError(t, b.Append(ir.Pop{Size: ir.Size64, Dest: &s}))
	require.NoError(t, b.Append(ir.Push{Value: ir.StoreValue(s), Size: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_ArithNonPreserved(t *testing.T) {
	m := newTestMachine(t, 4)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(7), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(3), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Arith{Op: ir.ArithAdd, Size: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_ArithPreservedKeepsOperandsOnStack(t *testing.T) {
	m := newTestMachine(t, 5)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(7), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(3), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Arith{Op: ir.ArithShr, Size: ir.Size64, Preserved: true}))
	// A preserved op must leave three values (a, b, result) on the stack;
	// pop them all without error.
	require.NoError(t, b.Append(ir.Pop{Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Pop{Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Pop{Size: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_ResizeTruncates(t *testing.T) {
	m := newTestMachine(t, 6)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(0xFFFFFFFF), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Resize{From: ir.Size64, To: ir.Size32}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_SxSupportedPair(t *testing.T) {
	m := newTestMachine(t, 7)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(0x80), Size: ir.Size8}))
	require.NoError(t, b.Append(ir.Sx{From: ir.Size8, To: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_SxUnsupportedPairFails(t *testing.T) {
	m := newTestMachine(t, 8)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(1), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Sx{From: ir.Size64, To: ir.Size8}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	c := newTestContainer()
	require.Error(t, m.LiftBlock(b, c))
}

func TestLiftBlock_CntPreserved(t *testing.T) {
	m := newTestMachine(t, 9)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(0xFF), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Cnt{Size: ir.Size64, Preserved: true}))
	require.NoError(t, b.Append(ir.Pop{Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Pop{Size: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_Abs(t *testing.T) {
	m := newTestMachine(t, 10)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(0xFFFFFFFFFFFFFFFF), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Abs{Size: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_Log2(t *testing.T) {
	m := newTestMachine(t, 11)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(16), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Log2{Size: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_Dup(t *testing.T) {
	m := newTestMachine(t, 12)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(9), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Dup{Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Pop{Size: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_Cmp(t *testing.T) {
	m := newTestMachine(t, 13)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(5), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(3), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Cmp{Size: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_Carry(t *testing.T) {
	m := newTestMachine(t, 14)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(1), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(2), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(3), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Carry{Size: ir.Size64, Depth: 16}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_FlagsLoad(t *testing.T) {
	m := newTestMachine(t, 15)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.FlagsLoad{Flag: 6}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_MemReadWrite(t *testing.T) {
	m := newTestMachine(t, 16)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(0x1000), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.MemRead{Size: ir.Size64}))
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(0x2000), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.MemWrite{ValueSize: ir.Size64, WriteSize: ir.Size64, ValueNearest: false}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_ContextLoadStoreRoundTrip(t *testing.T) {
	m := newTestMachine(t, 17)
	virt := asm.Register(1)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.ContextLoad{VirtualReg: virt}))
	require.NoError(t, b.Append(ir.ContextStore{VirtualReg: virt, Size: ir.Size64}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_ContextRflagsRoundTrip(t *testing.T) {
	m := newTestMachine(t, 18)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.ContextRflagsLoad{}))
	require.NoError(t, b.Append(ir.Push{Value: ir.ImmValue(0xFF), Size: ir.Size64}))
	require.NoError(t, b.Append(ir.ContextRflagsStore{}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_VMEnterThenExit(t *testing.T) {
	m := newTestMachine(t, 19)
	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.VMEnter{}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_VMExitToBlockRef(t *testing.T) {
	m := newTestMachine(t, 20)
	b := ir.NewBlock(0)
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: false, Block: 1}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLiftBlock_NonVirtualBranch(t *testing.T) {
	// Assemble() is skipped here: the emitted jcc/jmp pair targets blocks 1
	// and 2, which this test never lowers, so their labels are never bound
	// and the jumps stay unresolved, which golang-asm's encoder isn't
	// guaranteed to tolerate.
	m := newTestMachine(t, 21)
	b := ir.NewBlock(0)
	require.NoError(t, b.Terminate(ir.Branch{Condition: ir.CondJE, Default: 1, Special: blockIDPtr(2)}))

	c := newTestContainer()
	require.NoError(t, m.LiftBlock(b, c))
	noRegistersLeaked(t, m)
}

func TestLiftBlock_VirtualBranchSynthesizesHandlerOnce(t *testing.T) {
	m := newTestMachine(t, 22)

	b1 := ir.NewBlock(0)
	require.NoError(t, b1.Terminate(ir.Branch{Condition: ir.CondJE, Default: 1, Special: blockIDPtr(2), Virtual: true}))

	c := newTestContainer()
	require.NoError(t, m.LiftBlock(b1, c))
	_, ok := m.InstructionHandler("jmp", "je")
	require.True(t, ok, "a virtual branch must register its condition's handler")

	b2 := ir.NewBlock(3)
	require.NoError(t, b2.Terminate(ir.Branch{Condition: ir.CondJE, Default: 1, Special: blockIDPtr(2), Virtual: true}))
	require.NoError(t, m.LiftBlock(b2, c))
	noRegistersLeaked(t, m)
}

func TestLiftBlock_VirtualUnconditionalJmp(t *testing.T) {
	m := newTestMachine(t, 23)
	b := ir.NewBlock(0)
	require.NoError(t, b.Terminate(ir.Branch{Condition: ir.CondJmp, Default: 1, Virtual: true}))

	c := newTestContainer()
	require.NoError(t, m.LiftBlock(b, c))
	noRegistersLeaked(t, m)
}

func TestLiftBlock_HandlerCallReusesRegisteredLabel(t *testing.T) {
	m := newTestMachine(t, 24)
	c := newTestContainer()

	b1 := ir.NewBlock(0)
	require.NoError(t, b1.Terminate(ir.Branch{Condition: ir.CondJB, Default: 1, Special: blockIDPtr(2), Virtual: true}))
	require.NoError(t, m.LiftBlock(b1, c))
	label1, ok := m.InstructionHandler("jmp", "jb")
	require.True(t, ok)

	b2 := ir.NewBlock(3)
	require.NoError(t, b2.Terminate(ir.Branch{Condition: ir.CondJB, Default: 1, Special: blockIDPtr(2), Virtual: true}))
	require.NoError(t, m.LiftBlock(b2, c))
	label2, ok := m.InstructionHandler("jmp", "jb")
	require.True(t, ok)

	require.Equal(t, label1, label2, "the same (mnemonic, signature) must not synthesize a second handler")
}

func TestLiftBlock_X86ExecRawEncode(t *testing.T) {
	m := newTestMachine(t, 25)
	vsp := m.Regs.GetVMReg(regs.RoleVSP)

	b := ir.NewBlock(0)
	require.NoError(t, b.Append(ir.X86Exec{
		Instruction: amd64.MOVQ,
		Dst:         asm.ZReg(vsp),
		Src:         asm.ZReg(vsp),
	}))
	require.NoError(t, b.Terminate(ir.VMExit{HasRVA: true, RVA: 0}))

	liftAndAssemble(t, m, b)
	noRegistersLeaked(t, m)
}

func TestLabelForBlock_StableAcrossCalls(t *testing.T) {
	m := newTestMachine(t, 26)
	l1 := m.LabelForBlock(5)
	l2 := m.LabelForBlock(5)
	require.Equal(t, l1, l2)

	l3 := m.LabelForBlock(6)
	require.NotEqual(t, l1, l3)
}

func blockIDPtr(id ir.BlockID) *ir.BlockID { return &id }
