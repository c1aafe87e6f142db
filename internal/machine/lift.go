package machine

import (
	"fmt"

	"eaglevm/internal/asm"
	"eaglevm/internal/asm/amd64"
	"eaglevm/internal/container"
	"eaglevm/internal/ir"
	"eaglevm/internal/regs"
	"eaglevm/internal/vmflags"
)

// LiftBlock runs spec.md §4.7's lift_block: compute backward liveness, then
// walk b's commands forward, lowering each to host instructions appended to
// c, releasing a discrete_store's register the moment its last use fires.
// Every ordinary value lives on the guest stack (VSP-relative, realized via
// EmitPush/EmitPop); a discrete_store promotes one such value into a
// register held across several commands instead of round-tripping through
// memory on every use.
func (m *Machine) LiftBlock(b *ir.Block, c *container.Container) error {
	st := &liftState{m: m, c: c, storeReg: map[ir.Store]asm.Register{}, storeBacked: map[asm.Register]bool{}}
	lastUse := ir.ComputeLastUse(b)

	cmds := b.Commands()
	for i, cmd := range cmds {
		if err := st.emit(cmd); err != nil {
			return fmt.Errorf("machine: lowering command %d of block %d: %w", i, b.ID, err)
		}
		for _, s := range lastUse[i] {
			st.releaseStore(s)
		}
	}
	m.ResetContexts()
	return nil
}

type liftState struct {
	m           *Machine
	c           *container.Container
	storeReg    map[ir.Store]asm.Register
	storeBacked map[asm.Register]bool
}

func (st *liftState) ctxGPR() *regs.Context { return st.m.ContextFor(regs.ClassGPR64) }
func (st *liftState) ctxXMM() *regs.Context { return st.m.ContextFor(regs.ClassXMM128) }

func (st *liftState) ctxFor(size ir.Size) *regs.Context {
	if size == ir.Size128 {
		return st.ctxXMM()
	}
	return st.ctxGPR()
}

func (st *liftState) releaseStore(s ir.Store) {
	r, ok := st.storeReg[s]
	if !ok {
		return
	}
	delete(st.storeReg, s)
	delete(st.storeBacked, r)
	st.m.ContextFor(regs.ClassOf(r)).Release(r)
}

// releaseTemp returns r to its context's free pool unless it is still
// backing a live discrete_store or is one of the machine's fixed VM/temp
// registers. The context never dispensed the fixed registers, so Release is
// already a no-op for them; a store-backed register was dispensed by the
// context, so it needs the explicit storeBacked guard.
func (st *liftState) releaseTemp(r asm.Register) {
	if st.storeBacked[r] {
		return
	}
	st.m.ContextFor(regs.ClassOf(r)).Release(r)
}

func movForSize(size ir.Size) asm.Instruction {
	switch size {
	case ir.Size8:
		return amd64.MOVB
	case ir.Size16, ir.Size32:
		return amd64.MOVL
	default:
		return amd64.MOVQ
	}
}

// popSize emits EmitPop into a freshly allocated register and returns it.
func (st *liftState) popSize(size ir.Size) (asm.Register, error) {
	class := regs.ClassGPR64
	if size == ir.Size128 {
		class = regs.ClassXMM128
	}
	r, err := st.ctxFor(size).GetAny(class)
	if err != nil {
		return 0, err
	}
	st.m.EmitPop(r, int64(size.Bytes()))
	return r, nil
}

// pushSize emits EmitPush of r then releases r if it was a transient temp.
func (st *liftState) pushSize(r asm.Register, size ir.Size) {
	st.m.EmitPush(r, int64(size.Bytes()))
	st.releaseTemp(r)
}

// materialize realizes v as a physical register holding its value, without
// consuming anything off the guest stack.
func (st *liftState) materialize(v ir.Value, size ir.Size) (asm.Register, error) {
	switch v.Kind {
	case ir.ValueImmediate:
		r, err := st.ctxGPR().GetAny(regs.ClassGPR64)
		if err != nil {
			return 0, err
		}
		st.m.Asm.CompileConstToRegister(amd64.MOVQ, int64(v.Immediate), r)
		return r, nil
	case ir.ValueBlockRef:
		r, err := st.ctxGPR().GetAny(regs.ClassGPR64)
		if err != nil {
			return 0, err
		}
		label := st.m.LabelForBlock(v.BlockRef)
		st.m.emitLabelFixup(8, label, func(placeholder int64) asm.Node {
			return st.m.Asm.CompileConstToRegister(amd64.MOVQ, placeholder, r)
		})
		return r, nil
	case ir.ValueStore:
		r, ok := st.storeReg[v.Store]
		if !ok {
			return 0, fmt.Errorf("machine: store %d read before it was bound", v.Store)
		}
		return r, nil
	case ir.ValueVMReg:
		return st.m.Regs.GetVMReg(v.VMReg), nil
	default:
		return 0, fmt.Errorf("machine: unknown value kind %d", v.Kind)
	}
}

func (st *liftState) emit(cmd ir.Command) error {
	switch c := cmd.(type) {
	case ir.Push:
		reg, err := st.materialize(c.Value, c.Size)
		if err != nil {
			return err
		}
		st.pushSize(reg, c.Size)
		return nil

	case ir.Pop:
		if c.Dest != nil {
			r, err := st.ctxGPR().GetAny(regs.ClassGPR64)
			if err != nil {
				return err
			}
			st.m.EmitPop(r, int64(c.Size.Bytes()))
			st.storeReg[*c.Dest] = r
			st.storeBacked[r] = true
			return nil
		}
		r, err := st.popSize(c.Size)
		if err != nil {
			return err
		}
		st.releaseTemp(r)
		return nil

	case ir.Arith:
		return st.emitArith(c)

	case ir.Resize:
		return st.emitResize(c)

	case ir.Sx:
		return st.emitSx(c)

	case ir.Cnt:
		return st.emitCnt(c)

	case ir.Abs:
		return st.emitAbs(c)

	case ir.Log2:
		return st.emitLog2(c)

	case ir.Dup:
		r, err := st.popSize(c.Size)
		if err != nil {
			return err
		}
		st.m.EmitPush(r, int64(c.Size.Bytes()))
		st.pushSize(r, c.Size)
		return nil

	case ir.Cmp:
		return st.emitCmp(c)

	case ir.Carry:
		return st.emitCarry(c)

	case ir.FlagsLoad:
		return st.emitFlagsLoad(c)

	case ir.MemRead:
		return st.emitMemRead(c)

	case ir.MemWrite:
		return st.emitMemWrite(c)

	case ir.ContextLoad:
		dest, err := st.ctxGPR().GetAny(regs.ClassGPR64)
		if err != nil {
			return err
		}
		if err := st.m.LoadRegister(c.VirtualReg, dest); err != nil {
			return err
		}
		st.pushSize(dest, ir.Size64)
		return nil

	case ir.ContextStore:
		src, err := st.popSize(c.Size)
		if err != nil {
			return err
		}
		err = st.m.StoreRegister(c.VirtualReg, src)
		st.releaseTemp(src)
		return err

	case ir.ContextRflagsLoad:
		vflags := st.m.Regs.GetVMReg(regs.RoleVFLAGS)
		r, err := st.ctxGPR().GetAny(regs.ClassGPR64)
		if err != nil {
			return err
		}
		st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, vflags, r)
		st.pushSize(r, ir.Size64)
		return nil

	case ir.ContextRflagsStore:
		mask, err := st.popSize(ir.Size64)
		if err != nil {
			return err
		}
		value, err := st.popSize(ir.Size64)
		if err != nil {
			return err
		}
		vflags := st.m.Regs.GetVMReg(regs.RoleVFLAGS)
		notMask, err := st.ctxGPR().GetAny(regs.ClassGPR64)
		if err != nil {
			return err
		}
		st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, mask, notMask)
		st.m.Asm.CompileRegisterToRegister(amd64.NOTQ, notMask, notMask)
		st.m.Asm.CompileRegisterToRegister(amd64.ANDQ, notMask, vflags)
		st.m.Asm.CompileRegisterToRegister(amd64.ANDQ, mask, value)
		st.m.Asm.CompileRegisterToRegister(amd64.ORQ, value, vflags)
		st.releaseTemp(notMask)
		st.releaseTemp(mask)
		st.releaseTemp(value)
		return nil

	case ir.Branch:
		return st.emitBranch(c)

	case ir.VMEnter:
		return st.m.EmitVMEnter(st.c, st.m.ImageBase, st.m.ReturnSlot)

	case ir.VMExit:
		return st.emitVMExit(c)

	case ir.HandlerCall:
		return st.emitHandlerCall(c)

	case ir.X86Dynamic:
		resolve := func(s ir.Store) asm.Register { return st.storeReg[s] }
		instr, dst, src := c.Encode(resolve)
		_, err := st.m.Asm.(asm.Encoder).Encode(instr, dst, src)
		return err

	case ir.X86Exec:
		_, err := st.m.Asm.(asm.Encoder).Encode(c.Instruction, c.Dst, c.Src)
		return err

	default:
		return fmt.Errorf("machine: unhandled command %T", cmd)
	}
}

func arithInstruction(op ir.ArithOp, size ir.Size) asm.Instruction {
	wide := size == ir.Size64
	switch op {
	case ir.ArithAdd:
		if wide {
			return amd64.ADDQ
		}
		return amd64.ADDL
	case ir.ArithSub:
		if wide {
			return amd64.SUBQ
		}
		return amd64.SUBL
	case ir.ArithAnd:
		if wide {
			return amd64.ANDQ
		}
		return amd64.ANDL
	case ir.ArithOr:
		if wide {
			return amd64.ORQ
		}
		return amd64.ORL
	case ir.ArithXor:
		if wide {
			return amd64.XORQ
		}
		return amd64.XORL
	case ir.ArithShl:
		return amd64.SHLQ
	case ir.ArithShr:
		return amd64.SHRQ
	case ir.ArithSmul:
		return amd64.IMULQ
	default:
		return amd64.NONE
	}
}

// emitArith pops (or peeks, if Preserved) the top two guest-stack values
// and computes resultReg = a op b, where b was the later (topmost) push.
// Preserved ops re-push a and b beneath the result, matching handlers.go's
// "result, count/rhs, operand/lhs" stack shape (spec.md §4.6).
func (st *liftState) emitArith(c ir.Arith) error {
	b, err := st.popSize(c.Size)
	if err != nil {
		return err
	}
	a, err := st.popSize(c.Size)
	if err != nil {
		return err
	}

	var result asm.Register
	if c.Preserved {
		result, err = st.ctxGPR().GetAny(regs.ClassGPR64)
		if err != nil {
			return err
		}
		st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, a, result)
	} else {
		result = a
	}

	if c.Op == ir.ArithShl || c.Op == ir.ArithShr {
		st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, b, amd64.REG_CX)
		st.m.Asm.CompileRegisterToRegister(arithInstruction(c.Op, c.Size), amd64.REG_CX, result)
	} else {
		st.m.Asm.CompileRegisterToRegister(arithInstruction(c.Op, c.Size), b, result)
	}

	if c.Preserved {
		st.m.EmitPush(a, int64(c.Size.Bytes()))
		st.m.EmitPush(b, int64(c.Size.Bytes()))
		st.m.EmitPush(result, int64(c.Size.Bytes()))
		st.releaseTemp(result)
	} else {
		st.releaseTemp(b)
		st.m.EmitPush(result, int64(c.Size.Bytes()))
		st.releaseTemp(result)
	}
	return nil
}

func (st *liftState) emitResize(c ir.Resize) error {
	r, err := st.popSize(c.From)
	if err != nil {
		return err
	}
	narrow := c.From
	if c.To < narrow {
		narrow = c.To
	}
	if narrow.Bits() < 64 {
		mask := int64(1)<<narrow.Bits() - 1
		st.m.Asm.CompileConstToRegister(amd64.ANDQ, mask, r)
	}
	st.pushSize(r, c.To)
	return nil
}

// sxInstructions enumerates the (From,To) pairs the host's movsx family
// natively supports; other width pairs aren't real x86 sign-extend forms.
var sxInstructions = map[[2]ir.Size]asm.Instruction{
	{ir.Size8, ir.Size32}:  amd64.MOVBLSX,
	{ir.Size8, ir.Size64}:  amd64.MOVBQSX,
	{ir.Size16, ir.Size32}: amd64.MOVWLSX,
	{ir.Size16, ir.Size64}: amd64.MOVWQSX,
	{ir.Size32, ir.Size64}: amd64.MOVLQSX,
}

func (st *liftState) emitSx(c ir.Sx) error {
	instr, ok := sxInstructions[[2]ir.Size{c.From, c.To}]
	if !ok {
		return fmt.Errorf("machine: unsupported sign-extend %v -> %v", c.From, c.To)
	}
	r, err := st.popSize(c.From)
	if err != nil {
		return err
	}
	st.m.Asm.CompileRegisterToRegister(instr, r, r)
	st.pushSize(r, c.To)
	return nil
}

// emitCnt implements popcount; per spec.md, an 8-bit operand is masked to
// its width before POPCNTQ since the host lacks a byte-width form.
func (st *liftState) emitCnt(c ir.Cnt) error {
	r, err := st.popSize(c.Size)
	if err != nil {
		return err
	}
	var orig asm.Register
	if c.Preserved {
		orig, err = st.ctxGPR().GetAny(regs.ClassGPR64)
		if err != nil {
			return err
		}
		st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, r, orig)
	}
	if c.Size.Bits() < 64 {
		mask := int64(1)<<c.Size.Bits() - 1
		st.m.Asm.CompileConstToRegister(amd64.ANDQ, mask, r)
	}
	st.m.Asm.CompileRegisterToRegister(amd64.POPCNTQ, r, r)
	if c.Preserved {
		st.m.EmitPush(orig, int64(c.Size.Bytes()))
		st.releaseTemp(orig)
	}
	st.pushSize(r, c.Size)
	return nil
}

// emitAbs computes a branchless two's-complement absolute value:
// mask = x >> (width-1) (arithmetic, all-ones iff x negative);
// abs = (x ^ mask) - mask.
func (st *liftState) emitAbs(c ir.Abs) error {
	r, err := st.popSize(c.Size)
	if err != nil {
		return err
	}
	var orig asm.Register
	if c.Preserved {
		orig, err = st.ctxGPR().GetAny(regs.ClassGPR64)
		if err != nil {
			return err
		}
		st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, r, orig)
	}
	mask, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, r, mask)
	st.m.Asm.CompileConstToRegister(amd64.SARQ, int64(c.Size.Bits()-1), mask)
	st.m.Asm.CompileRegisterToRegister(amd64.XORQ, mask, r)
	st.m.Asm.CompileRegisterToRegister(amd64.SUBQ, mask, r)
	st.releaseTemp(mask)
	if c.Preserved {
		st.m.EmitPush(orig, int64(c.Size.Bytes()))
		st.releaseTemp(orig)
	}
	st.pushSize(r, c.Size)
	return nil
}

// emitLog2 is bit-scan-reverse, relying on BSR leaving its destination
// unmodified when the source is zero (documented AMD behavior, commonly
// true on Intel too) to give input 0 a defined result of 0.
func (st *liftState) emitLog2(c ir.Log2) error {
	r, err := st.popSize(c.Size)
	if err != nil {
		return err
	}
	var orig asm.Register
	if c.Preserved {
		orig, err = st.ctxGPR().GetAny(regs.ClassGPR64)
		if err != nil {
			return err
		}
		st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, r, orig)
	}
	result, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileRegisterToRegister(amd64.XORQ, result, result)
	st.m.Asm.CompileRegisterToRegister(amd64.BSRQ, r, result)
	st.releaseTemp(r)
	if c.Preserved {
		st.m.EmitPush(orig, int64(c.Size.Bytes()))
		st.releaseTemp(orig)
	}
	st.pushSize(result, c.Size)
	return nil
}

// cmpFlagMask is the bit mask of the three comparison bits Cmp recomputes.
var cmpFlagMask = vmflags.AffectedMask(vmflags.Eq, vmflags.Le, vmflags.Ge)

// emitCmp pops b then a and recomputes VFLAGS.{eq,le,ge} from a branchless
// signed comparison of (a,b), via the same (x|-x)>>63 zero-test idiom the
// abs/log2 generators use (spec.md §4.4).
func (st *liftState) emitCmp(c ir.Cmp) error {
	b, err := st.popSize(c.Size)
	if err != nil {
		return err
	}
	a, err := st.popSize(c.Size)
	if err != nil {
		return err
	}

	diff, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, a, diff)
	st.m.Asm.CompileRegisterToRegister(amd64.SUBQ, b, diff)

	neg, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, diff, neg)
	st.m.Asm.CompileRegisterToRegister(amd64.NEGQ, neg, neg)

	nz, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, diff, nz)
	st.m.Asm.CompileRegisterToRegister(amd64.ORQ, neg, nz)
	st.m.Asm.CompileConstToRegister(amd64.SHRQ, int64(63), nz)
	st.m.Asm.CompileConstToRegister(amd64.ANDQ, 1, nz)

	eq, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, nz, eq)
	st.m.Asm.CompileConstToRegister(amd64.XORQ, 1, eq)

	// lt = sign(diff) & !eq (strict signed less-than).
	lt, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, diff, lt)
	st.m.Asm.CompileConstToRegister(amd64.SARQ, int64(c.Size.Bits()-1), lt)
	st.m.Asm.CompileConstToRegister(amd64.ANDQ, 1, lt)

	le, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, lt, le)
	st.m.Asm.CompileRegisterToRegister(amd64.ORQ, eq, le)

	ge, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, lt, ge)
	st.m.Asm.CompileConstToRegister(amd64.XORQ, 1, ge)

	st.m.Asm.CompileConstToRegister(amd64.SHLQ, int64(vmflags.Eq), eq)
	st.m.Asm.CompileConstToRegister(amd64.SHLQ, int64(vmflags.Le), le)
	st.m.Asm.CompileConstToRegister(amd64.SHLQ, int64(vmflags.Ge), ge)
	st.m.Asm.CompileRegisterToRegister(amd64.ORQ, le, eq)
	st.m.Asm.CompileRegisterToRegister(amd64.ORQ, ge, eq)

	vflags := st.m.Regs.GetVMReg(regs.RoleVFLAGS)
	notMask, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileConstToRegister(amd64.MOVQ, int64(^cmpFlagMask), notMask)
	st.m.Asm.CompileRegisterToRegister(amd64.ANDQ, notMask, vflags)
	st.m.Asm.CompileRegisterToRegister(amd64.ORQ, eq, vflags)

	for _, r := range []asm.Register{a, b, diff, neg, nz, eq, lt, le, ge, notMask} {
		st.releaseTemp(r)
	}
	return nil
}

// emitCarry implements the Open-Question-resolved semantics of spec.md §9:
// move the top-of-stack value down by Depth bytes, shifting the
// intervening Depth bytes upward by Size bytes, in 8-byte strides.
func (st *liftState) emitCarry(c ir.Carry) error {
	top, err := st.popSize(c.Size)
	if err != nil {
		return err
	}
	vsp := st.m.Regs.GetVMReg(regs.RoleVSP)
	tmp, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	for off := int64(0); off < int64(c.Depth); off += 8 {
		st.m.Asm.CompileMemoryToRegister(amd64.MOVQ, vsp, off, tmp)
		st.m.Asm.CompileRegisterToMemory(amd64.MOVQ, tmp, vsp, off-int64(c.Size.Bytes()))
	}
	st.releaseTemp(tmp)
	st.m.Asm.CompileRegisterToMemory(movForSize(c.Size), top, vsp, int64(c.Depth)-int64(c.Size.Bytes()))
	st.m.Asm.CompileConstToRegister(amd64.LEAQ, -int64(c.Size.Bytes()), vsp)
	st.releaseTemp(top)
	return nil
}

func (st *liftState) emitFlagsLoad(c ir.FlagsLoad) error {
	vflags := st.m.Regs.GetVMReg(regs.RoleVFLAGS)
	r, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, vflags, r)
	st.m.Asm.CompileConstToRegister(amd64.SHRQ, int64(c.Flag), r)
	st.m.Asm.CompileConstToRegister(amd64.ANDQ, 1, r)
	st.pushSize(r, ir.Size64)
	return nil
}

func (st *liftState) emitMemRead(c ir.MemRead) error {
	addr, err := st.popSize(ir.Size64)
	if err != nil {
		return err
	}
	dest, err := st.ctxGPR().GetAny(regs.ClassGPR64)
	if err != nil {
		return err
	}
	st.m.Asm.CompileMemoryToRegister(movForSize(c.Size), addr, 0, dest)
	st.releaseTemp(addr)
	st.pushSize(dest, c.Size)
	return nil
}

func (st *liftState) emitMemWrite(c ir.MemWrite) error {
	var value, addr asm.Register
	var err error
	if c.ValueNearest {
		value, err = st.popSize(c.ValueSize)
		if err != nil {
			return err
		}
		addr, err = st.popSize(ir.Size64)
		if err != nil {
			return err
		}
	} else {
		addr, err = st.popSize(ir.Size64)
		if err != nil {
			return err
		}
		value, err = st.popSize(c.ValueSize)
		if err != nil {
			return err
		}
	}
	st.m.Asm.CompileRegisterToMemory(movForSize(c.WriteSize), value, addr, 0)
	st.releaseTemp(value)
	st.releaseTemp(addr)
	return nil
}

func (st *liftState) emitVMExit(c ir.VMExit) error {
	vcsret := st.m.Regs.GetVMReg(regs.RoleVCSRET)
	if c.HasRVA {
		st.m.Asm.CompileConstToRegister(amd64.MOVQ, int64(c.RVA), vcsret)
	} else {
		label := st.m.LabelForBlock(c.Block)
		st.m.emitLabelFixup(8, label, func(placeholder int64) asm.Node {
			return st.m.Asm.CompileConstToRegister(amd64.MOVQ, placeholder, vcsret)
		})
	}
	return st.m.EmitVMExit()
}

func (st *liftState) emitBranch(br ir.Branch) error {
	if !br.Virtual {
		return st.m.EmitNonVirtualBranch(br)
	}
	push := func(v ir.Value, size ir.Size) error {
		r, err := st.materialize(v, size)
		if err != nil {
			return err
		}
		st.pushSize(r, size)
		return nil
	}
	return EmitVirtualBranch(br, push, st.emitHandlerCall)
}

func (st *liftState) emitHandlerCall(hc ir.HandlerCall) error {
	label, ok := st.m.InstructionHandler(hc.Mnemonic, hc.Signature)
	if !ok {
		var err error
		label, err = st.synthesizeHandler(hc)
		if err != nil {
			return err
		}
		st.m.RegisterInstructionHandler(hc.Mnemonic, hc.Signature, label)
	}
	_, err := st.m.CallVMHandler(st.c, label)
	return err
}

func (st *liftState) synthesizeHandler(hc ir.HandlerCall) (container.Label, error) {
	if hc.Mnemonic != "jmp" {
		return 0, fmt.Errorf("machine: no handler synthesizer registered for mnemonic %q", hc.Mnemonic)
	}
	cond, ok := conditionFromSignature(hc.Signature)
	if !ok {
		return 0, fmt.Errorf("machine: unknown jmp condition signature %q", hc.Signature)
	}

	label := st.m.NewLabel()
	if err := st.c.BindLabel(label); err != nil {
		return 0, err
	}
	st.m.BindLabelHere(label)

	vip := st.m.Regs.GetVMReg(regs.RoleVIP)
	vbase := st.m.Regs.GetVMReg(regs.RoleVBASE)

	if cond == ir.CondJmp {
		target, err := st.popSize(ir.Size64)
		if err != nil {
			return 0, err
		}
		st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, target, vip)
		st.releaseTemp(target)
	} else {
		special, err := st.popSize(ir.Size64)
		if err != nil {
			return 0, err
		}
		def, err := st.popSize(ir.Size64)
		if err != nil {
			return 0, err
		}
		condBit, err := st.emitCondBit(cond)
		if err != nil {
			return 0, err
		}
		diff, err := st.ctxGPR().GetAny(regs.ClassGPR64)
		if err != nil {
			return 0, err
		}
		st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, special, diff)
		st.m.Asm.CompileRegisterToRegister(amd64.SUBQ, def, diff)
		st.m.Asm.CompileRegisterToRegister(amd64.NEGQ, condBit, condBit)
		st.m.Asm.CompileRegisterToRegister(amd64.ANDQ, condBit, diff)
		st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, def, vip)
		st.m.Asm.CompileRegisterToRegister(amd64.ADDQ, diff, vip)
		st.releaseTemp(condBit)
		st.releaseTemp(diff)
		st.releaseTemp(special)
		st.releaseTemp(def)
	}
	st.m.Asm.CompileRegisterToRegister(amd64.ADDQ, vbase, vip)

	// jmp VIP. CompileJump only targets another Node in this assembler's
	// own stream, not a register, so the computed destination is spilled
	// to the host stack and reached via CompileJumpToMemory, mirroring
	// EmitVMExit.
	st.m.Asm.CompileRegisterToMemory(amd64.MOVQ, vip, amd64.REG_SP, -8)
	st.m.Asm.CompileJumpToMemory(amd64.JMP, amd64.REG_SP, -8)
	return label, nil
}

// emitCondBit evaluates cond from VFLAGS into a fresh 0/1 register.
// jcxz/jecxz/jrcxz test a guest register's value rather than a flag bit and
// are not supported through the handler-call path (spec.md §4.7 already
// excludes them from the inverted-lookup table for the same reason).
func (st *liftState) emitCondBit(cond ir.Condition) (asm.Register, error) {
	vflags := st.m.Regs.GetVMReg(regs.RoleVFLAGS)
	bit := func(flag vmflags.Flag) (asm.Register, error) {
		r, err := st.ctxGPR().GetAny(regs.ClassGPR64)
		if err != nil {
			return 0, err
		}
		st.m.Asm.CompileRegisterToRegister(amd64.MOVQ, vflags, r)
		st.m.Asm.CompileConstToRegister(amd64.SHRQ, int64(flag), r)
		st.m.Asm.CompileConstToRegister(amd64.ANDQ, 1, r)
		return r, nil
	}
	switch cond {
	case ir.CondJE:
		return bit(vmflags.ZF)
	case ir.CondJB:
		return bit(vmflags.CF)
	case ir.CondJS:
		return bit(vmflags.SF)
	case ir.CondJO:
		return bit(vmflags.OF)
	case ir.CondJP:
		return bit(vmflags.PF)
	case ir.CondJLE:
		return bit(vmflags.Le)
	case ir.CondJBE:
		cf, err := bit(vmflags.CF)
		if err != nil {
			return 0, err
		}
		zf, err := bit(vmflags.ZF)
		if err != nil {
			return 0, err
		}
		st.m.Asm.CompileRegisterToRegister(amd64.ORQ, zf, cf)
		st.releaseTemp(zf)
		return cf, nil
	case ir.CondJL:
		le, err := bit(vmflags.Le)
		if err != nil {
			return 0, err
		}
		eq, err := bit(vmflags.Eq)
		if err != nil {
			return 0, err
		}
		st.m.Asm.CompileConstToRegister(amd64.XORQ, 1, eq)
		st.m.Asm.CompileRegisterToRegister(amd64.ANDQ, eq, le)
		st.releaseTemp(eq)
		return le, nil
	default:
		return 0, fmt.Errorf("machine: condition %v not supported by virtual branch handler synthesis", cond)
	}
}
