package amd64

import (
	"fmt"

	goobj "github.com/twitchyliquid64/golang-asm/obj"
	x86obj "github.com/twitchyliquid64/golang-asm/obj/x86"

	"eaglevm/internal/asm"
	gasm "eaglevm/internal/asm/golang_asm"
)

// assembler is the amd64 Assembler, implemented on top of golang-asm. It
// translates the architecture-independent asm.AssemblerBase vocabulary
// (plus the Assembler extensions below) into obj.Prog instructions that
// golang-asm's own x86 encoder lowers to bytes.
type assembler struct {
	*gasm.BaseAssembler
}

// NewAssembler returns a fresh amd64 Assembler.
func NewAssembler() (Assembler, error) {
	b, err := gasm.NewBaseAssembler("amd64")
	if err != nil {
		return nil, err
	}
	return &assembler{BaseAssembler: b}, nil
}

var toGoObjRegister = map[asm.Register]int16{
	REG_AX: x86obj.REG_AX, REG_CX: x86obj.REG_CX, REG_DX: x86obj.REG_DX, REG_BX: x86obj.REG_BX,
	REG_SP: x86obj.REG_SP, REG_BP: x86obj.REG_BP, REG_SI: x86obj.REG_SI, REG_DI: x86obj.REG_DI,
	REG_R8: x86obj.REG_R8, REG_R9: x86obj.REG_R9, REG_R10: x86obj.REG_R10, REG_R11: x86obj.REG_R11,
	REG_R12: x86obj.REG_R12, REG_R13: x86obj.REG_R13, REG_R14: x86obj.REG_R14, REG_R15: x86obj.REG_R15,
	REG_X0: x86obj.REG_X0, REG_X1: x86obj.REG_X1, REG_X2: x86obj.REG_X2, REG_X3: x86obj.REG_X3,
	REG_X4: x86obj.REG_X4, REG_X5: x86obj.REG_X5, REG_X6: x86obj.REG_X6, REG_X7: x86obj.REG_X7,
	REG_X8: x86obj.REG_X8, REG_X9: x86obj.REG_X9, REG_X10: x86obj.REG_X10, REG_X11: x86obj.REG_X11,
	REG_X12: x86obj.REG_X12, REG_X13: x86obj.REG_X13, REG_X14: x86obj.REG_X14, REG_X15: x86obj.REG_X15,
}

func goObjRegister(r asm.Register) (int16, error) {
	v, ok := toGoObjRegister[r]
	if !ok {
		return 0, fmt.Errorf("unknown register %d", r)
	}
	return v, nil
}

var toGoObjOpcode = map[asm.Instruction]goobj.As{
	ADDL: x86obj.AADDL, ADDQ: x86obj.AADDQ, ANDL: x86obj.AANDL, ANDQ: x86obj.AANDQ,
	BSRQ: x86obj.ABSRQ, CDQ: x86obj.ACDQ, CQO: x86obj.ACQO, CMOVQCS: x86obj.ACMOVQCS,
	CMPQ: x86obj.ACMPQ, DECQ: x86obj.ADECQ, INCQ: x86obj.AINCQ,
	JCC: x86obj.AJCC, JCS: x86obj.AJCS, JEQ: x86obj.AJEQ, JGE: x86obj.AJGE, JGT: x86obj.AJGT,
	JHI: x86obj.AJHI, JLE: x86obj.AJLE, JLS: x86obj.AJLS, JLT: x86obj.AJLT, JMI: x86obj.AJMI,
	JNE: x86obj.AJNE, JPC: x86obj.AJPC, JPS: x86obj.AJPS,
	LEAQ: x86obj.ALEAQ, MOVB: x86obj.AMOVB, MOVL: x86obj.AMOVL, MOVQ: x86obj.AMOVQ,
	MOVBLSX: x86obj.AMOVBLSX, MOVBLZX: x86obj.AMOVBLZX, MOVBQSX: x86obj.AMOVBQSX, MOVBQZX: x86obj.AMOVBQZX,
	MOVWLSX: x86obj.AMOVWLSX, MOVWLZX: x86obj.AMOVWLZX, MOVWQSX: x86obj.AMOVWQSX, MOVWQZX: x86obj.AMOVWQZX,
	MOVLQSX: x86obj.AMOVLQSX, MOVLQZX: x86obj.AMOVLQZX, MOVDQU: x86obj.AMOVOU,
	NEGQ: x86obj.ANEGQ, NOTQ: x86obj.ANOTQ, ORL: x86obj.AORL, ORQ: x86obj.AORQ,
	POPCNTQ: x86obj.APOPCNTQ, POPFQ: x86obj.APOPFQ, POPQ: x86obj.APOPQ,
	PSHUFD: x86obj.APSHUFD, PSRLDQ: x86obj.APSRLDQ, PUSHFQ: x86obj.APUSHFQ, PUSHQ: x86obj.APUSHQ,
	RET: x86obj.ARET, ROLQ: x86obj.AROLQ, RORQ: x86obj.ARORQ, SARQ: x86obj.ASARQ,
	SHLQ: x86obj.ASHLQ, SHRQ: x86obj.ASHRQ, SUBL: x86obj.ASUBL, SUBQ: x86obj.ASUBQ,
	IMULQ: x86obj.AIMULQ, MULQ: x86obj.AMULQ, XORL: x86obj.AXORL, XORQ: x86obj.AXORQ,
	JMP: x86obj.AJMP, NOP: x86obj.ANOP,
}

func goObjOpcode(instruction asm.Instruction) (goobj.As, error) {
	v, ok := toGoObjOpcode[instruction]
	if !ok {
		return 0, fmt.Errorf("unknown instruction %d", instruction)
	}
	return v, nil
}

func regAddr(reg asm.Register) (goobj.Addr, error) {
	r, err := goObjRegister(reg)
	if err != nil {
		return goobj.Addr{}, err
	}
	return goobj.Addr{Type: goobj.TYPE_REG, Reg: r}, nil
}

func constAddr(value asm.ConstantValue) goobj.Addr {
	return goobj.Addr{Type: goobj.TYPE_CONST, Offset: value}
}

func memAddr(base asm.Register, offset asm.ConstantValue) (goobj.Addr, error) {
	b, err := goObjRegister(base)
	if err != nil {
		return goobj.Addr{}, err
	}
	return goobj.Addr{Type: goobj.TYPE_MEM, Reg: b, Offset: offset}, nil
}

func (a *assembler) newProg(instruction asm.Instruction) (*goobj.Prog, error) {
	op, err := goObjOpcode(instruction)
	if err != nil {
		return nil, err
	}
	p := a.NewProg()
	p.As = op
	return p, nil
}

// CompileStandAlone implements asm.AssemblerBase.
func (a *assembler) CompileStandAlone(instruction asm.Instruction) asm.Node {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	a.AddInstruction(p)
	return gasm.NewNode(p)
}

// CompileConstToRegister implements asm.AssemblerBase.
func (a *assembler) CompileConstToRegister(instruction asm.Instruction, value asm.ConstantValue, dst asm.Register) asm.Node {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	p.From = constAddr(value)
	to, err := regAddr(dst)
	if err != nil {
		panic(err)
	}
	p.To = to
	a.AddInstruction(p)
	return gasm.NewNode(p)
}

// CompileRegisterToRegister implements asm.AssemblerBase.
func (a *assembler) CompileRegisterToRegister(instruction asm.Instruction, from, to asm.Register) asm.Node {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	fa, err := regAddr(from)
	if err != nil {
		panic(err)
	}
	ta, err := regAddr(to)
	if err != nil {
		panic(err)
	}
	p.From, p.To = fa, ta
	a.AddInstruction(p)
	return gasm.NewNode(p)
}

// CompileMemoryToRegister implements asm.AssemblerBase.
func (a *assembler) CompileMemoryToRegister(instruction asm.Instruction, base asm.Register, offset asm.ConstantValue, dst asm.Register) asm.Node {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	fa, err := memAddr(base, offset)
	if err != nil {
		panic(err)
	}
	ta, err := regAddr(dst)
	if err != nil {
		panic(err)
	}
	p.From, p.To = fa, ta
	a.AddInstruction(p)
	return gasm.NewNode(p)
}

// CompileRegisterToMemory implements asm.AssemblerBase.
func (a *assembler) CompileRegisterToMemory(instruction asm.Instruction, src asm.Register, base asm.Register, offset asm.ConstantValue) asm.Node {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	fa, err := regAddr(src)
	if err != nil {
		panic(err)
	}
	ta, err := memAddr(base, offset)
	if err != nil {
		panic(err)
	}
	p.From, p.To = fa, ta
	a.AddInstruction(p)
	return gasm.NewNode(p)
}

// CompileJump implements asm.AssemblerBase. The target is resolved later
// via SetJumpTargetOnNext or Node.AssignJumpTarget.
func (a *assembler) CompileJump(instruction asm.Instruction) asm.Node {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	p.To = goobj.Addr{Type: goobj.TYPE_BRANCH}
	a.AddInstruction(p)
	return gasm.NewNode(p)
}

// CompileRegisterToRegisterWithArg implements asm.AssemblerBase, used for
// instructions such as PSRLDQ/PSHUFD that take an extra immediate byte.
func (a *assembler) CompileRegisterToRegisterWithArg(instruction asm.Instruction, from, to asm.Register, arg byte) asm.Node {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	fa, err := regAddr(from)
	if err != nil {
		panic(err)
	}
	ta, err := regAddr(to)
	if err != nil {
		panic(err)
	}
	p.From, p.To = constAddr(asm.ConstantValue(arg)), ta
	p.RestArgs = append(p.RestArgs, goobj.AddrPos{Addr: fa})
	a.AddInstruction(p)
	return gasm.NewNode(p)
}

// CompileJumpToMemory implements Assembler.
func (a *assembler) CompileJumpToMemory(instruction asm.Instruction, base asm.Register, offset asm.ConstantValue) {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	ta, err := memAddr(base, offset)
	if err != nil {
		panic(err)
	}
	p.To = ta
	a.AddInstruction(p)
}

// CompileMemoryWithIndexToRegister implements Assembler.
func (a *assembler) CompileMemoryWithIndexToRegister(instruction asm.Instruction, base asm.Register, offset int64, index asm.Register, scale int16, dst asm.Register) {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	fa, err := memAddr(base, offset)
	if err != nil {
		panic(err)
	}
	idx, err := goObjRegister(index)
	if err != nil {
		panic(err)
	}
	fa.Index, fa.Scale = idx, scale
	ta, err := regAddr(dst)
	if err != nil {
		panic(err)
	}
	p.From, p.To = fa, ta
	a.AddInstruction(p)
}

// CompileRegisterToMemoryWithIndex implements Assembler.
func (a *assembler) CompileRegisterToMemoryWithIndex(instruction asm.Instruction, src asm.Register, base asm.Register, offset int64, index asm.Register, scale int16) {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	fa, err := regAddr(src)
	if err != nil {
		panic(err)
	}
	ta, err := memAddr(base, offset)
	if err != nil {
		panic(err)
	}
	idx, err := goObjRegister(index)
	if err != nil {
		panic(err)
	}
	ta.Index, ta.Scale = idx, scale
	p.From, p.To = fa, ta
	a.AddInstruction(p)
}

// CompileRegisterToConst implements Assembler.
func (a *assembler) CompileRegisterToConst(instruction asm.Instruction, src asm.Register, value int64) asm.Node {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	fa, err := regAddr(src)
	if err != nil {
		panic(err)
	}
	p.From, p.To = fa, constAddr(value)
	a.AddInstruction(p)
	return gasm.NewNode(p)
}

// CompileRegisterToNone implements Assembler.
func (a *assembler) CompileRegisterToNone(instruction asm.Instruction, reg asm.Register) {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	fa, err := regAddr(reg)
	if err != nil {
		panic(err)
	}
	p.From = fa
	a.AddInstruction(p)
}

// CompileNoneToRegister implements Assembler.
func (a *assembler) CompileNoneToRegister(instruction asm.Instruction, reg asm.Register) {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	ta, err := regAddr(reg)
	if err != nil {
		panic(err)
	}
	p.To = ta
	a.AddInstruction(p)
}

// CompileNoneToMemory implements Assembler.
func (a *assembler) CompileNoneToMemory(instruction asm.Instruction, base asm.Register, offset int64) {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	ta, err := memAddr(base, offset)
	if err != nil {
		panic(err)
	}
	p.To = ta
	a.AddInstruction(p)
}

// CompileConstToMemory implements Assembler.
func (a *assembler) CompileConstToMemory(instruction asm.Instruction, value int64, base asm.Register, offset int64) asm.Node {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	ta, err := memAddr(base, offset)
	if err != nil {
		panic(err)
	}
	p.From, p.To = constAddr(value), ta
	a.AddInstruction(p)
	return gasm.NewNode(p)
}

// Encode implements asm.Encoder, dispatching on the operand kinds to the
// matching Compile* primitive. This is the concrete realization of
// spec.md §4.1's generic `encode(mnemonic, operands…) -> encoded`: callers
// that don't statically know an operand's shape (ir.X86Dynamic closures,
// handler generators picking a scratch register at generation time) build
// Operand values with asm.ZReg/ZMem/ZImm and let Encode pick the form.
func (a *assembler) Encode(instruction asm.Instruction, dst, src asm.Operand) (asm.Node, error) {
	switch {
	case dst.Kind == asm.OperandNone && src.Kind == asm.OperandNone:
		return a.CompileStandAlone(instruction), nil
	case dst.Kind == asm.OperandRegister && src.Kind == asm.OperandRegister:
		return a.CompileRegisterToRegister(instruction, src.Reg, dst.Reg), nil
	case dst.Kind == asm.OperandRegister && src.Kind == asm.OperandImmediate:
		return a.CompileConstToRegister(instruction, asm.ConstantValue(src.Imm.Value), dst.Reg), nil
	case dst.Kind == asm.OperandRegister && src.Kind == asm.OperandMemory:
		return a.CompileMemoryToRegister(instruction, src.Mem.Base, src.Mem.Disp, dst.Reg), nil
	case dst.Kind == asm.OperandMemory && src.Kind == asm.OperandRegister:
		return a.CompileRegisterToMemory(instruction, src.Reg, dst.Mem.Base, dst.Mem.Disp), nil
	case dst.Kind == asm.OperandMemory && src.Kind == asm.OperandImmediate:
		return a.CompileConstToMemory(instruction, asm.ConstantValue(src.Imm.Value), dst.Mem.Base, dst.Mem.Disp), nil
	case dst.Kind == asm.OperandImmediate && src.Kind == asm.OperandRegister:
		return a.CompileRegisterToConst(instruction, src.Reg, asm.ConstantValue(dst.Imm.Value)), nil
	default:
		return nil, fmt.Errorf("encode: unsupported operand combination dst=%v src=%v", dst.Kind, src.Kind)
	}
}

// CompileMemoryToConst implements Assembler.
func (a *assembler) CompileMemoryToConst(instruction asm.Instruction, base asm.Register, offset int64, value int64) asm.Node {
	p, err := a.newProg(instruction)
	if err != nil {
		panic(err)
	}
	fa, err := memAddr(base, offset)
	if err != nil {
		panic(err)
	}
	p.From, p.To = fa, constAddr(value)
	a.AddInstruction(p)
	return gasm.NewNode(p)
}
