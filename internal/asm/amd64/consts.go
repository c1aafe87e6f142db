package amd64

import "eaglevm/internal/asm"

// Conditional register states, independent of how a given Jcc instruction
// encodes them on the wire. branch lowering (internal/machine) maps an IR
// exit_condition onto one of these before picking the matching Jcc.
// https://www.lri.fr/~filliatr/ens/compil/x86-64.pdf
const (
	ConditionalRegisterStateE  = asm.ConditionalRegisterStateUnset + 1 + iota // ZF==1
	ConditionalRegisterStateNE                                               // ZF==0
	ConditionalRegisterStateS                                                // SF==1
	ConditionalRegisterStateNS                                               // SF==0
	ConditionalRegisterStateG                                                // signed >
	ConditionalRegisterStateGE                                               // signed >=
	ConditionalRegisterStateL                                                // signed <
	ConditionalRegisterStateLE                                               // signed <=
	ConditionalRegisterStateA                                                // unsigned >
	ConditionalRegisterStateAE                                               // unsigned >=
	ConditionalRegisterStateB                                                // unsigned <
	ConditionalRegisterStateBE                                               // unsigned <=
	ConditionalRegisterStateP                                                // PF==1
	ConditionalRegisterStateNP                                               // PF==0
)

// Instructions. Only the subset the handler generators and machine backend
// actually emit is enumerated here -- the VM's *output* vocabulary is much
// narrower than the x86-64 it's willing to *lift*, since many lifted
// mnemonics lower to the same handful of host primitives (e.g. every
// lifted arithmetic op ends up as a handler_call; only the handler bodies
// themselves and the push/pop/context plumbing need raw encodings).
// Naming follows the Go assembler's convention: https://go.dev/doc/asm
const (
	NONE asm.Instruction = iota
	ADDL
	ADDQ
	ANDL
	ANDQ
	BSRQ
	CDQ
	CQO
	CMOVQCS
	CMPQ
	DECQ
	INCQ
	JCC
	JCS
	JEQ
	JGE
	JGT
	JHI
	JLE
	JLS
	JLT
	JMI
	JNE
	JPC
	JPS
	LEAQ
	MOVB
	MOVL
	MOVQ
	MOVBLSX
	MOVBLZX
	MOVBQSX
	MOVBQZX
	MOVWLSX
	MOVWLZX
	MOVWQSX
	MOVWQZX
	MOVLQSX
	MOVLQZX
	MOVDQU
	NEGQ
	NOTQ
	ORL
	ORQ
	POPCNTQ
	POPFQ
	POPQ
	PSHUFD
	PSRLDQ
	PUSHFQ
	PUSHQ
	RET
	ROLQ
	RORQ
	SARQ
	SHLQ
	SHRQ
	SUBL
	SUBQ
	IMULQ
	MULQ
	XORL
	XORQ
	JMP
	NOP
)

var instructionNames = map[asm.Instruction]string{
	ADDL: "ADDL", ADDQ: "ADDQ", ANDL: "ANDL", ANDQ: "ANDQ", BSRQ: "BSRQ",
	CDQ: "CDQ", CQO: "CQO", CMOVQCS: "CMOVQCS", CMPQ: "CMPQ", DECQ: "DECQ",
	INCQ: "INCQ", JCC: "JCC", JCS: "JCS", JEQ: "JEQ", JGE: "JGE", JGT: "JGT",
	JHI: "JHI", JLE: "JLE", JLS: "JLS", JLT: "JLT", JMI: "JMI", JNE: "JNE",
	JPC: "JPC", JPS: "JPS", LEAQ: "LEAQ", MOVB: "MOVB", MOVL: "MOVL",
	MOVQ: "MOVQ", MOVBLSX: "MOVBLSX", MOVBLZX: "MOVBLZX", MOVBQSX: "MOVBQSX",
	MOVBQZX: "MOVBQZX", MOVWLSX: "MOVWLSX", MOVWLZX: "MOVWLZX",
	MOVWQSX: "MOVWQSX", MOVWQZX: "MOVWQZX", MOVLQSX: "MOVLQSX",
	MOVLQZX: "MOVLQZX", MOVDQU: "MOVDQU", NEGQ: "NEGQ", NOTQ: "NOTQ",
	ORL: "ORL", ORQ: "ORQ", POPCNTQ: "POPCNTQ", POPFQ: "POPFQ", POPQ: "POPQ",
	PSHUFD: "PSHUFD", PSRLDQ: "PSRLDQ", PUSHFQ: "PUSHFQ", PUSHQ: "PUSHQ",
	RET: "RET", ROLQ: "ROLQ", RORQ: "RORQ", SARQ: "SARQ", SHLQ: "SHLQ",
	SHRQ: "SHRQ", SUBL: "SUBL", SUBQ: "SUBQ", IMULQ: "IMULQ", MULQ: "MULQ",
	XORL: "XORL", XORQ: "XORQ", JMP: "JMP", NOP: "NOP",
}

// InstructionName returns the Go-assembler-style mnemonic for instruction,
// used only for Node.String() diagnostics.
func InstructionName(instruction asm.Instruction) string {
	if n, ok := instructionNames[instruction]; ok {
		return n
	}
	return "UNKNOWN"
}

// General purpose and vector registers. Values are contiguous so a register
// manager can range over [REG_AX, REG_R15] for GPR64s and
// [REG_X0, REG_X15] for XMM128s without a lookup table.
const (
	REG_AX asm.Register = asm.NilRegister + 1 + iota
	REG_CX
	REG_DX
	REG_BX
	REG_SP
	REG_BP
	REG_SI
	REG_DI
	REG_R8
	REG_R9
	REG_R10
	REG_R11
	REG_R12
	REG_R13
	REG_R14
	REG_R15
	REG_X0
	REG_X1
	REG_X2
	REG_X3
	REG_X4
	REG_X5
	REG_X6
	REG_X7
	REG_X8
	REG_X9
	REG_X10
	REG_X11
	REG_X12
	REG_X13
	REG_X14
	REG_X15
)

var registerNames = map[asm.Register]string{
	REG_AX: "AX", REG_CX: "CX", REG_DX: "DX", REG_BX: "BX",
	REG_SP: "SP", REG_BP: "BP", REG_SI: "SI", REG_DI: "DI",
	REG_R8: "R8", REG_R9: "R9", REG_R10: "R10", REG_R11: "R11",
	REG_R12: "R12", REG_R13: "R13", REG_R14: "R14", REG_R15: "R15",
	REG_X0: "X0", REG_X1: "X1", REG_X2: "X2", REG_X3: "X3",
	REG_X4: "X4", REG_X5: "X5", REG_X6: "X6", REG_X7: "X7",
	REG_X8: "X8", REG_X9: "X9", REG_X10: "X10", REG_X11: "X11",
	REG_X12: "X12", REG_X13: "X13", REG_X14: "X14", REG_X15: "X15",
}

// RegisterName returns the Go-assembler-style register name, or "nil".
func RegisterName(reg asm.Register) string {
	if n, ok := registerNames[reg]; ok {
		return n
	}
	return "nil"
}

// IsGPR reports whether reg is one of the 16 general purpose registers.
func IsGPR(reg asm.Register) bool { return reg >= REG_AX && reg <= REG_R15 }

// IsXMM reports whether reg is one of the 16 vector registers.
func IsXMM(reg asm.Register) bool { return reg >= REG_X0 && reg <= REG_X15 }

// AllGPR64 returns the 16 general purpose registers in encoding order.
func AllGPR64() []asm.Register {
	regs := make([]asm.Register, 0, 16)
	for r := REG_AX; r <= REG_R15; r++ {
		regs = append(regs, r)
	}
	return regs
}

// AllXMM returns the 16 vector registers in encoding order.
func AllXMM() []asm.Register {
	regs := make([]asm.Register, 0, 16)
	for r := REG_X0; r <= REG_X15; r++ {
		regs = append(regs, r)
	}
	return regs
}
