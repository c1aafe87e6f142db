package machine

import (
	"eaglevm/internal/asm"
	"eaglevm/internal/asm/amd64"
	"eaglevm/internal/regs"
)

// EmitPush is the one push handler shape of spec.md §4.8: one per
// (physical working register, size). On emit it performs
// `lea VSP, [VSP-width]; mov [VSP], reg`.
func (m *Machine) EmitPush(reg asm.Register, widthBytes int64) {
	vsp := m.Regs.GetVMReg(regs.RoleVSP)
	m.Asm.CompileMemoryToRegister(amd64.LEAQ, vsp, -widthBytes, vsp)
	m.Asm.CompileRegisterToMemory(storeInstructionFor(widthBytes), reg, vsp, 0)
}

// EmitPop is pop's handler: `mov reg, [VSP]; lea VSP, [VSP+width]`.
func (m *Machine) EmitPop(reg asm.Register, widthBytes int64) {
	vsp := m.Regs.GetVMReg(regs.RoleVSP)
	m.Asm.CompileMemoryToRegister(loadInstructionFor(widthBytes), vsp, 0, reg)
	m.Asm.CompileMemoryToRegister(amd64.LEAQ, vsp, widthBytes, vsp)
}

func storeInstructionFor(widthBytes int64) asm.Instruction {
	switch widthBytes {
	case 1:
		return amd64.MOVB
	case 4:
		return amd64.MOVL
	default:
		return amd64.MOVQ
	}
}

func loadInstructionFor(widthBytes int64) asm.Instruction {
	return storeInstructionFor(widthBytes)
}
