package machine

import (
	"eaglevm/internal/asm"
	"eaglevm/internal/asm/amd64"
	"eaglevm/internal/regs"
)

// splitRange breaks a MappedRange whose Dest range crosses an XMM's 64-bit
// boundary into two ranges, each confined to one quadword, preserving the
// width-sum invariant of the source range it came from.
func splitRange(r regs.MappedRange) []regs.MappedRange {
	if r.Dest.From >= 64 || r.Dest.To <= 64 {
		return []regs.MappedRange{r}
	}
	lowWidth := 64 - r.Dest.From
	low := regs.MappedRange{
		Source:  regs.Range{From: r.Source.From, To: r.Source.From + lowWidth},
		Dest:    regs.Range{From: r.Dest.From, To: 64},
		DestReg: r.DestReg,
	}
	high := regs.MappedRange{
		Source:  regs.Range{From: r.Source.From + lowWidth, To: r.Source.To},
		Dest:    regs.Range{From: 64, To: r.Dest.To},
		DestReg: r.DestReg,
	}
	return []regs.MappedRange{low, high}
}

// LoadRegister synthesizes the host routine implementing context_load for
// virtualReg: zero dest, then for each mapped range (in randomized order)
// extract the bits from their physical location and OR them into dest at
// their logical position (spec.md §4.7).
func (m *Machine) LoadRegister(virtualReg, dest asm.Register) error {
	m.Asm.CompileRegisterToRegister(amd64.XORQ, dest, dest)

	ranges := m.Regs.GetRegisterMappedRanges(virtualReg, 64)
	order := m.RNG.Perm(len(ranges))

	for _, idx := range order {
		for _, piece := range splitRange(ranges[idx]) {
			if err := m.emitLoadRange(piece, dest); err != nil {
				return err
			}
		}
	}
	return nil
}

// emitLoadRange extracts bits [r.Dest.From, r.Dest.To) of r.DestReg and ORs
// them, shifted to r.Source.From, into dest.
func (m *Machine) emitLoadRange(r regs.MappedRange, dest asm.Register) error {
	class := regs.ClassOf(r.DestReg)
	t, release, err := m.workingTemp(class)
	if err != nil {
		return err
	}
	defer release()

	lowBit := r.Dest.From % 64
	highBit := r.Dest.To % 64
	if highBit == 0 {
		highBit = 64
	}

	if amd64.IsXMM(r.DestReg) {
		if r.Dest.From >= 64 {
			m.Asm.CompileRegisterToRegisterWithArg(amd64.PSRLDQ, r.DestReg, r.DestReg, 8)
		}
		m.Asm.CompileRegisterToRegister(amd64.MOVQ, r.DestReg, t)
		if r.Dest.From >= 64 {
			m.Asm.CompileRegisterToRegisterWithArg(amd64.PSRLDQ, r.DestReg, r.DestReg, 8)
		}
	} else {
		m.Asm.CompileRegisterToRegister(amd64.MOVQ, r.DestReg, t)
	}

	m.Asm.CompileConstToRegister(amd64.SHLQ, int64(64-highBit), t)
	m.Asm.CompileConstToRegister(amd64.SHRQ, int64(64-highBit+lowBit), t)
	m.Asm.CompileConstToRegister(amd64.SHLQ, int64(r.Source.From), t)
	m.Asm.CompileRegisterToRegister(amd64.ORQ, t, dest)
	return nil
}

// StoreRegister synthesizes the host routine implementing context_store
// for virtualReg: the inverse of LoadRegister, rotating each destination
// physical register so its mapped range sits at the low end, masking the
// old bits out, ORing in the new ones, then rotating back.
func (m *Machine) StoreRegister(virtualReg, source asm.Register) error {
	ranges := m.Regs.GetRegisterMappedRanges(virtualReg, 64)
	order := m.RNG.Perm(len(ranges))

	for _, idx := range order {
		for _, piece := range splitRange(ranges[idx]) {
			if err := m.emitStoreRange(piece, source); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Machine) emitStoreRange(r regs.MappedRange, source asm.Register) error {
	class := regs.ClassOf(r.DestReg)
	t, release, err := m.workingTemp(class)
	if err != nil {
		return err
	}
	defer release()

	width := r.Dest.Width()
	lowBit := r.Dest.From % 64
	mask := int64(1)<<uint(width) - 1

	upper := r.Dest.From >= 64
	if amd64.IsXMM(r.DestReg) {
		if upper {
			m.Asm.CompileRegisterToRegisterWithArg(amd64.PSRLDQ, r.DestReg, r.DestReg, 8)
		}
		m.Asm.CompileConstToRegister(amd64.RORQ, int64(lowBit), r.DestReg)
		m.Asm.CompileConstToRegister(amd64.SHRQ, int64(width), r.DestReg)
		m.Asm.CompileConstToRegister(amd64.SHLQ, int64(width), r.DestReg)
	} else {
		m.Asm.CompileConstToRegister(amd64.RORQ, int64(lowBit), r.DestReg)
		m.Asm.CompileConstToRegister(amd64.SHRQ, int64(width), r.DestReg)
		m.Asm.CompileConstToRegister(amd64.SHLQ, int64(width), r.DestReg)
	}

	m.Asm.CompileRegisterToRegister(amd64.MOVQ, source, t)
	m.Asm.CompileConstToRegister(amd64.SHRQ, int64(r.Source.From), t)
	m.Asm.CompileConstToRegister(amd64.ANDQ, mask, t)
	m.Asm.CompileRegisterToRegister(amd64.ORQ, t, r.DestReg)

	m.Asm.CompileConstToRegister(amd64.ROLQ, int64(lowBit), r.DestReg)
	if amd64.IsXMM(r.DestReg) && upper {
		m.Asm.CompileRegisterToRegisterWithArg(amd64.PSRLDQ, r.DestReg, r.DestReg, 8)
	}
	return nil
}
