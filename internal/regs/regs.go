// Package regs implements spec.md §3/§4.2's register model: the reg_size
// lattice, reg_range/reg_mapped_range types, and the register manager that
// partitions the amd64 register file into VM roles, reserved temps and an
// unreserved pool, then randomizes the bit-level mapping of every virtual
// GPR64 across the unreserved pool.
//
// The scoped allocator half (register contexts) lives in context.go,
// grounded on the same usedRegisters-bitmap idiom wazero's
// valueLocationStack (internal/engine/compiler/compiler_value_location.go)
// uses for its physical-register free list.
package regs

import (
	"fmt"
	"math/rand"

	"eaglevm/internal/asm"
	"eaglevm/internal/asm/amd64"
)

// Size is the reg_size / ir_size lattice of spec.md §3: a total order over
// supported operand widths.
type Size byte

const (
	SizeNone Size = iota
	Size8
	Size16
	Size32
	Size64
	Size128
)

// Bits returns the width of s in bits.
func (s Size) Bits() uint {
	switch s {
	case Size8:
		return 8
	case Size16:
		return 16
	case Size32:
		return 32
	case Size64:
		return 64
	case Size128:
		return 128
	default:
		return 0
	}
}

// Bytes returns TOB(s), the width of s in bytes.
func (s Size) Bytes() uint { return s.Bits() / 8 }

// SizeOfBits returns the smallest Size whose Bits() >= bits.
func SizeOfBits(bits uint) Size {
	switch {
	case bits <= 8:
		return Size8
	case bits <= 16:
		return Size16
	case bits <= 32:
		return Size32
	case bits <= 64:
		return Size64
	default:
		return Size128
	}
}

// Class identifies the register file a physical register belongs to.
type Class byte

const (
	ClassGPR64 Class = iota
	ClassXMM128
)

// ClassOf returns the register class of r.
func ClassOf(r asm.Register) Class {
	if amd64.IsXMM(r) {
		return ClassXMM128
	}
	return ClassGPR64
}

// Range is reg_range: a half-open bit range [From, To), 0 <= From < To <= 128.
type Range struct {
	From, To uint
}

// Width returns To-From.
func (r Range) Width() uint { return r.To - r.From }

// MappedRange is reg_mapped_range: bits [Source.From,Source.To) of some
// virtual GPR64 live in bits [Dest.From,Dest.To) of DestReg. Invariant:
// Source.Width() == Dest.Width().
type MappedRange struct {
	Source  Range
	Dest    Range
	DestReg asm.Register
}

// Role names the VM state registers assigned out of the randomized
// physical register order (spec.md §4.7): VIP/VSP/VREGS/VCS/VCSRET/VBASE
// are GPR64s; VFLAGS may be a GPR64 too (kept separate from host RFLAGS).
type Role int

const (
	RoleVIP Role = iota
	RoleVSP
	RoleVREGS
	RoleVCS
	RoleVCSRET
	RoleVBASE
	RoleVFLAGS
	roleCount
)

// ErrPoolExhausted is returned when a register context has no free
// register left to assign (spec.md §7 "Pool exhaustion").
var ErrPoolExhausted = asm.Error("regs: pool exhausted")

// Manager owns the result of init_reg_order/create_mappings: the
// randomized partition of the amd64 register file into VM roles, reserved
// temps and an unreserved pool, and the per-virtual-GPR64 bit mapping
// derived from that pool. It is read-only after NewManager returns
// (spec.md §5): nothing later mutates the mapping.
type Manager struct {
	rng *rand.Rand

	roles         [roleCount]asm.Register
	reservedTemps []asm.Register
	unreservedGPR []asm.Register
	unreservedXMM []asm.Register

	// mappings[v] is the set of MappedRanges for virtual GPR64 v, covering
	// [0,64) exactly and pairwise disjoint in source range.
	mappings map[asm.Register][]MappedRange
}

// NumReservedTemps is how many physical GPR64s beyond the VM roles are set
// aside as reserved scratch (used by context load/store synthesis for the
// temporaries spec.md's Open Questions call out).
const NumReservedTemps = 2

// NewManager runs init_reg_order then create_mappings and returns the
// resulting Manager. rng is taken as a parameter rather than a package
// global so tests (and callers virtualizing many segments) can get
// reproducible or independent randomness (spec.md §9 "Global RNG").
func NewManager(rng *rand.Rand) (*Manager, error) {
	m := &Manager{rng: rng, mappings: map[asm.Register][]MappedRange{}}
	m.initRegOrder()
	if err := m.createMappings(); err != nil {
		return nil, err
	}
	return m, nil
}

func shuffle(rng *rand.Rand, regs []asm.Register) []asm.Register {
	out := append([]asm.Register(nil), regs...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// initRegOrder implements spec.md §4.2's init_reg_order: permute the GPR64
// and XMM128 files, assign the first roleCount GPR64s to VM roles, the
// next NumReservedTemps to reserved temps, and the rest to the unreserved
// pools.
func (m *Manager) initRegOrder() {
	gpr := shuffle(m.rng, amd64.AllGPR64())
	xmm := shuffle(m.rng, amd64.AllXMM())

	for i := 0; i < int(roleCount); i++ {
		m.roles[i] = gpr[i]
	}
	gpr = gpr[roleCount:]

	m.reservedTemps = append([]asm.Register(nil), gpr[:NumReservedTemps]...)
	gpr = gpr[NumReservedTemps:]

	m.unreservedGPR = gpr
	m.unreservedXMM = xmm
}

// minRangeWidthBits / maxRangeWidthBits bound the per-piece width
// create_mappings draws from (spec.md §4.2: "widths drawn from a bounded
// distribution, minimum 1 bit").
const (
	minRangeWidthBits = 1
	maxRangeWidthBits = 16
)

// createMappings implements spec.md §4.2's create_mappings: for every
// virtual GPR64, partition [0,64) into contiguous random-width pieces and
// assign each to a random free bit-range of a random unreserved register.
func (m *Manager) createMappings() error {
	virtualGPRs := amd64.AllGPR64()

	// occupied[destReg] tracks, per destination register, which bit
	// positions are already claimed -- enforcing "within one physical
	// destination register, assigned ranges must not overlap" (spec.md §4.2).
	occupied := map[asm.Register]*bitset128{}
	occupiedOf := func(r asm.Register) *bitset128 {
		if b, ok := occupied[r]; ok {
			return b
		}
		b := &bitset128{}
		occupied[r] = b
		return b
	}

	pool := append(append([]asm.Register(nil), m.unreservedGPR...), m.unreservedXMM...)
	if len(pool) == 0 {
		return fmt.Errorf("regs: no unreserved registers available for mapping")
	}

	for _, v := range virtualGPRs {
		var ranges []MappedRange
		from := uint(0)
		for from < 64 {
			width := minRangeWidthBits + uint(m.rng.Intn(maxRangeWidthBits-minRangeWidthBits+1))
			to := from + width
			if to > 64 {
				to = 64
			}

			dest, destRange, err := m.placeRange(pool, occupiedOf, to-from)
			if err != nil {
				return fmt.Errorf("regs: mapping virtual register %d: %w", v, err)
			}
			ranges = append(ranges, MappedRange{
				Source:  Range{From: from, To: to},
				Dest:    destRange,
				DestReg: dest,
			})
			from = to
		}
		m.mappings[v] = ranges
	}
	return nil
}

// placeRange finds a random destination register in pool with width
// contiguous free bits, respecting the XMM-lane width of 128 bits vs. the
// GPR64 width of 64 bits. A source range may cross an XMM's 64-bit
// boundary (spec.md §4.2); it never crosses a GPR64's width since GPR64s
// are only ever 64 bits wide.
func (m *Manager) placeRange(pool []asm.Register, occupiedOf func(asm.Register) *bitset128, width uint) (asm.Register, Range, error) {
	order := shuffle(m.rng, pool)
	for _, dest := range order {
		limit := uint(64)
		if ClassOf(dest) == ClassXMM128 {
			limit = 128
		}
		free := occupiedOf(dest)
		if start, ok := free.findFree(width, limit); ok {
			free.mark(start, start+width)
			return dest, Range{From: start, To: start + width}, nil
		}
	}
	return 0, Range{}, fmt.Errorf("no register has %d contiguous free bits", width)
}

// bitset128 is a tiny fixed-size bitset covering the 128 bits of a
// register's destination ranges.
type bitset128 struct{ lo, hi uint64 }

func (b *bitset128) get(i uint) bool {
	if i < 64 {
		return b.lo&(1<<i) != 0
	}
	return b.hi&(1<<(i-64)) != 0
}

func (b *bitset128) mark(from, to uint) {
	for i := from; i < to; i++ {
		if i < 64 {
			b.lo |= 1 << i
		} else {
			b.hi |= 1 << (i - 64)
		}
	}
}

func (b *bitset128) findFree(width, limit uint) (uint, bool) {
	run := uint(0)
	for i := uint(0); i < limit; i++ {
		if !b.get(i) {
			run++
			if run == width {
				return i + 1 - width, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// GetVMReg returns the physical register assigned to role.
func (m *Manager) GetVMReg(role Role) asm.Register { return m.roles[role] }

// GetReservedTemp returns the i'th reserved-temp physical register.
func (m *Manager) GetReservedTemp(i int) asm.Register { return m.reservedTemps[i] }

// GetUnreservedTemps returns the full unreserved pool for class c, for use
// by a RegisterContext.
func (m *Manager) GetUnreservedTemps(c Class) []asm.Register {
	if c == ClassXMM128 {
		return append([]asm.Register(nil), m.unreservedXMM...)
	}
	return append([]asm.Register(nil), m.unreservedGPR...)
}

// GetRegisterMappedRanges returns virtualReg's mapping, truncated to
// widthBits: ranges whose Source.To exceeds widthBits are dropped entirely
// (spec.md §4.2) -- a 32-bit read of a virtual register never touches the
// high 32 bits' mapped ranges.
func (m *Manager) GetRegisterMappedRanges(virtualReg asm.Register, widthBits uint) []MappedRange {
	all := m.mappings[virtualReg]
	out := make([]MappedRange, 0, len(all))
	for _, r := range all {
		if r.Source.To <= widthBits {
			out = append(out, r)
		}
	}
	return out
}
