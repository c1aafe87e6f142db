// Package vmflags defines the bit layout of VFLAGS, the VM's synthetic
// RFLAGS register, and the utilities handler generators use to compute
// SF/ZF/PF from a result value at the IR level.
package vmflags

// Flag identifies a single bit of VFLAGS by its canonical position.
type Flag uint

// Canonical bit positions of VFLAGS. These mirror the physical RFLAGS
// encoding so that context_rflags_load/store can move bits across 1:1
// without renumbering, but VFLAGS is a VM-private register: nothing
// requires it to share storage with the host's RFLAGS.
const (
	CF Flag = 0
	PF Flag = 2
	AF Flag = 4
	ZF Flag = 6
	SF Flag = 7
	OF Flag = 11

	// Eq / Le / Ge are EagleVM-specific comparison bits, used by cmd_cmp to
	// record the three-way result of a CMP without re-deriving it from
	// CF/ZF/SF/OF at every consumer.
	Eq Flag = 32
	Le Flag = 33
	Ge Flag = 34
)

// Mask returns the bitmask for a single flag.
func (f Flag) Mask() uint64 { return uint64(1) << uint(f) }

// AffectedMask ORs together the masks of the given flags, for use as the
// `affected_flags` argument of context_rflags_store.
func AffectedMask(flags ...Flag) uint64 {
	var m uint64
	for _, f := range flags {
		m |= f.Mask()
	}
	return m
}

// CalculateSF returns 1 if the MSB of value (truncated to widthBits) is set.
func CalculateSF(value uint64, widthBits uint) uint64 {
	if widthBits == 0 || widthBits > 64 {
		widthBits = 64
	}
	return (value >> (widthBits - 1)) & 1
}

// CalculateZF returns 1 if value, truncated to widthBits, is zero.
func CalculateZF(value uint64, widthBits uint) uint64 {
	if widthBits < 64 {
		value &= (uint64(1) << widthBits) - 1
	}
	if value == 0 {
		return 1
	}
	return 0
}

// CalculatePF returns the x86 parity flag: 1 if the low byte of value has an
// even number of set bits.
func CalculatePF(value uint64) uint64 {
	b := byte(value)
	count := 0
	for b != 0 {
		count += int(b & 1)
		b >>= 1
	}
	if count%2 == 0 {
		return 1
	}
	return 0
}
