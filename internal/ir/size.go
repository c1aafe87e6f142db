package ir

import "eaglevm/internal/regs"

// Size is ir_size (spec.md §3), the same lattice the register model uses
// for reg_size -- an IR value's width and a register's width are drawn
// from one total order.
type Size = regs.Size

const (
	SizeNone = regs.SizeNone
	Size8    = regs.Size8
	Size16   = regs.Size16
	Size32   = regs.Size32
	Size64   = regs.Size64
	Size128  = regs.Size128
)
