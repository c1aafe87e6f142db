// Package container implements the code_container and label machinery of
// spec.md §4.1/§9: an append-only sequence of either fully-encoded byte
// runs or recompile thunks, plus the label side-table and fixed-point
// layout pass that resolves thunks once every container's size has
// stabilized.
//
// Most instructions in this codebase are emitted through an
// asm.AssemblerBase (internal/asm/amd64), whose underlying golang-asm
// Builder already resolves intra-container jump targets on its own. This
// package exists for the narrower case spec.md calls out explicitly: a
// byte sequence that embeds a label's not-yet-known RVA as a raw
// immediate (e.g. VBASE's self-relative load, or a vm_exit target table),
// which golang-asm's own relocation model doesn't cover.
package container

import (
	"errors"
	"fmt"
)

// Label is an opaque handle to a position that will be resolved to an RVA
// no earlier than Layout. Represented as an integer ID so containers and
// labels never form a pointer cycle.
type Label uint64

// RecompileThunk re-encodes a byte run once the RVA it was placed at (and
// every label's current RVA) is known. Implementations must be
// size-monotone or size-stable across repeated invocations during layout,
// per spec.md §4.1; Layout treats a still-growing thunk as a divergence.
type RecompileThunk func(currentRVA uint64, labels LabelTable) ([]byte, error)

// LabelTable maps a bound label to its resolved RVA. Only valid after a
// successful Layout call.
type LabelTable map[Label]uint64

// item is either a finished byte run or a thunk awaiting label RVAs.
type item struct {
	bytes []byte
	thunk RecompileThunk
	// cachedLen is the length this item occupied in the previous layout
	// iteration, used to detect size-divergence.
	cachedLen int
}

// Container is an append-only sequence of items, with zero or more labels
// bound to positions within it.
type Container struct {
	items  []item
	labels map[Label]int // label -> index into items at which it is bound
}

// New returns an empty container.
func New() *Container {
	return &Container{labels: map[Label]int{}}
}

// AppendBytes appends a fully-encoded, already-final byte run.
func (c *Container) AppendBytes(b []byte) {
	c.items = append(c.items, item{bytes: b})
}

// AppendThunk appends a recompile thunk, to be invoked during Layout.
func (c *Container) AppendThunk(t RecompileThunk) {
	c.items = append(c.items, item{thunk: t})
}

// BindLabel binds label to the position of the next item that will be
// appended to c. A label may be bound to at most one position; binding it
// twice is a precondition violation.
func (c *Container) BindLabel(label Label) error {
	if _, already := c.labels[label]; already {
		return fmt.Errorf("container: label %d already bound", label)
	}
	c.labels[label] = len(c.items)
	return nil
}

// ErrLayoutDivergence is returned by Layout when the fixed-point pass
// fails to converge within MaxLayoutIterations.
var ErrLayoutDivergence = errors.New("container: layout did not converge")

// MaxLayoutIterations bounds the fixed-point layout pass (spec.md §4.1,
// §7 "Layout divergence").
const MaxLayoutIterations = 16

// Layout lays out every container back-to-back starting at baseRVA,
// repeatedly re-invoking recompile thunks until every container's total
// size stops changing (or MaxLayoutIterations is exceeded, which is
// reported as ErrLayoutDivergence). It returns the final label RVA table
// and the concatenated bytes of each container, in the same order as cs.
func Layout(cs []*Container, baseRVA uint64) (LabelTable, [][]byte, error) {
	// Seed every item's cachedLen with a first guess (actual bytes use
	// their real length; thunks start at 0 until their first invocation).
	for _, c := range cs {
		for i := range c.items {
			if c.items[i].thunk == nil {
				c.items[i].cachedLen = len(c.items[i].bytes)
			}
		}
	}

	labels := LabelTable{}
	var out [][]byte

	for iter := 0; ; iter++ {
		if iter >= MaxLayoutIterations {
			return nil, nil, ErrLayoutDivergence
		}

		// Compute label RVAs from the previous iteration's cached sizes.
		rva := baseRVA
		labels = LabelTable{}
		for _, c := range cs {
			for li, idx := range c.labels {
				_ = li
				labels[li] = rva + itemOffset(c, idx)
			}
			rva += containerCachedLen(c)
		}

		changed := false
		out = make([][]byte, len(cs))
		rva = baseRVA
		for ci, c := range cs {
			buf := make([]byte, 0, containerCachedLen(c))
			itemRVA := rva
			for ii := range c.items {
				it := &c.items[ii]
				var b []byte
				if it.thunk != nil {
					encoded, err := it.thunk(itemRVA, labels)
					if err != nil {
						return nil, nil, fmt.Errorf("container: recompile thunk at container %d item %d: %w", ci, ii, err)
					}
					b = encoded
					if len(b) != it.cachedLen {
						changed = true
						it.cachedLen = len(b)
					}
				} else {
					b = it.bytes
				}
				buf = append(buf, b...)
				itemRVA += uint64(len(b))
			}
			out[ci] = buf
			rva += uint64(len(buf))
		}

		if !changed {
			return labels, out, nil
		}
	}
}

func itemOffset(c *Container, uptoExclusive int) uint64 {
	var off uint64
	for i := 0; i < uptoExclusive; i++ {
		off += uint64(c.items[i].cachedLen)
	}
	return off
}

func containerCachedLen(c *Container) uint64 {
	var n uint64
	for i := range c.items {
		n += uint64(c.items[i].cachedLen)
	}
	return n
}

// Len reports the number of items appended so far, mostly for tests.
func (c *Container) Len() int { return len(c.items) }
