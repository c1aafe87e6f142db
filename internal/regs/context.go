package regs

import "eaglevm/internal/asm"

// Context is the scoped register allocator spec.md §4.2/§7 describes:
// assign/release of physical registers out of a Manager's unreserved pool,
// with nested scopes so a handler generator can reserve a working set for a
// sub-expression and have it all released at once.
//
// Grounded on wazero's valueLocationStack
// (internal/engine/compiler/compiler_value_location.go): a used-registers
// set plus a free-list walk, generalized here with an explicit scope stack
// instead of wazero's single flat stack, since spec.md's handler generators
// nest temporary reservations more deeply than a stack machine compiler's
// value stack does.
type Context struct {
	mgr *Manager

	freeGPR []asm.Register
	freeXMM []asm.Register

	used map[asm.Register]struct{}

	// scopes[i] holds every register assigned since the i'th create_scope
	// call, so Release(i) can give them all back at once.
	scopes [][]asm.Register
}

// NewContext creates a register allocator drawing from mgr's unreserved
// pools. The returned Context starts with a single, always-open root scope.
func NewContext(mgr *Manager) *Context {
	c := &Context{
		mgr:     mgr,
		freeGPR: mgr.GetUnreservedTemps(ClassGPR64),
		freeXMM: mgr.GetUnreservedTemps(ClassXMM128),
		used:    map[asm.Register]struct{}{},
	}
	c.scopes = [][]asm.Register{nil}
	return c
}

// CreateScope opens a new nested scope and returns its handle, to be passed
// to ReleaseScope once the caller is done with everything it reserves
// within it.
func (c *Context) CreateScope() int {
	c.scopes = append(c.scopes, nil)
	return len(c.scopes) - 1
}

// ReleaseScope releases every register assigned since the matching
// CreateScope call (inclusive of any nested scopes opened and not yet
// released), then pops scopes down to handle's parent.
func (c *Context) ReleaseScope(handle int) {
	for i := len(c.scopes) - 1; i >= handle; i-- {
		for _, r := range c.scopes[i] {
			c.release(r)
		}
	}
	c.scopes = c.scopes[:handle]
}

// GetAny assigns and returns any free register of class c, reserving it in
// the current (innermost) scope. Returns ErrPoolExhausted if none remain.
func (c *Context) GetAny(class Class) (asm.Register, error) {
	free := c.freeListFor(class)
	if len(*free) == 0 {
		return 0, ErrPoolExhausted
	}
	r := (*free)[len(*free)-1]
	*free = (*free)[:len(*free)-1]
	c.used[r] = struct{}{}
	top := len(c.scopes) - 1
	c.scopes[top] = append(c.scopes[top], r)
	return r, nil
}

// Reserve assigns n free registers of class c as a batch, or releases
// anything it managed to assign and returns ErrPoolExhausted if the pool
// runs out partway through.
func (c *Context) Reserve(class Class, n int) ([]asm.Register, error) {
	out := make([]asm.Register, 0, n)
	for i := 0; i < n; i++ {
		r, err := c.GetAny(class)
		if err != nil {
			for _, got := range out {
				c.release(got)
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Assign marks r (already known free, e.g. a VM-role or reserved-temp
// register borrowed for a sub-expression) as in-use within the current
// scope, without drawing it from the free pool.
func (c *Context) Assign(r asm.Register) {
	c.used[r] = struct{}{}
	top := len(c.scopes) - 1
	c.scopes[top] = append(c.scopes[top], r)
}

// Release returns r to its class's free pool immediately, ahead of its
// enclosing scope's release. It remains recorded in that scope's list as a
// no-op double-release guard is unnecessary: release is idempotent because
// the free-pool append only happens once here.
func (c *Context) Release(r asm.Register) { c.release(r) }

func (c *Context) release(r asm.Register) {
	if _, ok := c.used[r]; !ok {
		return
	}
	delete(c.used, r)
	free := c.freeListFor(ClassOf(r))
	*free = append(*free, r)
}

// Reset discards every scope and returns all registers to their free pools,
// equivalent to releasing the root scope and opening a fresh one.
func (c *Context) Reset() {
	for r := range c.used {
		delete(c.used, r)
		free := c.freeListFor(ClassOf(r))
		*free = append(*free, r)
	}
	c.scopes = [][]asm.Register{nil}
}

// InUse reports whether r is currently assigned.
func (c *Context) InUse(r asm.Register) bool {
	_, ok := c.used[r]
	return ok
}

func (c *Context) freeListFor(class Class) *[]asm.Register {
	if class == ClassXMM128 {
		return &c.freeXMM
	}
	return &c.freeGPR
}
