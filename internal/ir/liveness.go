package ir

// LastUse maps a command index within a block's Commands() to the set of
// stores whose last use (read or write) occurs at that index -- the
// backward liveness pass spec.md §4.7 runs before lift_block walks a
// block forward, so each store can be released immediately after the
// command that last touches it emits.
type LastUse map[int][]Store

// ComputeLastUse runs the backward liveness pass over b. Grounded on the
// same "walk once, record first-seen-from-the-end index" shape wazero's
// compiler uses when releasing registers off its runtimeValueLocationStack
// as it pops values (internal/engine/compiler/compiler_value_location.go),
// adapted here to operate over explicit UseStores sets rather than an
// implicit value stack.
func ComputeLastUse(b *Block) LastUse {
	seen := map[Store]bool{}
	last := LastUse{}
	cmds := b.Commands()
	for i := len(cmds) - 1; i >= 0; i-- {
		for _, s := range cmds[i].UseStores() {
			if !seen[s] {
				seen[s] = true
				last[i] = append(last[i], s)
			}
		}
	}
	return last
}
