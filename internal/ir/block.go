package ir

import "fmt"

// Block is an ordered sequence of IR commands terminated by exactly one of
// branch, jmp (a Branch with Condition == CondJmp), or vm_exit (spec.md
// §3). Blocks are owned by the lifter's caller; commands that reference
// another block do so by BlockID, a non-owning back-reference.
type Block struct {
	ID       BlockID
	Arena    *Arena
	commands []Command
	done     bool
}

// NewBlock returns an empty, not-yet-terminated block with its own arena.
func NewBlock(id BlockID) *Block {
	return &Block{ID: id, Arena: NewArena()}
}

// Append adds a non-terminator command. It is a precondition violation to
// append to a block that has already been terminated.
func (b *Block) Append(c Command) error {
	if b.done {
		return fmt.Errorf("ir: block %d: append after terminator", b.ID)
	}
	if isTerminator(c) {
		return fmt.Errorf("ir: block %d: use Terminate for terminator commands", b.ID)
	}
	b.commands = append(b.commands, c)
	return nil
}

// Terminate closes the block with its single terminator command (a
// Branch or a VMExit). It is a precondition violation to terminate a
// block twice or terminate it with a non-terminator command.
func (b *Block) Terminate(c Command) error {
	if b.done {
		return fmt.Errorf("ir: block %d: already terminated", b.ID)
	}
	if !isTerminator(c) {
		return fmt.Errorf("ir: block %d: %T is not a valid terminator", b.ID, c)
	}
	b.commands = append(b.commands, c)
	b.done = true
	return nil
}

func isTerminator(c Command) bool {
	switch c.Kind() {
	case KindBranch, KindVMExit:
		return true
	default:
		return false
	}
}

// Commands returns the block's full command sequence, terminator included.
func (b *Block) Commands() []Command { return b.commands }

// Terminator returns the block's terminator command. It panics if the
// block is not yet terminated, since every well-formed block must end
// with exactly one.
func (b *Block) Terminator() Command {
	if !b.done {
		panic(fmt.Sprintf("ir: block %d: Terminator called before Terminate", b.ID))
	}
	return b.commands[len(b.commands)-1]
}

// IsTerminated reports whether Terminate has been called.
func (b *Block) IsTerminated() bool { return b.done }
