package machine

import (
	"eaglevm/internal/asm"
	"eaglevm/internal/container"
)

// VariantHandler is a tagged_variant_handler (spec.md §3): an ordered list
// of (container, label) pairs, each a distinct randomized implementation
// of the same abstract handler.
type VariantHandler struct {
	Variants []Variant
}

// Variant is one (container, label) implementation of a variant handler.
type Variant struct {
	Container *container.Container
	Label     container.Label
}

// HandlerManager holds spec.md §3's handler_manager state: the register
// load/store handler tables, the push/pop handler tables, and the
// insertion-ordered instruction-handler table.
type HandlerManager struct {
	registerLoad  map[asm.Register]*VariantHandler
	registerStore map[asm.Register]*VariantHandler

	vmPush map[pushPopKey]container.Label
	vmPop  map[pushPopKey]container.Label

	instructionOrder []instructionKey
	instructions     map[instructionKey]container.Label
}

type pushPopKey struct {
	reg   asm.Register
	width int64
}

type instructionKey struct {
	mnemonic  string
	signature string
}

// NewHandlerManager returns an empty handler manager.
func NewHandlerManager() *HandlerManager {
	return &HandlerManager{
		registerLoad:  map[asm.Register]*VariantHandler{},
		registerStore: map[asm.Register]*VariantHandler{},
		vmPush:        map[pushPopKey]container.Label{},
		vmPop:         map[pushPopKey]container.Label{},
		instructions:  map[instructionKey]container.Label{},
	}
}

// variantKey is the identity function: the load/store tables are already
// keyed by physical destination register, which is exactly the
// "at most one variant exists per physical destination register" grouping
// spec.md §4.7 describes for Settings.SingleRegisterHandlers. Nothing here
// reads that setting: the tables have no size dimension, so there is never
// a separate variant list per GPR width, whatever the setting's value.
func (m *Machine) variantKey(reg asm.Register) asm.Register {
	return reg
}

// QueryLoadHandler implements handle_reg_handler_query for register loads:
// reuse an existing variant with probability
// 1 - ChanceToGenerateRegisterHandler, else synthesize and register a new
// one via generate.
func (m *Machine) QueryLoadHandler(reg asm.Register, generate func() (*container.Container, container.Label, error)) (*container.Container, container.Label, error) {
	return m.queryVariant(m.Handlers.registerLoad, reg, generate)
}

// QueryStoreHandler is QueryLoadHandler's store-side counterpart.
func (m *Machine) QueryStoreHandler(reg asm.Register, generate func() (*container.Container, container.Label, error)) (*container.Container, container.Label, error) {
	return m.queryVariant(m.Handlers.registerStore, reg, generate)
}

func (m *Machine) queryVariant(table map[asm.Register]*VariantHandler, reg asm.Register, generate func() (*container.Container, container.Label, error)) (*container.Container, container.Label, error) {
	key := m.variantKey(reg)
	vh, ok := table[key]
	if !ok {
		vh = &VariantHandler{}
		table[key] = vh
	}

	reuse := len(vh.Variants) > 0 && m.RNG.Float64() >= m.Settings.ChanceToGenerateRegisterHandler
	if reuse {
		v := vh.Variants[m.RNG.Intn(len(vh.Variants))]
		return v.Container, v.Label, nil
	}

	c, label, err := generate()
	if err != nil {
		return nil, 0, err
	}
	vh.Variants = append(vh.Variants, Variant{Container: c, Label: label})
	return c, label, nil
}

// RegisterPushHandler records the label of the synthesized push handler for
// (reg, widthBytes), keyed per spec.md §4.8's "one handler per (physical
// working register, size)".
func (m *Machine) RegisterPushHandler(reg asm.Register, widthBytes int64, label container.Label) {
	m.Handlers.vmPush[pushPopKey{reg, widthBytes}] = label
}

// PushHandler looks up a previously registered push handler.
func (m *Machine) PushHandler(reg asm.Register, widthBytes int64) (container.Label, bool) {
	l, ok := m.Handlers.vmPush[pushPopKey{reg, widthBytes}]
	return l, ok
}

// RegisterPopHandler is RegisterPushHandler's pop-side counterpart.
func (m *Machine) RegisterPopHandler(reg asm.Register, widthBytes int64, label container.Label) {
	m.Handlers.vmPop[pushPopKey{reg, widthBytes}] = label
}

// PopHandler looks up a previously registered pop handler.
func (m *Machine) PopHandler(reg asm.Register, widthBytes int64) (container.Label, bool) {
	l, ok := m.Handlers.vmPop[pushPopKey{reg, widthBytes}]
	return l, ok
}

// RegisterInstructionHandler records the label of a synthesized
// tagged_instruction_handler, keyed by (mnemonic, handler_signature_string)
// with insertion order preserved (spec.md §3).
func (m *Machine) RegisterInstructionHandler(mnemonic, signature string, label container.Label) {
	key := instructionKey{mnemonic, signature}
	if _, exists := m.Handlers.instructions[key]; !exists {
		m.Handlers.instructionOrder = append(m.Handlers.instructionOrder, key)
	}
	m.Handlers.instructions[key] = label
}

// InstructionHandler looks up a previously registered instruction handler.
func (m *Machine) InstructionHandler(mnemonic, signature string) (container.Label, bool) {
	l, ok := m.Handlers.instructions[instructionKey{mnemonic, signature}]
	return l, ok
}
