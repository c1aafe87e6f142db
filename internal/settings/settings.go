// Package settings defines the recognized lowering knobs of spec.md §6,
// built with the functional-options pattern wazero's own runtime
// configuration (internal config.go-style Option funcs) uses throughout
// its public API.
package settings

// Settings are the knobs spec.md §6 enumerates for the core lowering
// pipeline.
type Settings struct {
	// RandomizeWorkingRegister: if false, lowering uses reserved_temp(0)
	// deterministically instead of drawing from the unreserved pool.
	RandomizeWorkingRegister bool

	// SingleRegisterHandlers: share one GPR64-wide load/store handler per
	// destination register rather than one per GPR width. The machine's
	// handler manager does not read this field; its variant tables are
	// keyed by destination register only.
	SingleRegisterHandlers bool

	// ChanceToGenerateRegisterHandler is in [0.0, 1.0]: the probability of
	// creating a new register-handler variant vs. reusing an existing one.
	ChanceToGenerateRegisterHandler float64

	// ComplexTempLoading splits context-load into a neutral load plus a
	// separate resolve step. No lowering path reads this field; context
	// loads are always emitted as a single load.
	ComplexTempLoading bool

	// RelativeAddressing: if true, VM-enter uses jmp rel; else constructs
	// the target address via push/mov/ret. No lowering path reads this
	// field; the emitted VM-enter sequence is the same for both values.
	RelativeAddressing bool
}

// Default returns the settings used when no options are supplied:
// randomized working registers, SingleRegisterHandlers off, a 50% chance
// of minting a fresh variant, ComplexTempLoading off, and
// RelativeAddressing on.
func Default() Settings {
	return Settings{
		RandomizeWorkingRegister:        true,
		SingleRegisterHandlers:          false,
		ChanceToGenerateRegisterHandler: 0.5,
		ComplexTempLoading:              false,
		RelativeAddressing:              true,
	}
}

// Option mutates a Settings value being built up by New.
type Option func(*Settings)

// New builds a Settings starting from Default and applying opts in order.
func New(opts ...Option) Settings {
	s := Default()
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithRandomizeWorkingRegister sets RandomizeWorkingRegister.
func WithRandomizeWorkingRegister(v bool) Option {
	return func(s *Settings) { s.RandomizeWorkingRegister = v }
}

// WithSingleRegisterHandlers sets SingleRegisterHandlers.
func WithSingleRegisterHandlers(v bool) Option {
	return func(s *Settings) { s.SingleRegisterHandlers = v }
}

// WithChanceToGenerateRegisterHandler sets ChanceToGenerateRegisterHandler.
// Values outside [0,1] are clamped.
func WithChanceToGenerateRegisterHandler(p float64) Option {
	return func(s *Settings) {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		s.ChanceToGenerateRegisterHandler = p
	}
}

// WithComplexTempLoading sets ComplexTempLoading.
func WithComplexTempLoading(v bool) Option {
	return func(s *Settings) { s.ComplexTempLoading = v }
}

// WithRelativeAddressing sets RelativeAddressing.
func WithRelativeAddressing(v bool) Option {
	return func(s *Settings) { s.RelativeAddressing = v }
}
