// Package core holds the policy kernel: the stratified fixpoint evaluator,
// the versioned fact store it reads, and the decision queries over each
// evaluated cycle.
package core

import (
	"errors"
	"sync"
	"sync/atomic"

	"nerdkernel/internal/logging"
	"nerdkernel/internal/mangle"
	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
)

var (
	// ErrCycleAborted is returned by Evaluate when the store was mutated
	// during evaluation. The cycle is discarded and retried at the next boundary.
	ErrCycleAborted = errors.New("evaluation cycle aborted")
	// ErrNoProgram is returned when the kernel is built without rules.
	ErrNoProgram = errors.New("no rule program loaded")
)

// Kernel owns the EDB, the compiled program and the last evaluation result.
// Mutations happen only at cycle boundaries; asynchronous producers go
// through Queue.
type Kernel struct {
	mu    sync.Mutex // serializes boundaries and evaluation
	store *store.FactStore
	queue *store.MutationQueue

	prog      *mangle.Program
	crules    map[*mangle.Rule]*crule
	pending   *mangle.Program
	progFacts []types.Fact

	reserved map[string]bool

	idb     map[string]*store.Relation
	proofs  map[string]map[string]Derivation
	touched map[string]bool
	full    bool
	cycle   uint64

	evaluating atomic.Bool
	abort      atomic.Pointer[error] // set by a mutation attempted mid-evaluation
	db         atomic.Pointer[Database]

	maxDerived int
	explain    bool
	hook       func(stratum int)
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithMaxDerivedFacts sets the derivation ceiling.
func WithMaxDerivedFacts(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.maxDerived = n
		}
	}
}

// WithExplain records the first derivation of every derived fact.
func WithExplain(on bool) Option {
	return func(k *Kernel) { k.explain = on }
}

// WithEvalHook runs fn after each stratum. Tests use it to act in the
// middle of an evaluation.
func WithEvalHook(fn func(stratum int)) Option {
	return func(k *Kernel) { k.hook = fn }
}

// NewKernel creates a kernel over an empty store.
func NewKernel(prog *mangle.Program, opts ...Option) (*Kernel, error) {
	if prog == nil {
		return nil, ErrNoProgram
	}
	k := &Kernel{
		store:      store.NewFactStore(),
		queue:      store.NewMutationQueue(),
		pending:    prog,
		reserved:   map[string]bool{"current_time": true, "policy_param": true},
		touched:    make(map[string]bool),
		full:       true,
		maxDerived: DefaultMaxDerivedFacts,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.mu.Lock()
	k.installPendingLocked()
	k.mu.Unlock()
	logging.Kernel("Kernel initialized: %d rules, %d strata", len(prog.Rules), len(prog.Strata()))
	return k, nil
}

// Queue is the goroutine-safe inbox for shards, sensors and the API.
func (k *Kernel) Queue() *store.MutationQueue { return k.queue }

// Store exposes the EDB for reads.
func (k *Kernel) Store() *store.FactStore { return k.store }

// Program returns the active program.
func (k *Kernel) Program() *mangle.Program {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.prog
}

// SetProgram schedules a new program. It is installed at the next
// evaluation, never in the middle of one.
func (k *Kernel) SetProgram(p *mangle.Program) {
	if p == nil {
		return
	}
	k.mu.Lock()
	k.pending = p
	k.mu.Unlock()
	logging.Kernel("New program scheduled: %d rules", len(p.Rules))
}

// installPendingLocked swaps in a scheduled program and its file facts.
func (k *Kernel) installPendingLocked() {
	if k.pending == nil {
		return
	}
	var b store.Batch
	b.Retract("program", k.progFacts...)
	b.Assert("program", k.pending.Facts...)
	if _, err := k.store.Apply(b); err != nil {
		logging.KernelError("Failed to install program facts: %v", err)
	}
	k.prog, k.progFacts, k.pending = k.pending, k.pending.Facts, nil
	k.crules = compileRules(k.prog)
	k.idb, k.proofs = nil, nil
	k.full = true
}

// Database returns the result of the last successful evaluation, or nil.
func (k *Kernel) Database() *Database { return k.db.Load() }

// Decisions answers decision queries over the last evaluation.
func (k *Kernel) Decisions() *Decisions { return NewDecisions(k.db.Load()) }
