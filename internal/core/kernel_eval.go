package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"

	"nerdkernel/internal/logging"
	"nerdkernel/internal/mangle"
	"nerdkernel/internal/store"
)

// =============================================================================
// CYCLE EVALUATION
// =============================================================================

// Evaluate runs the stratified fixpoint over the current EDB and publishes
// the result. Only predicates that depend on what changed since the last
// evaluation are recomputed, from the lowest affected stratum upward.
func (k *Kernel) Evaluate(ctx context.Context) (*Database, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.evaluateLocked(ctx)
}

// Step applies a batch and evaluates. If the cycle aborts, the store is
// rolled back and the batch is requeued for the next boundary.
func (k *Kernel) Step(ctx context.Context, b store.Batch) (*Database, store.Delta, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	before := k.store.Snapshot()
	delta, err := k.applyLocked(b)
	if err != nil {
		return nil, delta, err
	}
	db, err := k.evaluateLocked(ctx)
	if errors.Is(err, ErrCycleAborted) {
		if rerr := k.store.Restore(before); rerr != nil {
			logging.KernelError("Rollback after aborted cycle failed: %v", rerr)
		}
		k.queue.Requeue(b)
		logging.KernelWarn("Cycle aborted, %d mutations requeued", len(b))
	}
	return db, delta, err
}

func (k *Kernel) evaluateLocked(ctx context.Context) (db *Database, err error) {
	timer := logging.StartTimer(logging.CategoryKernel, "Evaluate")
	defer timer.Stop()

	k.installPendingLocked()
	if !k.full && len(k.touched) == 0 {
		if cur := k.db.Load(); cur != nil {
			return cur, nil
		}
	}

	from, recompute := k.planLocked()
	snap := k.store.Seal()
	k.abort.Store(nil)
	k.evaluating.Store(true)
	defer func() {
		k.evaluating.Store(false)
		k.store.Unseal()
	}()

	ev := &evaluation{
		ctx:     ctx,
		prog:    k.prog,
		rules:   k.crules,
		edb:     snap,
		idb:     make(map[string]*store.Relation, len(k.idb)),
		explain: k.explain,
		limit:   k.maxDerived,
		hook:    k.hook,
		aborted: k.aborted,
	}
	if recompute != nil {
		maps.Copy(ev.idb, k.idb)
		for p := range recompute {
			delete(ev.idb, p)
		}
		ev.stats.Recomputed = sortedKeys(recompute)
	}
	if k.explain {
		ev.proofs = make(map[string]map[string]Derivation, len(k.proofs))
		if recompute != nil {
			maps.Copy(ev.proofs, k.proofs)
		}
	}
	ev.stats.FirstStratum = from

	err = ev.run(from, recompute)
	if err == nil {
		err = k.aborted()
	}
	if err != nil {
		// The previous IDB no longer matches the store; start over next time.
		k.full = true
		logging.Get(logging.CategoryKernel).Error("Evaluation failed: %v", err)
		return nil, err
	}

	k.idb, k.proofs = ev.idb, ev.proofs
	k.touched = make(map[string]bool)
	k.full = false
	k.cycle++
	db = &Database{
		cycle:  k.cycle,
		prog:   k.prog,
		edb:    snap,
		idb:    ev.idb,
		proofs: ev.proofs,
		stats:  ev.stats,
	}
	k.db.Store(db)
	logging.KernelDebug("Cycle %d evaluated: strata=%d rounds=%d derived=%d from stratum %d",
		k.cycle, ev.stats.Strata, ev.stats.Rounds, ev.stats.Derived, from)
	return db, nil
}

// aborted reports the mutation that was attempted during the running
// evaluation, as ErrCycleAborted.
func (k *Kernel) aborted() error {
	if p := k.abort.Load(); p != nil {
		return fmt.Errorf("%w: %w", ErrCycleAborted, *p)
	}
	return nil
}

// planLocked decides where evaluation starts. A nil set means everything.
func (k *Kernel) planLocked() (int, map[string]bool) {
	if k.full || k.idb == nil {
		return 0, nil
	}
	touched := make([]string, 0, len(k.touched))
	for p := range k.touched {
		touched = append(touched, p)
	}
	affected := k.prog.Dependents(touched...)
	from := len(k.prog.Strata())
	for p := range affected {
		if s, ok := k.prog.StratumOf(p); ok {
			from = min(from, s)
		}
	}
	return from, affected
}

func compileRules(p *mangle.Program) map[*mangle.Rule]*crule {
	out := make(map[*mangle.Rule]*crule, len(p.Rules))
	for _, r := range p.Rules {
		out[r] = compileRule(r)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
