package core

import (
	"fmt"

	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
)

// Assert adds facts at the cycle boundary. Calling it while an evaluation
// is running is a programming error: it returns store.ErrInvalidMutation
// and the running cycle is aborted.
func (k *Kernel) Assert(facts ...types.Fact) error {
	if err := k.guard("assert", facts); err != nil {
		return err
	}
	var b store.Batch
	b.Assert("kernel", facts...)
	return k.applyStrict(b)
}

// Retract removes facts at the cycle boundary. See Assert.
func (k *Kernel) Retract(facts ...types.Fact) error {
	if err := k.guard("retract", facts); err != nil {
		return err
	}
	var b store.Batch
	b.Retract("kernel", facts...)
	return k.applyStrict(b)
}

func (k *Kernel) applyStrict(b store.Batch) error {
	d, err := k.Apply(b)
	if err != nil {
		return err
	}
	if len(d.Rejected) > 0 {
		return fmt.Errorf("%d of %d mutations rejected: %w", len(d.Rejected), len(b), d.Rejected[0])
	}
	return nil
}

// guard refuses a mutation while an evaluation runs and marks that
// evaluation aborted. It may be called from any goroutine.
func (k *Kernel) guard(op string, facts []types.Fact) error {
	if !k.evaluating.Load() {
		return nil
	}
	what := "no facts"
	if len(facts) > 0 {
		what = facts[0].String()
	}
	err := fmt.Errorf("%w: %s %s during evaluation", store.ErrInvalidMutation, op, what)
	k.abort.CompareAndSwap(nil, &err)
	return err
}

// Apply applies a batch at the cycle boundary. Malformed mutations are
// reported in the delta without failing the batch.
func (k *Kernel) Apply(b store.Batch) (store.Delta, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.applyLocked(b)
}

func (k *Kernel) applyLocked(b store.Batch) (store.Delta, error) {
	b, rejected := k.screenLocked(b)
	d, err := k.store.Apply(b)
	d.Rejected = append(rejected, d.Rejected...)
	if err != nil {
		return d, err
	}
	for p := range d.Touched {
		k.touched[p] = true
	}
	return d, nil
}
