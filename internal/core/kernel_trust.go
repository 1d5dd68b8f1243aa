package core

import (
	"errors"
	"fmt"

	"nerdkernel/internal/logging"
	"nerdkernel/internal/mangle"
	"nerdkernel/internal/store"
)

// Sources that report from outside the kernel. Their facts describe the
// world; they never decide the gate.
const (
	SourceShardReport = "shard_report"
	SourceAPI         = "api"
)

// ErrUntrustedWrite is reported for an untrusted mutation of a predicate
// that only the policy or the kernel's own components may write.
var ErrUntrustedWrite = errors.New("untrusted source may not write predicate")

var untrustedSources = map[string]bool{
	SourceShardReport: true,
	SourceAPI:         true,
}

// proposals may be asserted by anyone. They give the gate more to review
// or tighten it.
var proposals = map[string]bool{
	"candidate_action": true,
	"action_kind":      true,
	"action_task":      true,
	"dangerous_action": true,
}

// Untrusted reports whether mutations from source are screened by Admit.
func Untrusted(source string) bool { return untrustedSources[source] }

// Reserve marks predicates as owned by a kernel component (the clock, the
// appeal book, the scheduler). Untrusted sources may not write them.
func (k *Kernel) Reserve(preds ...string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, p := range preds {
		k.reserved[p] = true
	}
}

// Admit checks one mutation against the trust rules. Trusted sources are
// always admitted.
func (k *Kernel) Admit(m store.Mutation) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.admitLocked(m)
}

func (k *Kernel) admitLocked(m store.Mutation) error {
	if !untrustedSources[m.Source] {
		return nil
	}
	pred := m.Predicate
	if m.Op != store.OpRetractPredicate {
		pred = m.Fact.Predicate
	}
	prog := k.prog
	if k.pending != nil {
		prog = k.pending
	}

	var why string
	switch {
	case k.reserved[pred]:
		why = "owned by the kernel"
	case mangle.ProtectedPredicates[pred] && !(m.Op == store.OpAssert && proposals[pred]):
		why = "constitutional"
	case m.Op == store.OpAssert && prog != nil && prog.IsDerived(pred) && !proposals[pred]:
		why = "derived by policy"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s %s from %s (%s)", ErrUntrustedWrite, m.Op, pred, m.Source, why)
}

// screenLocked drops the mutations Admit refuses and returns them as errors.
func (k *Kernel) screenLocked(b store.Batch) (store.Batch, []error) {
	var rejected []error
	out := b[:0:0]
	for _, m := range b {
		if err := k.admitLocked(m); err != nil {
			logging.KernelWarn("Mutation rejected: %v", err)
			rejected = append(rejected, err)
			continue
		}
		out = append(out, m)
	}
	return out, rejected
}
