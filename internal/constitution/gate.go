// Package constitution reports the permission gate's verdicts for each
// evaluated cycle and manages appeals against its denials.
//
// The gate itself is rules (constitution.mg). Nothing in this package can
// permit an action; it reads final_action and permission_denied, checks the
// gate invariant, and turns appeal decisions into override facts for the
// next cycle.
package constitution

import (
	"errors"
	"fmt"
	"sort"

	"nerdkernel/internal/core"
	"nerdkernel/internal/logging"
	"nerdkernel/internal/types"
)

var (
	// ErrSilentDenial marks a candidate that is neither final nor denied
	// with a reason. The rule set is missing a denial rule.
	ErrSilentDenial = errors.New("candidate action silently denied")
	// ErrInvariantViolated is returned when a final action is not a
	// permitted candidate.
	ErrInvariantViolated = errors.New("final_action outside candidate_action and permitted")
)

// Verdict is the gate's decision on one action.
type Verdict struct {
	Action  types.Value
	Kind    types.Value // zero when the action has no action_kind
	Final   bool
	Reasons []string
	Err     error
}

// Denied reports whether the action may not run.
func (v Verdict) Denied() bool { return !v.Final }

// Gate reads verdicts from evaluated cycles.
type Gate struct {
	reporter *Reporter
}

// NewGate creates a gate that records denials in reporter. A nil reporter
// disables the history.
func NewGate(reporter *Reporter) *Gate {
	return &Gate{reporter: reporter}
}

// Reporter returns the denial history.
func (g *Gate) Reporter() *Reporter { return g.reporter }

// Review returns a verdict for every candidate action and every action
// carrying a denial, ordered by action.
func (g *Gate) Review(db *core.Database) []Verdict {
	if db == nil {
		return nil
	}
	byAction := make(map[types.Value]*Verdict)
	get := func(a types.Value) *Verdict {
		v, ok := byAction[a]
		if !ok {
			v = &Verdict{Action: a}
			byAction[a] = v
		}
		return v
	}
	for _, f := range db.Facts("candidate_action") {
		get(f.Args[0])
	}
	for _, f := range db.Facts("permission_denied") {
		v := get(f.Args[0])
		v.Reasons = append(v.Reasons, f.Args[1].Text())
	}

	out := make([]Verdict, 0, len(byAction))
	audit := logging.AuditAs("constitution")
	for a, v := range byAction {
		for k := range db.Query("action_kind", map[int]types.Value{0: a}) {
			v.Kind = k.Args[1]
			break
		}
		v.Final = db.Holds("final_action", a)
		switch {
		case v.Final:
			audit.SafetyCheck(a.String(), true, "")
		case len(v.Reasons) == 0:
			v.Err = fmt.Errorf("%w: %s", ErrSilentDenial, a)
			logging.Get(logging.CategoryConstitution).Error("Silent denial of %s: no permission_denied reason derived", a)
			audit.SafetyCheck(a.String(), false, "silent")
		default:
			sort.Strings(v.Reasons)
			audit.SafetyCheck(a.String(), false, v.Reasons[0])
			if g.reporter != nil {
				g.reporter.Record(*v)
			}
		}
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action.Compare(out[j].Action) < 0 })
	logging.ConstitutionDebug("Reviewed %d actions", len(out))
	return out
}

// CheckInvariant verifies final_action(A) => candidate_action(A) and permitted(A).
func CheckInvariant(db *core.Database) error {
	if db == nil {
		return nil
	}
	var errs []error
	for _, f := range db.Facts("final_action") {
		a := f.Args[0]
		if !db.Holds("candidate_action", a) || !db.Holds("permitted", a) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvariantViolated, a))
		}
	}
	if err := errors.Join(errs...); err != nil {
		logging.Get(logging.CategoryConstitution).Error("Gate invariant violated: %v", err)
		return err
	}
	return nil
}
