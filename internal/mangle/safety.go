package mangle

import (
	"fmt"
	"slices"
)

// checkSafety enforces range restriction over the ordered body: a negated,
// builtin or comparison literal may only use variables bound by an earlier
// literal, and every head variable must be bound. Equalities whose left (or
// right) side is a fresh variable become assignments.
func checkSafety(r *Rule) error {
	bound := make(map[string]bool)
	isBound := func(t Term) bool {
		for _, v := range t.vars(nil) {
			if !bound[v] {
				return false
			}
		}
		return !t.IsWildcard()
	}
	unbound := func(ts ...Term) []string {
		var out []string
		for _, t := range ts {
			if t.IsWildcard() {
				out = append(out, "_")
				continue
			}
			for _, v := range t.vars(nil) {
				if !bound[v] && !slices.Contains(out, v) {
					out = append(out, v)
				}
			}
		}
		return out
	}

	for i := range r.Body {
		lit := &r.Body[i]
		switch lit.Kind {
		case LitPositive:
			for _, t := range lit.Atom.Args {
				for _, v := range t.vars(nil) {
					bound[v] = true
				}
			}
		case LitNegated:
			// Wildcards under negation mean "no such fact"; named variables must be bound.
			var missing []string
			for _, t := range lit.Atom.Args {
				if t.IsWildcard() {
					continue
				}
				missing = append(missing, unbound(t)...)
			}
			if len(missing) > 0 {
				return fmt.Errorf("%w: variables %v unbound in negation %s", ErrUnsafeRule, missing, lit)
			}
		case LitBuiltin, LitNotEqual:
			if missing := unbound(lit.Atom.Args...); len(missing) > 0 {
				return fmt.Errorf("%w: variables %v unbound in %s", ErrUnsafeRule, missing, lit)
			}
		case LitEqual:
			left, right := lit.Atom.Args[0], lit.Atom.Args[1]
			switch {
			case isBound(left) && isBound(right):
			case left.IsVar() && !left.IsWildcard() && !bound[left.Var] && isBound(right):
				lit.Kind = LitAssign
				bound[left.Var] = true
			case right.IsVar() && !right.IsWildcard() && !bound[right.Var] && isBound(left):
				lit.Kind = LitAssign
				lit.Atom.Args[0], lit.Atom.Args[1] = right, left
				bound[right.Var] = true
			default:
				return fmt.Errorf("%w: variables %v unbound in %s", ErrUnsafeRule, unbound(left, right), lit)
			}
		}
	}

	headScope := bound
	if r.Agg != nil {
		headScope = make(map[string]bool)
		for _, g := range r.Agg.GroupBy {
			if !bound[g] {
				return fmt.Errorf("%w: group_by variable %s unbound", ErrUnsafeRule, g)
			}
			headScope[g] = true
		}
		for _, l := range r.Agg.Lets {
			if l.Arg != "" && !bound[l.Arg] {
				return fmt.Errorf("%w: aggregated variable %s unbound", ErrUnsafeRule, l.Arg)
			}
			headScope[l.Var] = true
		}
	}
	for _, t := range r.Head.Args {
		if t.IsWildcard() {
			return fmt.Errorf("%w: wildcard in head %s", ErrUnsafeRule, r.Head)
		}
		if t.IsVar() && !headScope[t.Var] {
			return fmt.Errorf("%w: head variable %s unbound", ErrUnsafeRule, t.Var)
		}
	}
	return nil
}
