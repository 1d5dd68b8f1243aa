package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nerdkernel/internal/logging"
	"nerdkernel/internal/mangle"
	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
)

// ErrDerivationLimit aborts an evaluation that derives more facts than the
// configured ceiling.
var ErrDerivationLimit = errors.New("derived fact limit exceeded")

// DefaultMaxDerivedFacts is the derivation ceiling when none is configured.
const DefaultMaxDerivedFacts = 500000

// =============================================================================
// COMPILED RULES
// =============================================================================

// cterm is a term with its variable resolved to an environment slot.
type cterm struct {
	slot int // -1 for constants, calls and wildcards
	val  types.Value
	call *ccall
}

type ccall struct {
	fn   mangle.Function
	args []cterm
}

type cliteral struct {
	kind    mangle.LiteralKind
	pred    string
	args    []cterm
	builtin mangle.Predicate
	src     mangle.Literal
}

type cagg struct {
	groupBy []int
	lets    []clet
}

type clet struct {
	slot int
	arg  int // -1 for fn:count
	fn   mangle.Aggregator
}

type crule struct {
	rule   *mangle.Rule
	head   []cterm
	body   []cliteral
	agg    *cagg
	nslots int
}

func compileRule(r *mangle.Rule) *crule {
	slots := make(map[string]int)
	wild := 0
	slot := func(name string) int {
		if name == "_" {
			if r.Agg == nil {
				return -1
			}
			// Aggregates count distinct body bindings, so each wildcard
			// keeps its own column.
			wild++
			name = fmt.Sprintf("_#%d", wild)
		}
		if s, ok := slots[name]; ok {
			return s
		}
		slots[name] = len(slots)
		return slots[name]
	}
	var term func(t mangle.Term) cterm
	term = func(t mangle.Term) cterm {
		switch {
		case t.IsCall():
			c := &ccall{fn: t.Call.Fn, args: make([]cterm, len(t.Call.Args))}
			for i, a := range t.Call.Args {
				c.args[i] = term(a)
			}
			return cterm{slot: -1, call: c}
		case t.IsVar():
			return cterm{slot: slot(t.Var)}
		default:
			return cterm{slot: -1, val: t.Const}
		}
	}
	terms := func(ts []mangle.Term) []cterm {
		out := make([]cterm, len(ts))
		for i, t := range ts {
			out[i] = term(t)
		}
		return out
	}

	cr := &crule{rule: r}
	for _, l := range r.Body {
		cr.body = append(cr.body, cliteral{
			kind:    l.Kind,
			pred:    l.Atom.Pred,
			args:    terms(l.Atom.Args),
			builtin: l.Builtin,
			src:     l,
		})
	}
	if r.Agg != nil {
		cr.agg = &cagg{}
		for _, g := range r.Agg.GroupBy {
			cr.agg.groupBy = append(cr.agg.groupBy, slot(g))
		}
		for _, l := range r.Agg.Lets {
			cl := clet{slot: slot(l.Var), arg: -1, fn: l.Agg}
			if l.Arg != "" {
				cl.arg = slot(l.Arg)
			}
			cr.agg.lets = append(cr.agg.lets, cl)
		}
	}
	cr.head = terms(r.Head.Args)
	cr.nslots = len(slots)
	return cr
}

// =============================================================================
// EVALUATION
// =============================================================================

// evaluation is one stratified fixpoint run over a sealed EDB snapshot.
type evaluation struct {
	ctx     context.Context
	prog    *mangle.Program
	rules   map[*mangle.Rule]*crule
	edb     *store.Snapshot
	idb     map[string]*store.Relation
	proofs  map[string]map[string]Derivation // pred -> fact key
	explain bool
	limit   int
	derived int
	hook    func(stratum int)
	aborted func() error
	stats   EvalStats
}

// EvalStats summarizes one evaluation.
type EvalStats struct {
	Strata        int
	FirstStratum  int
	Rounds        int
	Derived       int
	Recomputed    []string
	BuiltinErrors int // bindings dropped by builtin type errors
}

func (ev *evaluation) relation(pred string) *store.Relation {
	if r, ok := ev.idb[pred]; ok {
		return r
	}
	return ev.edb.Relation(pred)
}

// run evaluates every stratum from `from` upward, recomputing only the
// predicates in recompute (nil means all derived predicates).
func (ev *evaluation) run(from int, recompute map[string]bool) error {
	strata := ev.prog.Strata()
	for _, st := range strata {
		if st.Index < from {
			continue
		}
		var rules []*crule
		for _, r := range st.Rules {
			if recompute == nil || recompute[r.Head.Pred] {
				rules = append(rules, ev.rules[r])
			}
		}
		if len(rules) > 0 {
			if err := ev.stratum(rules); err != nil {
				return fmt.Errorf("stratum %d: %w", st.Index, err)
			}
			ev.stats.Strata++
		}
		if ev.hook != nil {
			ev.hook(st.Index)
		}
		if ev.aborted != nil {
			if err := ev.aborted(); err != nil {
				return err
			}
		}
		if err := ev.ctx.Err(); err != nil {
			return err
		}
	}
	ev.stats.Derived = ev.derived
	return nil
}

// stratum runs aggregates once, then the remaining rules semi-naively.
func (ev *evaluation) stratum(rules []*crule) error {
	heads := make(map[string]bool)
	for _, cr := range rules {
		p := cr.rule.Head.Pred
		if !heads[p] {
			heads[p] = true
			rel := store.NewRelation(p, len(cr.head))
			// Derived predicates may also carry asserted facts.
			if base := ev.edb.Relation(p); base != nil {
				for f := range base.All() {
					rel.Add(f)
				}
			}
			ev.idb[p] = rel
			if ev.explain {
				delete(ev.proofs, p)
			}
		}
	}

	delta := make(map[string]*store.Relation)
	var plain []*crule
	for _, cr := range rules {
		if cr.agg == nil {
			plain = append(plain, cr)
			continue
		}
		if err := ev.fire(cr, -1, nil, delta); err != nil {
			return err
		}
	}

	for _, cr := range plain {
		if err := ev.fire(cr, -1, nil, delta); err != nil {
			return err
		}
	}
	ev.stats.Rounds++

	for len(delta) > 0 {
		if err := ev.ctx.Err(); err != nil {
			return err
		}
		next := make(map[string]*store.Relation)
		for _, cr := range plain {
			for i, l := range cr.body {
				if l.kind != mangle.LitPositive || !heads[l.pred] {
					continue
				}
				d := delta[l.pred]
				if d.Len() == 0 {
					continue
				}
				if err := ev.fire(cr, i, d, next); err != nil {
					return err
				}
			}
		}
		delta = next
		ev.stats.Rounds++
	}
	return nil
}

// fire evaluates one rule. When deltaPos >= 0 the literal at that position
// reads only the previous round's new facts. New head facts are added to
// the IDB and to out.
func (ev *evaluation) fire(cr *crule, deltaPos int, delta *store.Relation, out map[string]*store.Relation) error {
	var (
		found []types.Fact
		why   [][]types.Fact
	)
	env := make([]types.Value, cr.nslots)
	var trail []types.Fact

	emit := func() error {
		f, err := cr.ground(env)
		if err != nil {
			return err
		}
		found = append(found, f)
		if ev.explain {
			why = append(why, append([]types.Fact(nil), trail...))
		}
		return nil
	}

	if cr.agg != nil {
		rows := make(map[string][]types.Value)
		var order []string
		err := ev.join(cr, 0, env, -1, nil, &trail, func() error {
			key := envKey(env)
			if _, seen := rows[key]; !seen {
				rows[key] = append([]types.Value(nil), env...)
				order = append(order, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		groups, skipped, err := cr.aggregate(order, rows)
		if err != nil {
			return err
		}
		if skipped > 0 {
			ev.stats.BuiltinErrors += skipped
			logging.KernelDebug("rule %s: %d aggregate rows skipped on operand type errors", cr.rule.Name, skipped)
		}
		for _, g := range groups {
			copy(env, g)
			if err := emit(); err != nil {
				return err
			}
		}
	} else if err := ev.join(cr, 0, env, deltaPos, delta, &trail, emit); err != nil {
		return err
	}

	head := ev.idb[cr.rule.Head.Pred]
	for i, f := range found {
		if !head.Add(f) {
			continue
		}
		ev.derived++
		if ev.derived > ev.limit {
			return fmt.Errorf("%w: %d facts (last by rule %s)", ErrDerivationLimit, ev.derived, cr.rule.Name)
		}
		d := out[f.Predicate]
		if d == nil {
			d = store.NewRelation(f.Predicate, f.Arity())
			out[f.Predicate] = d
		}
		d.Add(f)
		if ev.explain {
			byKey := ev.proofs[f.Predicate]
			if byKey == nil {
				byKey = make(map[string]Derivation)
				ev.proofs[f.Predicate] = byKey
			}
			byKey[f.Key()] = Derivation{Rule: cr.rule.Name, Premises: why[i]}
		}
	}
	return nil
}

// join enumerates the bindings of the body from position i onward and
// calls emit for every complete one.
func (ev *evaluation) join(cr *crule, i int, env []types.Value, deltaPos int, delta *store.Relation, trail *[]types.Fact, emit func() error) error {
	if i == len(cr.body) {
		return emit()
	}
	l := cr.body[i]
	switch l.kind {
	case mangle.LitPositive:
		rel := ev.relation(l.pred)
		if i == deltaPos {
			rel = delta
		}
		pattern, err := bindPattern(l.args, env)
		if err != nil {
			return err
		}
		var bound []int
		var ferr error
		rel.Scan(pattern, func(f types.Fact) bool {
			bound = bound[:0]
			ok := true
			for j, a := range l.args {
				if a.slot < 0 {
					continue
				}
				if env[a.slot].IsValid() {
					if env[a.slot] != f.Args[j] {
						ok = false
						break
					}
					continue
				}
				env[a.slot] = f.Args[j]
				bound = append(bound, a.slot)
			}
			if ok {
				if ev.explain {
					*trail = append(*trail, f)
				}
				ferr = ev.join(cr, i+1, env, deltaPos, delta, trail, emit)
				if ev.explain {
					*trail = (*trail)[:len(*trail)-1]
				}
			}
			for _, s := range bound {
				env[s] = types.Value{}
			}
			return ferr == nil
		})
		return ferr

	case mangle.LitNegated:
		pattern, err := bindPattern(l.args, env)
		if err != nil {
			return err
		}
		exists := false
		ev.relation(l.pred).Scan(pattern, func(types.Fact) bool {
			exists = true
			return false
		})
		if exists {
			return nil
		}
		return ev.join(cr, i+1, env, deltaPos, delta, trail, emit)

	case mangle.LitBuiltin:
		args, err := evalTerms(l.args, env)
		if err != nil {
			return ev.builtinErr(cr, l, err)
		}
		ok, err := l.builtin(args)
		if err != nil {
			return ev.builtinErr(cr, l, err)
		}
		if !ok {
			return nil
		}
		return ev.join(cr, i+1, env, deltaPos, delta, trail, emit)

	case mangle.LitEqual, mangle.LitNotEqual:
		args, err := evalTerms(l.args, env)
		if err != nil {
			return ev.builtinErr(cr, l, err)
		}
		if (args[0] == args[1]) != (l.kind == mangle.LitEqual) {
			return nil
		}
		return ev.join(cr, i+1, env, deltaPos, delta, trail, emit)

	case mangle.LitAssign:
		v, err := evalTerm(l.args[1], env)
		if err != nil {
			return ev.builtinErr(cr, l, err)
		}
		s := l.args[0].slot
		env[s] = v
		err = ev.join(cr, i+1, env, deltaPos, delta, trail, emit)
		env[s] = types.Value{}
		return err
	}
	return fmt.Errorf("rule %s: unknown literal kind %v", cr.rule.Name, l.kind)
}

// A builtin type error fails the binding, not the evaluation: a rule that
// compares a name with an integer simply does not fire for that row.
func (ev *evaluation) builtinErr(cr *crule, l cliteral, err error) error {
	if errors.Is(err, mangle.ErrBuiltinType) {
		ev.stats.BuiltinErrors++
		logging.KernelDebug("rule %s: %s skipped: %v", cr.rule.Name, l.src, err)
		return nil
	}
	return fmt.Errorf("rule %s: %s: %w", cr.rule.Name, l.src, err)
}

func bindPattern(args []cterm, env []types.Value) ([]types.Value, error) {
	pattern := make([]types.Value, len(args))
	for j, a := range args {
		switch {
		case a.slot >= 0:
			pattern[j] = env[a.slot]
		case a.call == nil:
			pattern[j] = a.val
		default:
			v, err := evalTerm(a, env)
			if err != nil {
				return nil, err
			}
			pattern[j] = v
		}
	}
	return pattern, nil
}

func evalTerm(t cterm, env []types.Value) (types.Value, error) {
	switch {
	case t.slot >= 0:
		return env[t.slot], nil
	case t.call != nil:
		args, err := evalTerms(t.call.args, env)
		if err != nil {
			return types.Value{}, err
		}
		return t.call.fn(args)
	default:
		return t.val, nil
	}
}

func evalTerms(ts []cterm, env []types.Value) ([]types.Value, error) {
	out := make([]types.Value, len(ts))
	for i, t := range ts {
		v, err := evalTerm(t, env)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (cr *crule) ground(env []types.Value) (types.Fact, error) {
	args, err := evalTerms(cr.head, env)
	if err != nil {
		return types.Fact{}, err
	}
	return types.NewFact(cr.rule.Head.Pred, args...), nil
}

// aggregate groups the distinct body bindings and computes each let.
// It returns one environment per group with the let slots filled in.
// Rows a fold rejects with a builtin type error are left out of their
// group, and a group with no rows left produces nothing; skipped counts
// both.
func (cr *crule) aggregate(order []string, rows map[string][]types.Value) (out [][]types.Value, skipped int, err error) {
	type group struct {
		env  []types.Value
		rows [][]types.Value
	}
	groups := make(map[string]*group)
	var keys []string
	for _, k := range order {
		row := rows[k]
		if !cr.foldable(row) {
			skipped++
			continue
		}
		gk := slotKey(row, cr.agg.groupBy)
		g := groups[gk]
		if g == nil {
			g = &group{env: make([]types.Value, cr.nslots)}
			for _, s := range cr.agg.groupBy {
				g.env[s] = row[s]
			}
			groups[gk] = g
			keys = append(keys, gk)
		}
		g.rows = append(g.rows, row)
	}
	out = make([][]types.Value, 0, len(keys))
nextGroup:
	for _, k := range keys {
		g := groups[k]
		for _, l := range cr.agg.lets {
			vals := make([]types.Value, len(g.rows))
			for i, row := range g.rows {
				if l.arg >= 0 {
					vals[i] = row[l.arg]
				}
			}
			v, err := l.fn(vals)
			if errors.Is(err, mangle.ErrBuiltinType) {
				skipped++
				continue nextGroup
			}
			if err != nil {
				return nil, skipped, fmt.Errorf("rule %s: %w", cr.rule.Name, err)
			}
			g.env[l.slot] = v
		}
		out = append(out, g.env)
	}
	return out, skipped, nil
}

// foldable reports whether every let accepts the row's value on its own.
func (cr *crule) foldable(row []types.Value) bool {
	for _, l := range cr.agg.lets {
		if l.arg < 0 {
			continue
		}
		if _, err := l.fn([]types.Value{row[l.arg]}); errors.Is(err, mangle.ErrBuiltinType) {
			return false
		}
	}
	return true
}

func envKey(env []types.Value) string {
	var sb strings.Builder
	for _, v := range env {
		sb.WriteString(v.String())
		sb.WriteByte(0)
	}
	return sb.String()
}

func slotKey(env []types.Value, slots []int) string {
	var sb strings.Builder
	for _, s := range slots {
		sb.WriteString(env[s].String())
		sb.WriteByte(0)
	}
	return sb.String()
}
