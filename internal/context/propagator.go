// Package context selects the base facts injected into a shard's prompt.
//
// Activation is derived by the rules in activation.mg. This package feeds
// those rules (fact_ref, fact_mentions and new_fact annotations over the
// EDB) and reads the winners back out of an evaluated cycle.
package context

import (
	"sort"
	"sync"

	"nerdkernel/internal/config"
	"nerdkernel/internal/core"
	"nerdkernel/internal/logging"
	"nerdkernel/internal/mangle"
	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
)

// Annotation predicates, replaced wholesale at every boundary.
const (
	PredFactRef      = "fact_ref"
	PredFactMentions = "fact_mentions"
	PredNewFact      = "new_fact"
)

// bookkeeping predicates describe the harness, not the workspace, and are
// never offered as context.
var bookkeeping = map[string]bool{
	PredFactRef:       true,
	PredFactMentions:  true,
	PredNewFact:       true,
	"current_time":    true,
	"policy_param":    true,
	"policy_default":  true,
	"activation_pin":  true,
	"shard_heartbeat": true,
	"task_cancelled":  true,
}

// Ranked is one fact's combined activation.
type Ranked struct {
	ID       string
	Fact     types.Fact
	Score    types.Score
	Priority int64
}

// Entry is one selected context fact.
type Entry struct {
	Ranked
	High bool
}

// Selection is the context chosen for one shard.
type Selection struct {
	Shard   types.Value
	Entries []Entry
	Tokens  int
	Dropped int
}

// Facts returns the selected facts in rank order.
func (s Selection) Facts() []types.Fact {
	out := make([]types.Fact, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Fact
	}
	return out
}

// Propagator annotates the EDB for the activation rules and selects
// context from evaluated cycles.
type Propagator struct {
	mu      sync.Mutex
	preds   map[string]bool // nil: every non-bookkeeping predicate
	budget  int
	seen    map[string]struct{}
	counter *TokenCounter
}

// NewPropagator creates a propagator from the activation settings.
func NewPropagator(cfg config.ActivationConfig) *Propagator {
	p := &Propagator{
		budget:  cfg.ContextBudget,
		seen:    make(map[string]struct{}),
		counter: NewTokenCounter(),
	}
	if len(cfg.ContextPredicates) > 0 {
		p.preds = make(map[string]bool, len(cfg.ContextPredicates))
		for _, pred := range cfg.ContextPredicates {
			p.preds[pred] = true
		}
	}
	return p
}

// Eligible reports whether facts of pred may become context.
func (p *Propagator) Eligible(pred string) bool {
	if bookkeeping[pred] {
		return false
	}
	return p.preds == nil || p.preds[pred]
}

// Annotate builds the annotation facts for every context-eligible fact.
// A fact not seen by the previous call is marked new_fact.
func (p *Propagator) Annotate(facts []types.Fact) []types.Fact {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{}, len(facts))
	var out []types.Fact
	fresh := 0
	for _, f := range facts {
		if !p.Eligible(f.Predicate) {
			continue
		}
		id := f.ID()
		idv := types.String(id)
		seen[id] = struct{}{}
		out = append(out, types.NewFact(PredFactRef, idv, types.String(f.Predicate)))

		mentioned := make(map[types.Value]bool, len(f.Args))
		for _, a := range f.Args {
			if k := a.Kind(); k != types.KindString && k != types.KindName {
				continue
			}
			if mentioned[a] {
				continue
			}
			mentioned[a] = true
			out = append(out, types.NewFact(PredFactMentions, idv, a))
		}
		if _, ok := p.seen[id]; !ok {
			out = append(out, types.NewFact(PredNewFact, idv))
			fresh++
		}
	}
	p.seen = seen
	logging.ContextDebug("Annotated %d context facts (%d new)", len(seen), fresh)
	return out
}

// Batch annotates the EDB snapshot and returns the boundary batch that
// replaces the previous annotations. Predicates defined by the program,
// including its table facts, are not annotated.
func (p *Propagator) Batch(snap *store.Snapshot, prog *mangle.Program) store.Batch {
	skip := make(map[string]bool)
	if prog != nil {
		for _, f := range prog.Facts {
			skip[f.Predicate] = true
		}
	}
	var facts []types.Fact
	for _, pred := range snap.Predicates() {
		if skip[pred] || (prog != nil && prog.IsDerived(pred)) {
			continue
		}
		facts = append(facts, snap.Facts(pred)...)
	}

	byPred := map[string][]types.Fact{}
	for _, f := range p.Annotate(facts) {
		byPred[f.Predicate] = append(byPred[f.Predicate], f)
	}
	var b store.Batch
	for _, pred := range []string{PredFactRef, PredFactMentions, PredNewFact} {
		b.Replace("context", pred, byPred[pred]...)
	}
	return b
}

// Rank combines activation_contrib by max score, breaking ties by the
// higher rule priority. The result is ordered by score, then priority,
// then id. Contributions to ids that no longer name a base fact are dropped.
func (p *Propagator) Rank(db *core.Database) []Ranked {
	if db == nil {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryContext, "Rank")
	defer timer.Stop()

	best := make(map[string]Ranked)
	for _, c := range db.Facts("activation_contrib") {
		if len(c.Args) != 3 {
			continue
		}
		id := c.Args[0].Text()
		score, ok := types.ScoreOf(c.Args[1])
		if !ok {
			continue
		}
		prio, _ := c.Args[2].IntValue()
		cur, exists := best[id]
		if exists && (score < cur.Score || (score == cur.Score && prio <= cur.Priority)) {
			continue
		}
		if !exists {
			f, ok := db.FactByID(id)
			if !ok {
				continue
			}
			cur.Fact = f
		}
		cur.ID, cur.Score, cur.Priority = id, score, prio
		best[id] = cur
	}

	out := make([]Ranked, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sortRanked(out)
	return out
}

func sortRanked(rs []Ranked) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}

// Select returns the facts injectable for shard, at most budget of them
// (the configured budget when budget <= 0), in rank order.
func (p *Propagator) Select(db *core.Database, shard types.Value, budget int) Selection {
	sel := Selection{Shard: shard}
	if db == nil {
		return sel
	}
	if budget <= 0 {
		budget = p.budget
	}

	ranked := make(map[string]Ranked)
	for _, r := range p.Rank(db) {
		ranked[r.ID] = r
	}

	var picked []Ranked
	for f := range db.Query("injectable_context", map[int]types.Value{0: shard}) {
		if r, ok := ranked[f.Args[1].Text()]; ok {
			picked = append(picked, r)
		}
	}
	sortRanked(picked)

	high := types.Name("/high")
	for i, r := range picked {
		if budget > 0 && i >= budget {
			sel.Dropped = len(picked) - i
			break
		}
		sel.Entries = append(sel.Entries, Entry{
			Ranked: r,
			High:   db.Holds("context_priority", types.String(r.ID), high),
		})
		sel.Tokens += p.counter.CountFact(r.Fact)
	}
	logging.ContextDebug("Selected %d context facts for %s (%d tokens, %d over budget)",
		len(sel.Entries), shard, sel.Tokens, sel.Dropped)
	return sel
}

// Render serializes a selection for prompt injection.
func (p *Propagator) Render(sel Selection) string {
	return NewFactSerializer().SerializeSelection(sel, false)
}
