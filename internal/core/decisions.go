package core

import (
	"errors"
	"sort"

	"nerdkernel/internal/types"
)

// ErrNotEvaluated is returned by decision queries before the first cycle.
var ErrNotEvaluated = errors.New("kernel has not been evaluated")

// Delegation is the shard assignment derived by delegate_task.
type Delegation struct {
	ShardType   types.Value
	Description string
}

// Denial is a candidate action the constitution refused, with every reason.
type Denial struct {
	Action  types.Value
	Reasons []string
}

// Decisions answers the decision queries over one evaluated cycle.
// A nil database answers nothing.
type Decisions struct {
	db *Database
}

// NewDecisions wraps an evaluated database.
func NewDecisions(db *Database) *Decisions { return &Decisions{db: db} }

// Ready reports whether a cycle has been evaluated.
func (d *Decisions) Ready() bool { return d.db != nil }

// Database returns the underlying evaluation result.
func (d *Decisions) Database() *Database { return d.db }

// NextAction returns the single recommended next action: the derived
// next_action with the highest action_priority, lowest name on ties.
func (d *Decisions) NextAction() (types.Value, bool) {
	acts := d.NextActions()
	if len(acts) == 0 {
		return types.Value{}, false
	}
	return acts[0], true
}

// NextActions returns every derived next_action in recommendation order.
func (d *Decisions) NextActions() []types.Value {
	if d.db == nil {
		return nil
	}
	type ranked struct {
		act  types.Value
		prio int64
	}
	var acts []ranked
	for _, f := range d.db.Facts("next_action") {
		r := ranked{act: f.Args[0]}
		for p := range d.db.Query("action_priority", map[int]types.Value{0: r.act}) {
			if n, ok := p.Args[1].IntValue(); ok && n > r.prio {
				r.prio = n
			}
		}
		acts = append(acts, r)
	}
	sort.SliceStable(acts, func(i, j int) bool {
		if acts[i].prio != acts[j].prio {
			return acts[i].prio > acts[j].prio
		}
		return acts[i].act.Compare(acts[j].act) < 0
	})
	out := make([]types.Value, len(acts))
	for i, r := range acts {
		out[i] = r.act
	}
	return out
}

// DelegateTask returns the pending delegation, if any.
func (d *Decisions) DelegateTask() (Delegation, bool) {
	if d.db == nil {
		return Delegation{}, false
	}
	pending := types.Name("/pending")
	for _, f := range d.db.Facts("delegate_task") {
		if len(f.Args) == 3 && f.Args[2] == pending {
			return Delegation{ShardType: f.Args[0], Description: f.Args[1].Text()}, true
		}
	}
	return Delegation{}, false
}

// FinalAction reports whether the action passed the constitution.
func (d *Decisions) FinalAction(id types.Value) bool {
	return d.db != nil && d.db.Holds("final_action", id)
}

// FinalActions lists every approved action.
func (d *Decisions) FinalActions() []types.Value {
	if d.db == nil {
		return nil
	}
	var out []types.Value
	for _, f := range d.db.Facts("final_action") {
		out = append(out, f.Args[0])
	}
	return out
}

// Denials groups permission_denied facts by action.
func (d *Decisions) Denials() []Denial {
	if d.db == nil {
		return nil
	}
	var out []Denial
	idx := make(map[types.Value]int)
	for _, f := range d.db.Facts("permission_denied") {
		i, ok := idx[f.Args[0]]
		if !ok {
			i = len(out)
			idx[f.Args[0]] = i
			out = append(out, Denial{Action: f.Args[0]})
		}
		out[i].Reasons = append(out[i].Reasons, f.Args[1].Text())
	}
	return out
}

// InjectableContext returns the base facts selected for a shard's prompt,
// most activated first.
func (d *Decisions) InjectableContext(shardID types.Value) []types.Fact {
	if d.db == nil {
		return nil
	}
	type scored struct {
		fact  types.Fact
		id    string
		score int64
	}
	var picked []scored
	for f := range d.db.Query("injectable_context", map[int]types.Value{0: shardID}) {
		id := f.Args[1].Text()
		base, ok := d.db.FactByID(id)
		if !ok {
			continue
		}
		s := scored{fact: base, id: id}
		for a := range d.db.Query("activation", map[int]types.Value{0: f.Args[1]}) {
			s.score, _ = a.Args[1].IntValue()
		}
		picked = append(picked, s)
	}
	sort.Slice(picked, func(i, j int) bool {
		if picked[i].score != picked[j].score {
			return picked[i].score > picked[j].score
		}
		return picked[i].id < picked[j].id
	})
	out := make([]types.Fact, len(picked))
	for i, p := range picked {
		out[i] = p.fact
	}
	return out
}

// Query returns every fact of pred.
func (d *Decisions) Query(pred string) []types.Fact {
	if d.db == nil {
		return nil
	}
	return d.db.Facts(pred)
}

// Explain returns the proof tree of f.
func (d *Decisions) Explain(f types.Fact) (*ProofTree, error) {
	if d.db == nil {
		return nil, ErrNotEvaluated
	}
	return d.db.Explain(f)
}
