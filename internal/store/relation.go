package store

import (
	"iter"

	"nerdkernel/internal/types"
)

// Relation is the indexed tuple set of one predicate.
// Every argument position carries a hash index so that joins can look up by
// any bound column.
type Relation struct {
	pred  string
	arity int
	facts map[string]types.Fact
	index []map[types.Value]map[string]struct{}

	// gen is the store generation that owns this relation. A relation whose
	// gen is older than the store's is shared with a snapshot and must be
	// cloned before modification.
	gen uint64
}

// NewRelation creates an empty relation.
func NewRelation(pred string, arity int) *Relation {
	r := &Relation{
		pred:  pred,
		arity: arity,
		facts: make(map[string]types.Fact),
		index: make([]map[types.Value]map[string]struct{}, arity),
	}
	for i := range r.index {
		r.index[i] = make(map[types.Value]map[string]struct{})
	}
	return r
}

func (r *Relation) Predicate() string { return r.pred }
func (r *Relation) Arity() int        { return r.arity }

func (r *Relation) Len() int {
	if r == nil {
		return 0
	}
	return len(r.facts)
}

// Add inserts f and reports whether it was new.
func (r *Relation) Add(f types.Fact) bool {
	key := f.Key()
	if _, ok := r.facts[key]; ok {
		return false
	}
	r.facts[key] = f
	for i, v := range f.Args {
		bucket := r.index[i][v]
		if bucket == nil {
			bucket = make(map[string]struct{})
			r.index[i][v] = bucket
		}
		bucket[key] = struct{}{}
	}
	return true
}

// Remove deletes f and reports whether it was present.
func (r *Relation) Remove(f types.Fact) bool {
	key := f.Key()
	if _, ok := r.facts[key]; !ok {
		return false
	}
	delete(r.facts, key)
	for i, v := range f.Args {
		bucket := r.index[i][v]
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(r.index[i], v)
		}
	}
	return true
}

// Contains reports whether f is in the relation.
func (r *Relation) Contains(f types.Fact) bool {
	if r == nil {
		return false
	}
	_, ok := r.facts[f.Key()]
	return ok
}

// Scan yields every fact matching pattern. pattern has one entry per
// argument position; an invalid (zero) Value leaves the position unbound.
// The most selective bound position drives the lookup.
func (r *Relation) Scan(pattern []types.Value, yield func(types.Fact) bool) {
	if r == nil || len(r.facts) == 0 {
		return
	}
	var best map[string]struct{}
	bound := false
	for i, v := range pattern {
		if !v.IsValid() || i >= r.arity {
			continue
		}
		bound = true
		bucket := r.index[i][v]
		if len(bucket) == 0 {
			return
		}
		if best == nil || len(bucket) < len(best) {
			best = bucket
		}
	}
	if !bound {
		for _, f := range r.facts {
			if !yield(f) {
				return
			}
		}
		return
	}
	for key := range best {
		f := r.facts[key]
		if matches(f, pattern) && !yield(f) {
			return
		}
	}
}

func matches(f types.Fact, pattern []types.Value) bool {
	for i, v := range pattern {
		if v.IsValid() && (i >= len(f.Args) || f.Args[i] != v) {
			return false
		}
	}
	return true
}

// All iterates the relation in no particular order.
func (r *Relation) All() iter.Seq[types.Fact] {
	return func(yield func(types.Fact) bool) {
		if r == nil {
			return
		}
		for _, f := range r.facts {
			if !yield(f) {
				return
			}
		}
	}
}

// Sorted returns the facts in canonical order.
func (r *Relation) Sorted() []types.Fact {
	if r == nil {
		return nil
	}
	out := make([]types.Fact, 0, len(r.facts))
	for _, f := range r.facts {
		out = append(out, f)
	}
	types.SortFacts(out)
	return out
}

// Clone returns a deep copy of the relation.
func (r *Relation) Clone() *Relation {
	c := NewRelation(r.pred, r.arity)
	for _, f := range r.facts {
		c.Add(f)
	}
	return c
}
