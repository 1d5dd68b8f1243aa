package core

import (
	"iter"
	"sort"
	"sync"

	"nerdkernel/internal/mangle"
	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
)

// Database is the immutable result of one evaluation: the sealed EDB
// snapshot plus every derived relation. It is safe for concurrent readers.
type Database struct {
	cycle  uint64
	prog   *mangle.Program
	edb    *store.Snapshot
	idb    map[string]*store.Relation
	proofs map[string]map[string]Derivation
	stats  EvalStats

	idOnce sync.Once
	byID   map[string]types.Fact
}

// Cycle is the evaluation sequence number that produced the database.
func (db *Database) Cycle() uint64 { return db.cycle }

// Stats describes the evaluation that produced the database.
func (db *Database) Stats() EvalStats { return db.stats }

// Program is the rule set the database was computed with.
func (db *Database) Program() *mangle.Program { return db.prog }

// EDB returns the frozen base facts.
func (db *Database) EDB() *store.Snapshot { return db.edb }

func (db *Database) relation(pred string) *store.Relation {
	if r, ok := db.idb[pred]; ok {
		return r
	}
	return db.edb.Relation(pred)
}

// Query yields facts of pred, base or derived, matching the bound positions.
func (db *Database) Query(pred string, bound map[int]types.Value) iter.Seq[types.Fact] {
	return func(yield func(types.Fact) bool) {
		rel := db.relation(pred)
		if rel == nil {
			return
		}
		pattern := make([]types.Value, rel.Arity())
		for i, v := range bound {
			if i < 0 || i >= len(pattern) {
				return
			}
			pattern[i] = v
		}
		rel.Scan(pattern, yield)
	}
}

// Facts returns all facts of pred in canonical order.
func (db *Database) Facts(pred string) []types.Fact {
	return db.relation(pred).Sorted()
}

// Contains reports whether f holds.
func (db *Database) Contains(f types.Fact) bool {
	return db.relation(f.Predicate).Contains(f)
}

// Holds reports whether pred has a fact with the given leading arguments.
func (db *Database) Holds(pred string, args ...types.Value) bool {
	bound := make(map[int]types.Value, len(args))
	for i, a := range args {
		bound[i] = a
	}
	for range db.Query(pred, bound) {
		return true
	}
	return false
}

// Count returns the number of facts of pred.
func (db *Database) Count(pred string) int { return db.relation(pred).Len() }

// DerivedPredicates lists the predicates with at least one derived fact.
func (db *Database) DerivedPredicates() []string {
	var out []string
	for p, r := range db.idb {
		if r.Len() > 0 {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// FactByID resolves a fact id (types.Fact.ID) to the base fact it names.
func (db *Database) FactByID(id string) (types.Fact, bool) {
	db.idOnce.Do(func() {
		db.byID = make(map[string]types.Fact)
		for _, p := range db.edb.Predicates() {
			for f := range db.edb.Relation(p).All() {
				db.byID[f.ID()] = f
			}
		}
	})
	f, ok := db.byID[id]
	return f, ok
}
