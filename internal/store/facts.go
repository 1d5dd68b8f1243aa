// Package store holds the kernel's extensional database and the learnings
// store that feeds it.
package store

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"nerdkernel/internal/logging"
	"nerdkernel/internal/types"
)

var (
	// ErrInvalidMutation is returned when the store is mutated while sealed
	// for evaluation. Mutations belong to the cycle boundary.
	ErrInvalidMutation = errors.New("fact store mutation outside cycle boundary")
	// ErrArityMismatch is returned when a predicate is used with two arities.
	ErrArityMismatch = errors.New("predicate arity mismatch")
)

// FactStore is the versioned EDB. Between Seal and Unseal it is frozen.
type FactStore struct {
	mu        sync.RWMutex
	relations map[string]*Relation
	sealed    bool
	gen       uint64
	dirty     bool
	version   uint64
}

// NewFactStore creates an empty, open store.
func NewFactStore() *FactStore {
	return &FactStore{relations: make(map[string]*Relation), gen: 1}
}

// Assert adds a fact. It is a no-op for facts already present.
func (s *FactStore) Assert(f types.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("%w: assert %s", ErrInvalidMutation, f)
	}
	_, err := s.assertLocked(f)
	return err
}

// Retract removes a fact if present.
func (s *FactStore) Retract(f types.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("%w: retract %s", ErrInvalidMutation, f)
	}
	s.retractLocked(f)
	return nil
}

// RetractPredicate removes every fact of pred.
func (s *FactStore) RetractPredicate(pred string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("%w: retract %s/*", ErrInvalidMutation, pred)
	}
	s.retractPredicateLocked(pred)
	return nil
}

func (s *FactStore) assertLocked(f types.Fact) (bool, error) {
	rel, err := s.writable(f.Predicate, f.Arity())
	if err != nil {
		return false, err
	}
	if rel.Add(f) {
		s.version++
		return true, nil
	}
	return false, nil
}

func (s *FactStore) retractLocked(f types.Fact) bool {
	rel := s.relations[f.Predicate]
	if rel == nil || !rel.Contains(f) {
		return false
	}
	rel, _ = s.writable(f.Predicate, f.Arity())
	rel.Remove(f)
	s.version++
	return true
}

func (s *FactStore) retractPredicateLocked(pred string) int {
	rel := s.relations[pred]
	if rel == nil || rel.Len() == 0 {
		return 0
	}
	n := rel.Len()
	s.dirty = true
	s.relations[pred] = NewRelation(pred, rel.Arity())
	s.relations[pred].gen = s.gen
	s.version++
	return n
}

// writable returns a relation owned by the current generation, cloning it
// away from any snapshot that still references it.
func (s *FactStore) writable(pred string, arity int) (*Relation, error) {
	s.dirty = true
	rel := s.relations[pred]
	if rel == nil {
		rel = NewRelation(pred, arity)
		rel.gen = s.gen
		s.relations[pred] = rel
		return rel, nil
	}
	if rel.Arity() != arity {
		return nil, fmt.Errorf("%w: %s has arity %d, got %d", ErrArityMismatch, pred, rel.Arity(), arity)
	}
	if rel.gen != s.gen {
		rel = rel.Clone()
		rel.gen = s.gen
		s.relations[pred] = rel
	}
	return rel, nil
}

// Delta summarizes an applied batch.
type Delta struct {
	Touched   map[string]bool
	Asserted  int
	Retracted int
	Rejected  []error
}

// Empty reports whether the batch changed nothing.
func (d Delta) Empty() bool { return d.Asserted == 0 && d.Retracted == 0 }

// TouchedPredicates returns the changed predicates in sorted order.
func (d Delta) TouchedPredicates() []string {
	out := make([]string, 0, len(d.Touched))
	for p := range d.Touched {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Apply applies a batch at the cycle boundary in submission order.
// Individual malformed mutations are rejected without failing the batch.
func (s *FactStore) Apply(b Batch) (Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := Delta{Touched: make(map[string]bool)}
	if s.sealed {
		return d, fmt.Errorf("%w: apply batch of %d", ErrInvalidMutation, len(b))
	}
	for _, m := range b {
		switch m.Op {
		case OpAssert:
			added, err := s.assertLocked(m.Fact)
			if err != nil {
				d.Rejected = append(d.Rejected, fmt.Errorf("%s from %s: %w", m.Fact, m.Source, err))
				continue
			}
			if added {
				d.Asserted++
				d.Touched[m.Fact.Predicate] = true
			}
		case OpRetract:
			if s.retractLocked(m.Fact) {
				d.Retracted++
				d.Touched[m.Fact.Predicate] = true
			}
		case OpRetractPredicate:
			if n := s.retractPredicateLocked(m.Predicate); n > 0 {
				d.Retracted += n
				d.Touched[m.Predicate] = true
			}
		}
	}
	if len(d.Rejected) > 0 {
		logging.Get(logging.CategoryStore).Warn("Batch applied with %d rejected mutations", len(d.Rejected))
	}
	logging.StoreDebug("Batch applied: +%d -%d across %d predicates", d.Asserted, d.Retracted, len(d.Touched))
	return d, nil
}

// Seal freezes the store for evaluation and returns the frozen snapshot.
func (s *FactStore) Seal() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return s.snapshotLocked()
}

// Unseal reopens the store at the cycle boundary.
func (s *FactStore) Unseal() {
	s.mu.Lock()
	s.sealed = false
	s.mu.Unlock()
}

// Sealed reports whether evaluation currently owns the store.
func (s *FactStore) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Snapshot returns an immutable view without sealing.
func (s *FactStore) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *FactStore) snapshotLocked() *Snapshot {
	rels := make(map[string]*Relation, len(s.relations))
	for p, r := range s.relations {
		rels[p] = r
	}
	// Later writes clone instead of touching the shared relations.
	if s.dirty {
		s.gen++
		s.dirty = false
	}
	return &Snapshot{relations: rels, version: s.version}
}

// Query yields facts of pred matching the bound argument positions.
func (s *FactStore) Query(pred string, bound map[int]types.Value) iter.Seq[types.Fact] {
	return s.Snapshot().Query(pred, bound)
}

// Contains reports whether the fact is present.
func (s *FactStore) Contains(f types.Fact) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relations[f.Predicate].Contains(f)
}

// Count returns the number of facts of pred.
func (s *FactStore) Count(pred string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relations[pred].Len()
}

// Version increments on every applied mutation.
func (s *FactStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot is a frozen view of the EDB for one cycle.
type Snapshot struct {
	relations map[string]*Relation
	version   uint64
}

// NewSnapshot wraps relations that the caller will not modify again.
func NewSnapshot(relations map[string]*Relation, version uint64) *Snapshot {
	return &Snapshot{relations: relations, version: version}
}

func (s *Snapshot) Version() uint64 { return s.version }

// Relation returns the relation for pred, or nil.
func (s *Snapshot) Relation(pred string) *Relation { return s.relations[pred] }

// Predicates lists non-empty predicates in sorted order.
func (s *Snapshot) Predicates() []string {
	out := make([]string, 0, len(s.relations))
	for p, r := range s.relations {
		if r.Len() > 0 {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Query yields facts of pred matching the bound argument positions.
func (s *Snapshot) Query(pred string, bound map[int]types.Value) iter.Seq[types.Fact] {
	return func(yield func(types.Fact) bool) {
		rel := s.relations[pred]
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

// Facts returns every fact of pred in canonical order.
func (s *Snapshot) Facts(pred string) []types.Fact {
	return s.relations[pred].Sorted()
}

// Contains reports whether the fact is in the snapshot.
func (s *Snapshot) Contains(f types.Fact) bool {
	return s.relations[f.Predicate].Contains(f)
}

// Restore rolls the store back to snap, discarding every change made since
// it was taken.
func (s *FactStore) Restore(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("%w: restore", ErrInvalidMutation)
	}
	rels := make(map[string]*Relation, len(snap.relations))
	for p, r := range snap.relations {
		rels[p] = r
	}
	s.relations = rels
	// Restored relations are shared with snap.
	s.gen++
	s.dirty = false
	s.version++
	return nil
}
