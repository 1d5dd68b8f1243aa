package store

import (
	"sync"

	"nerdkernel/internal/types"
)

// OpKind is the kind of a queued mutation.
type OpKind int

const (
	OpAssert OpKind = iota
	OpRetract
	OpRetractPredicate
)

func (k OpKind) String() string {
	switch k {
	case OpAssert:
		return "assert"
	case OpRetract:
		return "retract"
	default:
		return "retract_predicate"
	}
}

// Mutation is one queued change to the EDB.
type Mutation struct {
	Op        OpKind
	Fact      types.Fact
	Predicate string // OpRetractPredicate only
	Source    string // shard id, sensor, api
}

// Batch is an ordered list of mutations applied together at a boundary.
type Batch []Mutation

// Assert appends an assert.
func (b *Batch) Assert(source string, facts ...types.Fact) {
	for _, f := range facts {
		*b = append(*b, Mutation{Op: OpAssert, Fact: f, Source: source})
	}
}

// Retract appends a retract.
func (b *Batch) Retract(source string, facts ...types.Fact) {
	for _, f := range facts {
		*b = append(*b, Mutation{Op: OpRetract, Fact: f, Source: source})
	}
}

// Replace appends a wholesale replacement of pred by facts.
func (b *Batch) Replace(source, pred string, facts ...types.Fact) {
	*b = append(*b, Mutation{Op: OpRetractPredicate, Predicate: pred, Source: source})
	b.Assert(source, facts...)
}

// MutationQueue collects mutations from concurrent producers (shards,
// sensors, the HTTP API) until the next cycle boundary drains it.
type MutationQueue struct {
	mu      sync.Mutex
	pending Batch
	notify  chan struct{}
}

// NewMutationQueue creates an empty queue.
func NewMutationQueue() *MutationQueue {
	return &MutationQueue{notify: make(chan struct{}, 1)}
}

// Push enqueues mutations. Safe for concurrent use.
func (q *MutationQueue) Push(ms ...Mutation) {
	if len(ms) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, ms...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Assert enqueues asserts.
func (q *MutationQueue) Assert(source string, facts ...types.Fact) {
	var b Batch
	b.Assert(source, facts...)
	q.Push(b...)
}

// Retract enqueues retracts.
func (q *MutationQueue) Retract(source string, facts ...types.Fact) {
	var b Batch
	b.Retract(source, facts...)
	q.Push(b...)
}

// Drain removes and returns everything queued so far.
func (q *MutationQueue) Drain() Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.pending
	q.pending = nil
	return b
}

// Requeue puts a batch back in front of anything queued since it was drained.
func (q *MutationQueue) Requeue(b Batch) {
	if len(b) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(append(Batch{}, b...), q.pending...)
	q.mu.Unlock()
}

// Len returns the number of pending mutations.
func (q *MutationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Notify fires (coalesced) whenever mutations are pushed.
func (q *MutationQueue) Notify() <-chan struct{} { return q.notify }
