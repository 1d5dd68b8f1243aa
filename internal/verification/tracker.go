package verification

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"nerdkernel/internal/core"
	"nerdkernel/internal/logging"
	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
)

// Predicates are the EDB predicates the tracker owns.
var Predicates = []string{"verification_attempt", "quality_violation"}

// Attempt is one verified execution of a task.
type Attempt struct {
	Number int
	Result VerificationResult
	At     time.Time
}

// Tracker records verification attempts per task and exposes them as facts.
// The corrective action and the block decision are derived by policy; the
// tracker only refuses attempts past the ceiling.
type Tracker struct {
	mu       sync.Mutex
	attempts map[string][]Attempt
	max      int
	now      func() time.Time
}

// NewTracker creates a tracker that refuses attempts after maxAttempts failures.
func NewTracker(maxAttempts int) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Tracker{
		attempts: make(map[string][]Attempt),
		max:      maxAttempts,
		now:      time.Now,
	}
}

func (t *Tracker) failuresLocked(taskID string) int {
	n := 0
	for _, a := range t.attempts[taskID] {
		if !a.Result.Passed() {
			n++
		}
	}
	return n
}

// Record stores the outcome of the next attempt of a task and returns its
// number. A task whose failures already reached the ceiling is blocked
// until Resolve; Record returns ErrMaxRetriesExceeded for it.
func (t *Tracker) Record(taskID string, res VerificationResult) (int, error) {
	taskID = taskName(taskID).Text()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failuresLocked(taskID) >= t.max {
		return 0, fmt.Errorf("task %s: %w", taskID, ErrMaxRetriesExceeded)
	}
	n := len(t.attempts[taskID]) + 1
	t.attempts[taskID] = append(t.attempts[taskID], Attempt{Number: n, Result: res, At: t.now()})

	if res.Passed() {
		logging.Verification("Task %s verified on attempt %d", taskID, n)
	} else {
		logging.VerificationDebug("Task %s failed attempt %d: %v", taskID, n, res.QualityViolations)
		if t.failuresLocked(taskID) >= t.max {
			logging.Get(logging.CategoryVerification).Warn("Task %s exhausted %d attempts, escalating", taskID, t.max)
		}
	}
	return n, nil
}

// Exhausted reports whether a task's failures reached the ceiling.
func (t *Tracker) Exhausted(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failuresLocked(taskName(taskID).Text()) >= t.max
}

// Attempts returns a copy of the attempts recorded for a task.
func (t *Tracker) Attempts(taskID string) []Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Attempt(nil), t.attempts[taskName(taskID).Text()]...)
}

// Last returns the latest attempt of a task.
func (t *Tracker) Last(taskID string) (Attempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	as := t.attempts[taskName(taskID).Text()]
	if len(as) == 0 {
		return Attempt{}, false
	}
	return as[len(as)-1], true
}

// Resolve is the human resolution of a blocked task. It clears the
// attempts so the task gets a fresh budget.
func (t *Tracker) Resolve(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, taskName(taskID).Text())
	logging.Verification("Task %s resolved by user", taskID)
}

// Facts returns verification_attempt and quality_violation facts for every
// recorded attempt, sorted.
func (t *Tracker) Facts() []types.Fact {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.attempts))
	for id := range t.attempts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []types.Fact
	for _, id := range ids {
		task := taskName(id)
		for _, a := range t.attempts[id] {
			outcome := types.Name("/failed")
			if a.Result.Passed() {
				outcome = types.Name("/passed")
			}
			n := types.Int(int64(a.Number))
			out = append(out, types.NewFact("verification_attempt", task, n, outcome))
			for _, v := range a.Result.QualityViolations {
				out = append(out, types.NewFact("quality_violation", task, n, v.Name()))
			}
		}
	}
	return out
}

// Batch replaces the tracker's predicates with its current attempts.
func (t *Tracker) Batch() store.Batch {
	facts := t.Facts()
	var b store.Batch
	for _, pred := range Predicates {
		var ps []types.Fact
		for _, f := range facts {
			if f.Predicate == pred {
				ps = append(ps, f)
			}
		}
		b.Replace("verification", pred, ps...)
	}
	return b
}

// Next returns the corrective action derived for a task's latest failure,
// picking the most severe violation when several apply.
func (t *Tracker) Next(db *core.Database, taskID string) (CorrectiveAction, bool) {
	var best CorrectiveAction
	found := false
	for f := range db.Query("corrective_action", map[int]types.Value{0: taskName(taskID)}) {
		v := QualityViolation(f.Args[2].Text()[1:])
		if found && severityRank(v) >= severityRank(best.Violation) {
			continue
		}
		best = CorrectiveAction{
			Type:      CorrectiveType(f.Args[1].Text()[1:]),
			Violation: v,
			Reason:    correctiveReason(v),
		}
		found = true
	}
	if !found {
		return CorrectiveAction{}, false
	}
	// A zero hint keeps the original shard.
	if last, ok := t.Last(taskID); ok {
		best.ShardHint = RetryShard(types.Value{}, last.Result.QualityViolations)
	}
	return best, true
}

// Blocked reports whether policy has blocked a task for human resolution.
func Blocked(db *core.Database, taskID string) bool {
	return db.Holds("verification_blocked", taskName(taskID))
}

func correctiveReason(v QualityViolation) string {
	switch v {
	case HallucinatedAPI:
		return "Look up the real API documentation before calling it"
	case IncompleteImpl, PlaceholderCode, EmptyFunction, HardcodedValues:
		return "Break the task into smaller steps and implement each fully"
	case MockCode, FakeTests:
		return "Research how the real dependency behaves instead of mocking it"
	case MissingErrors:
		return "Check the error contracts of the functions being called"
	default:
		return "Retry with more context"
	}
}

// taskName keys tasks by their name constant, so "t1" and "/t1" agree.
func taskName(id string) types.Value { return types.Name(id) }
