// Package shards dispatches delegated work to shard workers.
//
// A shard is an external worker (coder, reviewer, tester, researcher). The
// kernel decides what to delegate; the dispatcher runs each assignment in
// its own goroutine and buffers the report for the next cycle boundary.
package shards

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"nerdkernel/internal/types"
	"nerdkernel/internal/verification"
)

var (
	// ErrUnknownShard is returned when no shard is registered for a type.
	ErrUnknownShard = errors.New("unknown shard type")
	// ErrAtCapacity is returned when every dispatch slot is taken.
	ErrAtCapacity = errors.New("shard dispatch at capacity")
	// ErrRateLimited is returned when spawns exceed the configured rate.
	ErrRateLimited = errors.New("shard spawn rate limited")
	// ErrAlreadyRunning is returned when a task already has a running shard.
	ErrAlreadyRunning = errors.New("task already dispatched")
	// ErrStopped is returned after Close.
	ErrStopped = errors.New("dispatcher stopped")
)

// Assignment is one unit of delegated work.
type Assignment struct {
	ID     string
	TaskID string
	// Shard is the shard type name, e.g. /coder.
	Shard       types.Value
	Description string
	// Context holds the facts injected for this shard.
	Context []types.Fact
	Attempt int
	// Corrective is set when a previous attempt failed verification.
	Corrective *verification.CorrectiveAction
}

// Report is the outcome of an assignment.
type Report struct {
	AssignmentID string
	TaskID       string
	Shard        types.Value
	Success      bool
	Output       string
	Artifacts    []string
	// Violations are self-reported quality violations. A shard that does
	// not report any gets its output classified heuristically.
	Violations []verification.QualityViolation
	// Facts are asserted into the store at the next boundary.
	Facts     []types.Fact
	Err       error
	Cancelled bool
	Started   time.Time
	Finished  time.Time
}

// Verification converts a report into a verification result.
func (r Report) Verification(task string) verification.VerificationResult {
	if r.Err != nil {
		return verification.VerificationResult{Success: false, Reason: r.Err.Error(), QualityViolations: r.Violations}
	}
	if len(r.Violations) == 0 {
		res := verification.Check(task, r.Output)
		if !r.Success {
			res.Success = false
			res.Reason = "Shard reported failure"
		}
		return res
	}
	return verification.VerificationResult{
		Success:           false,
		Confidence:        80,
		Reason:            "Shard reported quality violations",
		QualityViolations: r.Violations,
	}
}

// Shard executes assignments.
type Shard interface {
	Execute(ctx context.Context, a Assignment) (Report, error)
}

// ShardFunc adapts a function to Shard.
type ShardFunc func(ctx context.Context, a Assignment) (Report, error)

func (f ShardFunc) Execute(ctx context.Context, a Assignment) (Report, error) { return f(ctx, a) }

// Profile configures a registered shard type.
type Profile struct {
	Name    types.Value
	Timeout time.Duration
}

type registration struct {
	profile Profile
	shard   Shard
}

// Registry maps shard types to implementations.
type Registry struct {
	mu     sync.RWMutex
	shards map[types.Value]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{shards: make(map[types.Value]registration)}
}

// Register installs a shard for a type. A zero timeout means no limit.
func (r *Registry) Register(p Profile, s Shard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards[p.Name] = registration{profile: p, shard: s}
}

// Get returns the shard and profile registered for a type.
func (r *Registry) Get(name types.Value) (Shard, Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.shards[name]
	if !ok {
		return nil, Profile{}, fmt.Errorf("%w: %s", ErrUnknownShard, name)
	}
	return reg.shard, reg.profile, nil
}

// Names returns the registered shard types, sorted.
func (r *Registry) Names() []types.Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Value, 0, len(r.shards))
	for n := range r.shards {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// DefaultProfiles are the four built-in shard types with their timeouts.
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: types.Name("/coder"), Timeout: 10 * time.Minute},
		{Name: types.Name("/reviewer"), Timeout: 5 * time.Minute},
		{Name: types.Name("/tester"), Timeout: 15 * time.Minute},
		{Name: types.Name("/researcher"), Timeout: 10 * time.Minute},
	}
}

// RegisterAll registers one shard for every default profile.
func RegisterAll(r *Registry, s Shard) {
	for _, p := range DefaultProfiles() {
		r.Register(p, s)
	}
}

// EchoShard succeeds immediately and echoes the assignment. It backs
// dry runs where no real workers are attached.
type EchoShard struct{}

func (EchoShard) Execute(ctx context.Context, a Assignment) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	return Report{
		Success: true,
		Output:  fmt.Sprintf("%s handled: %s", a.Shard, a.Description),
	}, nil
}
