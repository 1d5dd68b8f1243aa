package shards

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"nerdkernel/internal/config"
	"nerdkernel/internal/logging"
	"nerdkernel/internal/metrics"
	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
)

// Predicates are the EDB predicates the dispatcher owns.
var Predicates = []string{"shard_running", "shard_heartbeat"}

// DispatcherConfig bounds shard execution.
type DispatcherConfig struct {
	MaxParallel       int
	SpawnRate         float64
	SpawnBurst        int
	HeartbeatInterval time.Duration
	Now               func() time.Time
}

// DispatcherConfigFrom reads dispatcher settings from the kernel config.
func DispatcherConfigFrom(cfg *config.Config) DispatcherConfig {
	return DispatcherConfig{
		MaxParallel:       cfg.Cycle.MaxParallelShards,
		SpawnRate:         cfg.Cycle.SpawnRate,
		SpawnBurst:        cfg.Cycle.SpawnBurst,
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
	}
}

type run struct {
	assignment Assignment
	started    time.Time
	cancel     context.CancelFunc
	cancelled  bool
}

// Dispatcher runs assignments concurrently. Dispatch never blocks: when
// every slot is taken or the spawn rate is exceeded it returns an error
// and the task stays pending for a later cycle.
type Dispatcher struct {
	registry  *Registry
	buffer    *ReportBuffer
	limiter   *rate.Limiter
	g         errgroup.Group
	heartbeat time.Duration
	now       func() time.Time

	mu      sync.Mutex
	running map[string]*run // by task id
	closed  bool
	base    context.Context
	stop    context.CancelFunc
}

// NewDispatcher creates a dispatcher over a shard registry.
func NewDispatcher(reg *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.SpawnRate <= 0 {
		cfg.SpawnRate = 2
	}
	if cfg.SpawnBurst <= 0 {
		cfg.SpawnBurst = cfg.MaxParallel
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	base, stop := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:  reg,
		buffer:    NewReportBuffer(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.SpawnRate), cfg.SpawnBurst),
		heartbeat: cfg.HeartbeatInterval,
		now:       cfg.Now,
		running:   make(map[string]*run),
		base:      base,
		stop:      stop,
	}
	d.g.SetLimit(cfg.MaxParallel)
	logging.Shards("Dispatcher created: parallel=%d rate=%.1f/s burst=%d", cfg.MaxParallel, cfg.SpawnRate, cfg.SpawnBurst)
	return d
}

// Buffer returns the report buffer the cycle driver drains.
func (d *Dispatcher) Buffer() *ReportBuffer { return d.buffer }

// Dispatch starts an assignment and returns its id.
func (d *Dispatcher) Dispatch(a Assignment) (string, error) {
	shard, profile, err := d.registry.Get(a.Shard)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrStopped
	}
	if _, ok := d.running[a.TaskID]; ok {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, a.TaskID)
	}

	now := d.now()
	res := d.limiter.ReserveN(now, 1)
	if !res.OK() || res.DelayFrom(now) > 0 {
		res.CancelAt(now)
		metrics.RecordDispatch(a.Shard.Text(), "rejected")
		return "", fmt.Errorf("%w: %s", ErrRateLimited, a.Shard)
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(d.base)
	if profile.Timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, profile.Timeout)
	}
	r := &run{assignment: a, started: now, cancel: cancel}

	if !d.g.TryGo(func() error {
		d.execute(ctx, r, shard)
		return nil
	}) {
		cancel()
		res.CancelAt(now)
		metrics.RecordDispatch(a.Shard.Text(), "rejected")
		return "", fmt.Errorf("%w: %d running", ErrAtCapacity, len(d.running))
	}
	d.running[a.TaskID] = r
	metrics.SetShardsRunning(len(d.running))

	logging.Shards("Dispatched %s to %s (assignment %s)", a.TaskID, a.Shard, a.ID)
	logging.AuditAs("shards").ShardEvent(logging.AuditShardDispatch, a.Shard.Text(), a.TaskID, true)
	return a.ID, nil
}

func withTimeout(parent context.Context, cancelParent context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		cancelParent()
	}
}

// execute runs one assignment and buffers its report.
func (d *Dispatcher) execute(ctx context.Context, r *run, shard Shard) {
	defer r.cancel()
	a := r.assignment

	beatDone := make(chan struct{})
	var beats sync.WaitGroup
	beats.Add(1)
	go func() {
		defer beats.Done()
		ticker := time.NewTicker(d.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-beatDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.buffer.Heartbeat(a.Shard, d.now().UnixMilli())
			}
		}
	}()

	timer := logging.StartTimer(logging.CategoryShards, "execute "+a.Shard.Text())
	rep, err := safeExecute(ctx, shard, a)
	timer.Stop()
	close(beatDone)
	beats.Wait()

	rep.AssignmentID = a.ID
	rep.TaskID = a.TaskID
	rep.Shard = a.Shard
	rep.Started = r.started
	rep.Finished = d.now()
	if err != nil {
		rep.Success = false
		rep.Err = err
	}

	d.mu.Lock()
	rep.Cancelled = r.cancelled
	delete(d.running, a.TaskID)
	stillRunning := false
	for _, other := range d.running {
		if other.assignment.Shard == a.Shard {
			stillRunning = true
			break
		}
	}
	metrics.SetShardsRunning(len(d.running))
	d.mu.Unlock()
	if !stillRunning {
		d.buffer.forget([]types.Value{a.Shard})
	}

	outcome := "success"
	event := logging.AuditShardComplete
	switch {
	case rep.Cancelled:
		outcome = "cancelled"
		event = logging.AuditShardCancel
	case !rep.Success:
		outcome = "failure"
	}
	metrics.RecordDispatch(a.Shard.Text(), outcome)
	logging.AuditAs("shards").ShardEvent(event, a.Shard.Text(), a.TaskID, rep.Success)
	if rep.Err != nil && !rep.Cancelled {
		logging.ShardsWarn("Shard %s failed task %s: %v", a.Shard, a.TaskID, rep.Err)
	}
	d.buffer.Push(rep)
}

// ErrShardPanic wraps a recovered shard panic.
var ErrShardPanic = errors.New("shard panicked")

func safeExecute(ctx context.Context, shard Shard, a Assignment) (rep Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.Get(logging.CategoryShards).Error("Shard %s panicked: %v\n%s", a.Shard, p, debug.Stack())
			rep, err = Report{}, fmt.Errorf("%w: %v", ErrShardPanic, p)
		}
	}()
	return shard.Execute(ctx, a)
}

// Cancel cancels the running assignment of a task. It reports whether a
// shard was running.
func (d *Dispatcher) Cancel(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.running[taskID]
	if !ok {
		return false
	}
	r.cancelled = true
	r.cancel()
	logging.Shards("Cancelled task %s on %s", taskID, r.assignment.Shard)
	return true
}

// Running returns the running assignments ordered by task id.
func (d *Dispatcher) Running() []Assignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Assignment, 0, len(d.running))
	for _, r := range d.running {
		out = append(out, r.assignment)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// IsRunning reports whether a task has a running shard.
func (d *Dispatcher) IsRunning(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[taskID]
	return ok
}

// Facts returns shard_running(Shard, StartMillis) for each running
// assignment plus the latest heartbeats.
func (d *Dispatcher) Facts() []types.Fact {
	d.mu.Lock()
	var out []types.Fact
	seen := make(map[types.Value]bool)
	for _, r := range d.running {
		out = append(out, types.NewFact("shard_running", r.assignment.Shard, types.Int(r.started.UnixMilli())))
		seen[r.assignment.Shard] = true
	}
	d.mu.Unlock()

	for _, hb := range d.buffer.HeartbeatFacts() {
		if seen[hb.Args[0]] {
			out = append(out, hb)
		}
	}
	types.SortFacts(out)
	return out
}

// Batch replaces the dispatcher's predicates with the running set.
func (d *Dispatcher) Batch() store.Batch {
	facts := d.Facts()
	var b store.Batch
	for _, pred := range Predicates {
		var ps []types.Fact
		for _, f := range facts {
			if f.Predicate == pred {
				ps = append(ps, f)
			}
		}
		b.Replace("shards", pred, ps...)
	}
	return b
}

// Close cancels every running shard and waits for them to report.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.stop()
	return d.g.Wait()
}

// Wait blocks until every running shard has reported.
func (d *Dispatcher) Wait() error { return d.g.Wait() }
