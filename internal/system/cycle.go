package system

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"nerdkernel/internal/campaign"
	"nerdkernel/internal/config"
	"nerdkernel/internal/constitution"
	nctx "nerdkernel/internal/context"
	"nerdkernel/internal/core"
	"nerdkernel/internal/logging"
	"nerdkernel/internal/metrics"
	"nerdkernel/internal/shards"
	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
	"nerdkernel/internal/verification"
)

var (
	// ErrMissingComponent is returned when the controller is built without
	// a required collaborator.
	ErrMissingComponent = errors.New("missing cycle component")
	errTaskStalled      = errors.New("task stalled: no progress within task_stall_ms")
	errShardStale       = errors.New("shard stale: heartbeat timeout")
)

// Action names the controller carries out.
var (
	actDispatchCampaign = types.Name("/dispatch_campaign_task")
	actRunCheckpoint    = types.Name("/run_checkpoint")
	actApplyCorrective  = types.Name("/apply_corrective")
	actReplan           = types.Name("/replan_campaign")
	actReapStale        = types.Name("/reap_stale_shard")
)

// Clock supplies current_time. It is read once per boundary.
type Clock func() time.Time

// Components are the collaborators a controller drives. Learned is optional.
type Components struct {
	Kernel      *core.Kernel
	Propagator  *nctx.Propagator
	Gate        *constitution.Gate
	Appeals     *constitution.AppealBook
	Scheduler   *campaign.Scheduler
	Checkpoints *campaign.CheckpointRunner
	Tracker     *verification.Tracker
	Dispatcher  *shards.Dispatcher
	Learned     *store.LearnedStore
}

// Result summarizes one cycle.
type Result struct {
	Cycle      uint64
	Now        time.Time
	Reports    int
	NextAction types.Value
	HasNext    bool
	Verdicts   []constitution.Verdict
	Dispatched []string
	Cancelled  []string
	Blocked    []string
	Replanned  []string
	// Clarify lists intents waiting on the user.
	Clarify     []types.Value
	Escalations []types.Fact
	Stats       core.EvalStats
	Duration    time.Duration
}

// inflight is what the controller remembers about a dispatched assignment.
type inflight struct {
	description string
	shard       types.Value
	campaign    bool
}

// Controller drives the observe, evaluate, decide and act loop. Cycles are
// serialized; shards and producers only reach the store through the
// mutation queue and the report buffer.
type Controller struct {
	kernel      *core.Kernel
	propagator  *nctx.Propagator
	gate        *constitution.Gate
	appeals     *constitution.AppealBook
	scheduler   *campaign.Scheduler
	checkpoints *campaign.CheckpointRunner
	tracker     *verification.Tracker
	dispatcher  *shards.Dispatcher
	learned     *store.LearnedStore

	params   []types.Fact
	clock    Clock
	interval time.Duration

	mu         sync.Mutex
	cycle      uint64
	lastNow    int64
	inflight   map[string]inflight
	retry      map[string]inflight
	lastReplan map[string]string

	cmu      sync.Mutex
	checking map[string]bool
	bg       errgroup.Group
	bgCtx    context.Context
	bgCancel context.CancelFunc

	last atomic.Pointer[Result]
}

// NewController wires a controller. A nil clock means time.Now.
func NewController(c Components, cfg *config.Config, clock Clock) (*Controller, error) {
	switch {
	case c.Kernel == nil:
		return nil, fmt.Errorf("%w: kernel", ErrMissingComponent)
	case c.Propagator == nil:
		return nil, fmt.Errorf("%w: propagator", ErrMissingComponent)
	case c.Gate == nil || c.Appeals == nil:
		return nil, fmt.Errorf("%w: constitution", ErrMissingComponent)
	case c.Scheduler == nil || c.Checkpoints == nil:
		return nil, fmt.Errorf("%w: campaign scheduler", ErrMissingComponent)
	case c.Tracker == nil:
		return nil, fmt.Errorf("%w: verification tracker", ErrMissingComponent)
	case c.Dispatcher == nil:
		return nil, fmt.Errorf("%w: shard dispatcher", ErrMissingComponent)
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if clock == nil {
		clock = time.Now
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Controller{
		kernel:      c.Kernel,
		propagator:  c.Propagator,
		gate:        c.Gate,
		appeals:     c.Appeals,
		scheduler:   c.Scheduler,
		checkpoints: c.Checkpoints,
		tracker:     c.Tracker,
		dispatcher:  c.Dispatcher,
		learned:     c.Learned,
		params:      core.ParamFacts(cfg.PolicyParams()),
		clock:       clock,
		interval:    cfg.GetCycleInterval(),
		inflight:    make(map[string]inflight),
		retry:       make(map[string]inflight),
		lastReplan:  make(map[string]string),
		checking:    make(map[string]bool),
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
	}, nil
}

// Last returns the result of the latest completed cycle, or nil.
func (c *Controller) Last() *Result { return c.last.Load() }

// Kernel returns the driven kernel.
func (c *Controller) Kernel() *core.Kernel { return c.kernel }

// Run cycles until ctx is cancelled. A cycle starts on every interval tick
// and whenever a mutation or shard report arrives.
func (c *Controller) Run(ctx context.Context) error {
	tick := time.NewTicker(c.interval)
	defer tick.Stop()
	logging.Cycle("Cycle loop started (interval %v)", c.interval)
	for {
		if _, err := c.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, core.ErrCycleAborted) {
				logging.CycleWarn("Cycle aborted, retrying next boundary: %v", err)
			} else {
				logging.Get(logging.CategoryCycle).Error("Cycle failed: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			logging.Cycle("Cycle loop stopped")
			return nil
		case <-tick.C:
		case <-c.kernel.Queue().Notify():
		case <-c.dispatcher.Buffer().Notify():
		}
	}
}

// Cycle runs one boundary, evaluation and act pass.
func (c *Controller) Cycle(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	c.cycle++
	res := &Result{Cycle: c.cycle, Now: c.tick()}
	audit := logging.AuditAs("cycle")

	db, err := c.observe(ctx, res)
	if err != nil {
		metrics.RecordCycle("aborted")
		audit.Log(logging.AuditEvent{EventType: logging.AuditCycleAbort, Target: fmt.Sprint(res.Cycle), Detail: err.Error()})
		return res, err
	}
	res.Stats = db.Stats()
	metrics.RecordEvaluation(time.Since(start).Seconds(), res.Stats.Derived)

	d := core.NewDecisions(db)
	res.NextAction, res.HasNext = d.NextAction()
	res.Verdicts = c.gate.Review(db)
	for _, v := range res.Verdicts {
		switch {
		case v.Err != nil:
			metrics.RecordDenial("silent")
		case v.Denied():
			metrics.RecordDenial(v.Reasons[0])
		}
	}
	if err := constitution.CheckInvariant(db); err != nil {
		logging.Get(logging.CategoryConstitution).Error("Refusing to act on cycle %d: %v", res.Cycle, err)
		metrics.RecordCycle("invariant_violation")
		audit.Log(logging.AuditEvent{EventType: logging.AuditCycleAbort, Target: fmt.Sprint(res.Cycle), Detail: err.Error()})
		return res, err
	}

	c.act(ctx, db, d, res)

	res.Duration = time.Since(start)
	metrics.SetShardsRunning(len(c.dispatcher.Running()))
	metrics.SetQueuedMutations(c.kernel.Queue().Len())
	metrics.RecordCycle("ok")
	audit.Log(logging.AuditEvent{EventType: logging.AuditCycleComplete, Target: fmt.Sprint(res.Cycle), Success: true,
		Detail: fmt.Sprintf("next=%s dispatched=%d", res.NextAction, len(res.Dispatched))})
	logging.CycleDebug("Cycle %d done in %v: next=%s dispatched=%v", res.Cycle, res.Duration, res.NextAction, res.Dispatched)
	c.last.Store(res)
	return res, nil
}

// tick reads the clock, never letting current_time run backwards.
func (c *Controller) tick() time.Time {
	now := c.clock()
	if ms := now.UnixMilli(); ms < c.lastNow {
		now = time.UnixMilli(c.lastNow)
	}
	c.lastNow = now.UnixMilli()
	return now
}

// =============================================================================
// OBSERVE
// =============================================================================

// observe applies everything that happened since the last boundary and
// evaluates.
func (c *Controller) observe(ctx context.Context, res *Result) (*core.Database, error) {
	reports := c.dispatcher.Buffer().Drain()
	res.Reports = len(reports)

	var b store.Batch
	b = append(b, c.absorb(ctx, reports, res)...)
	b.Replace("clock", "current_time", types.NewFact("current_time", types.Int(res.Now.UnixMilli())))
	b.Replace("config", "policy_param", c.params...)
	b = append(b, c.appeals.Batch(res.Now)...)
	b = append(b, c.scheduler.Batch()...)
	b = append(b, c.tracker.Batch()...)
	b = append(b, c.dispatcher.Batch()...)
	if c.learned != nil {
		lb, err := c.learned.Batch(ctx)
		if err != nil {
			logging.CycleWarn("Learnings not hydrated this cycle: %v", err)
		} else {
			b = append(b, lb...)
		}
	}
	b = append(b, c.kernel.Queue().Drain()...)

	delta, err := c.kernel.Apply(b)
	if err != nil {
		return nil, fmt.Errorf("apply boundary batch: %w", err)
	}
	for _, rej := range delta.Rejected {
		logging.CycleWarn("Mutation rejected at boundary: %v", rej)
	}

	// Annotations describe the EDB as it stands after this boundary.
	ann := c.propagator.Batch(c.kernel.Store().Snapshot(), c.kernel.Program())
	db, _, err := c.kernel.Step(ctx, ann)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// absorb settles finished assignments and returns the facts they produced.
func (c *Controller) absorb(ctx context.Context, reports []shards.Report, res *Result) store.Batch {
	var b store.Batch
	for _, r := range reports {
		info, ok := c.inflight[r.TaskID]
		delete(c.inflight, r.TaskID)
		b.Assert(core.SourceShardReport, r.Facts...)
		if !ok || r.Cancelled {
			continue
		}
		if info.campaign {
			c.settleTask(ctx, r, info, res)
		} else {
			c.settleIntent(r, info)
		}
	}
	return b
}

// settleTask moves a campaign task on from a shard report. Shard errors go
// through the scheduler's retry backoff; quality failures go through the
// verification tracker and block the task once exhausted.
func (c *Controller) settleTask(ctx context.Context, r shards.Report, info inflight, res *Result) {
	if r.Err != nil {
		c.failTask(r.TaskID, r.Err)
		return
	}
	vr := r.Verification(info.description)
	prev, hadPrev := c.tracker.Last(r.TaskID)
	if _, err := c.tracker.Record(r.TaskID, vr); err != nil {
		logging.VerificationDebug("Attempt not recorded: %v", err)
	}
	switch {
	case vr.Passed():
		arts := make([]campaign.TaskArtifact, 0, len(r.Artifacts))
		for _, p := range r.Artifacts {
			arts = append(arts, campaign.TaskArtifact{Type: "/source_file", Path: p})
		}
		if err := c.scheduler.Complete(r.TaskID, arts); err != nil {
			logging.CampaignWarn("Complete %s: %v", r.TaskID, err)
		}
		if hadPrev && !prev.Result.Passed() {
			c.learn(ctx, info.shard, prev.Result.QualityViolations)
		}
	case c.tracker.Exhausted(r.TaskID):
		if err := c.scheduler.Block(r.TaskID, "verification_exhausted"); err != nil {
			logging.CampaignWarn("Block %s: %v", r.TaskID, err)
		}
		res.Blocked = append(res.Blocked, r.TaskID)
	default:
		c.failTask(r.TaskID, errors.New(vr.Reason))
	}
}

func (c *Controller) failTask(taskID string, cause error) {
	if _, err := c.scheduler.Fail(taskID, cause); err != nil {
		logging.CampaignWarn("Fail %s: %v", taskID, err)
	}
}

// settleIntent records the verification of a delegated intent. Failures
// are retried with the derived corrective action until exhausted.
func (c *Controller) settleIntent(r shards.Report, info inflight) {
	vr := r.Verification(info.description)
	if _, err := c.tracker.Record(r.TaskID, vr); err != nil {
		logging.VerificationDebug("Attempt not recorded: %v", err)
	}
	if vr.Passed() || c.tracker.Exhausted(r.TaskID) {
		delete(c.retry, r.TaskID)
		return
	}
	c.retry[r.TaskID] = info
}

// learn promotes the violations a shard recovered from into constraints.
func (c *Controller) learn(ctx context.Context, shard types.Value, violations []verification.QualityViolation) {
	if c.learned == nil || !shard.IsValid() {
		return
	}
	for _, v := range violations {
		text := "avoid " + string(v)
		if err := c.learned.Learn(ctx, shard.Text(), store.PredLearnedConstraint, text, ""); err != nil {
			logging.CycleWarn("Learning %q for %s not saved: %v", text, shard, err)
		}
	}
}

// =============================================================================
// ACT
// =============================================================================

func (c *Controller) act(ctx context.Context, db *core.Database, d *core.Decisions, res *Result) {
	c.cancelRequested(db, res)

	plan := c.scheduler.Plan(db)
	c.replan(ctx, db, d, plan, res)
	c.reap(db, d, plan)

	for _, id := range plan.Escalated {
		if err := c.scheduler.Block(id, "verification_exhausted"); err == nil {
			res.Blocked = append(res.Blocked, id)
		}
	}
	if len(plan.CheckpointsDue) > 0 && d.FinalAction(actRunCheckpoint) {
		c.runCheckpoints(plan.CheckpointsDue)
	}
	for _, p := range plan.ReadyPhases {
		if err := c.scheduler.CompletePhase(p); err != nil {
			logging.CampaignWarn("Complete phase %s: %v", p, err)
		}
	}
	for _, id := range plan.Complete {
		if err := c.scheduler.CompleteCampaign(id); err != nil {
			logging.CampaignWarn("Complete campaign %s: %v", id, err)
		}
	}

	c.delegateIntents(db, d, res)
	c.retryIntents(db, d, res)
	c.dispatchCampaignTask(db, d, plan, res)

	for _, f := range db.Facts("clarification_needed") {
		res.Clarify = append(res.Clarify, f.Args[0])
	}
	res.Escalations = append(db.Facts("escalation_required"), db.Facts("escalate_to_human")...)
}

// cancelRequested honors task_cancelled(T): the shard context is cancelled,
// the task is skipped and the request retracted.
func (c *Controller) cancelRequested(db *core.Database, res *Result) {
	for _, f := range db.Facts("task_cancelled") {
		id := f.Args[0].Text()
		running := c.dispatcher.Cancel(id)
		err := c.scheduler.Cancel(id)
		switch {
		case err == nil:
		case errors.Is(err, campaign.ErrUnknownTask):
			// An intent: it is done once cancelled.
			c.kernel.Queue().Assert("cycle", types.NewFact("intent_handled", f.Args[0]))
		default:
			logging.CampaignWarn("Cancel %s: %v", id, err)
		}
		delete(c.retry, id)
		c.kernel.Queue().Retract("cycle", f)
		logging.Cycle("Task %s cancelled (shard running: %v)", id, running)
		res.Cancelled = append(res.Cancelled, id)
	}
}

// replan runs the replanner for each campaign paused on a replan condition.
// The same condition is replanned once; an instruction still waiting for
// clarification keeps dispatch paused without replanning again.
func (c *Controller) replan(ctx context.Context, db *core.Database, d *core.Decisions, plan campaign.Plan, res *Result) {
	if !slices.Contains(d.NextActions(), actReplan) {
		return
	}
	ids := make([]string, 0, len(plan.Paused))
	for id := range plan.Paused {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	unhandled := unhandledIntents(db)
	for _, id := range ids {
		reasons := plan.Paused[id]
		if len(reasons) == 1 && reasons[0] == "paused" {
			continue
		}
		key := strings.Join(reasons, ",") + "|" + strings.Join(unhandled, ",")
		if c.lastReplan[id] == key {
			continue
		}
		if err := c.scheduler.Replan(ctx, id, reasons); err != nil {
			logging.Get(logging.CategoryCampaign).Error("Replan of %s failed: %v", id, err)
			continue
		}
		c.lastReplan[id] = key
		res.Replanned = append(res.Replanned, id)
	}
}

// reap abandons stalled tasks and the work of stale shards.
func (c *Controller) reap(db *core.Database, d *core.Decisions, plan campaign.Plan) {
	for _, id := range plan.Stalled {
		logging.CycleWarn("Task %s stalled, abandoning attempt", id)
		c.dispatcher.Cancel(id)
		c.failTask(id, errTaskStalled)
		delete(c.inflight, id)
	}
	if !slices.Contains(d.NextActions(), actReapStale) {
		return
	}
	for _, f := range db.Facts("shard_stale") {
		for _, a := range c.dispatcher.Running() {
			if a.Shard != f.Args[0] {
				continue
			}
			logging.CycleWarn("Shard %s stale, cancelling %s", a.Shard, a.TaskID)
			c.dispatcher.Cancel(a.TaskID)
			if info, ok := c.inflight[a.TaskID]; ok && info.campaign {
				c.failTask(a.TaskID, errShardStale)
			}
			delete(c.inflight, a.TaskID)
		}
	}
}

// runCheckpoints verifies due phases in the background. A phase is never
// checked twice at once.
func (c *Controller) runCheckpoints(due []campaign.CheckpointDue) {
	c.cmu.Lock()
	var fresh []campaign.CheckpointDue
	for _, cp := range due {
		if !c.checking[cp.Phase] {
			c.checking[cp.Phase] = true
			fresh = append(fresh, cp)
		}
	}
	c.cmu.Unlock()
	if len(fresh) == 0 {
		return
	}
	c.bg.Go(func() error {
		defer func() {
			c.cmu.Lock()
			for _, cp := range fresh {
				delete(c.checking, cp.Phase)
			}
			c.cmu.Unlock()
		}()
		if err := c.checkpoints.RunDue(c.bgCtx, c.scheduler, fresh); err != nil {
			logging.CampaignWarn("Checkpoints not recorded: %v", err)
		}
		return nil
	})
}

// delegateIntents dispatches every ready intent whose routed action the
// constitution allows.
func (c *Controller) delegateIntents(db *core.Database, d *core.Decisions, res *Result) {
	for _, f := range db.Facts("delegation") {
		shard, intent := f.Args[0], f.Args[1]
		id := intent.Text()
		if c.dispatcher.IsRunning(id) {
			continue
		}
		action, ok := shardAction(db, shard)
		if !ok || !d.FinalAction(action) {
			logging.CycleDebug("Delegation of %s to %s is not a final action", id, shard)
			continue
		}
		a := shards.Assignment{TaskID: id, Shard: shard, Description: intentDescription(db, intent), Attempt: 1}
		if err := c.dispatch(db, a, inflight{description: a.Description, shard: shard}); err != nil {
			continue
		}
		c.kernel.Queue().Assert("cycle", types.NewFact("intent_handled", intent))
		res.Dispatched = append(res.Dispatched, id)
	}
}

// retryIntents re-dispatches failed intents with their corrective action.
func (c *Controller) retryIntents(db *core.Database, d *core.Decisions, res *Result) {
	if len(c.retry) == 0 || !d.FinalAction(actApplyCorrective) {
		return
	}
	ids := make([]string, 0, len(c.retry))
	for id := range c.retry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		info := c.retry[id]
		if c.dispatcher.IsRunning(id) {
			continue
		}
		a, ok := c.corrected(db, id, shards.Assignment{TaskID: id, Shard: info.shard, Description: info.description})
		if !ok {
			continue
		}
		if err := c.dispatch(db, a, info); err != nil {
			continue
		}
		delete(c.retry, id)
		res.Dispatched = append(res.Dispatched, id)
	}
}

// dispatchCampaignTask starts next_campaign_task when the gate allows it.
func (c *Controller) dispatchCampaignTask(db *core.Database, d *core.Decisions, plan campaign.Plan, res *Result) {
	if plan.Next == "" || !d.FinalAction(actDispatchCampaign) || c.dispatcher.IsRunning(plan.Next) {
		return
	}
	if !plan.NextShard.IsValid() {
		logging.CampaignWarn("Task %s has no shard route", plan.Next)
		return
	}
	task, ok := c.scheduler.Task(plan.Next)
	if !ok {
		return
	}
	a := shards.Assignment{TaskID: plan.Next, Shard: plan.NextShard, Description: task.Description}
	if corrected, ok := c.corrected(db, plan.Next, a); ok {
		a = corrected
	} else {
		a.Attempt = len(c.tracker.Attempts(plan.Next)) + 1
	}
	if err := c.dispatch(db, a, inflight{description: task.Description, shard: plan.NextShard, campaign: true}); err != nil {
		return
	}
	if err := c.scheduler.Dispatch(plan.Next, a.Shard); err != nil {
		logging.CampaignWarn("Dispatch %s rejected by scheduler, cancelling shard: %v", plan.Next, err)
		c.dispatcher.Cancel(plan.Next)
		delete(c.inflight, plan.Next)
		return
	}
	res.Dispatched = append(res.Dispatched, plan.Next)
}

// corrected enriches an assignment with the corrective action derived for
// the task's last failure.
func (c *Controller) corrected(db *core.Database, taskID string, a shards.Assignment) (shards.Assignment, bool) {
	ca, ok := c.tracker.Next(db, taskID)
	if !ok {
		return a, false
	}
	last, _ := c.tracker.Last(taskID)
	a.Description = verification.Enrich(a.Description, ca, last.Result)
	if ca.ShardHint.IsValid() {
		a.Shard = ca.ShardHint
	}
	a.Corrective = &ca
	a.Attempt = last.Number + 1
	logging.Verification("Retrying %s with %s corrective (%s) on %s", taskID, ca.Type, ca.Violation, a.Shard)
	return a, true
}

// dispatch attaches the injectable context and hands the assignment to
// the dispatcher. Capacity and rate refusals leave the work for a later
// cycle.
func (c *Controller) dispatch(db *core.Database, a shards.Assignment, info inflight) error {
	a.Context = c.propagator.Select(db, a.Shard, 0).Facts()
	if _, err := c.dispatcher.Dispatch(a); err != nil {
		if errors.Is(err, shards.ErrAtCapacity) || errors.Is(err, shards.ErrRateLimited) {
			logging.CycleDebug("Dispatch of %s deferred: %v", a.TaskID, err)
		} else {
			logging.CycleWarn("Dispatch of %s failed: %v", a.TaskID, err)
		}
		return err
	}
	c.inflight[a.TaskID] = info
	return nil
}

// Close stops background checkpoints and running shards.
func (c *Controller) Close() error {
	c.bgCancel()
	bgErr := c.bg.Wait()
	return errors.Join(bgErr, c.dispatcher.Close())
}

// =============================================================================
// HELPERS
// =============================================================================

func shardAction(db *core.Database, shard types.Value) (types.Value, bool) {
	for f := range db.Query("shard_action", map[int]types.Value{0: shard}) {
		return f.Args[1], true
	}
	return types.Value{}, false
}

// intentDescription renders user_intent as "<verb> <target>".
func intentDescription(db *core.Database, intent types.Value) string {
	for f := range db.Query("user_intent", map[int]types.Value{0: intent}) {
		return f.Args[2].Text() + " " + f.Args[3].Text()
	}
	return intent.Text()
}

func unhandledIntents(db *core.Database) []string {
	var out []string
	for _, f := range db.Facts("user_intent") {
		if !db.Holds("intent_handled", f.Args[0]) {
			out = append(out, f.Args[0].Text())
		}
	}
	sort.Strings(out)
	return out
}
