package campaign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"nerdkernel/internal/config"
	"nerdkernel/internal/core"
	"nerdkernel/internal/logging"
	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
)

var (
	ErrInvalidTransition = errors.New("invalid campaign transition")
	ErrUnknownCampaign   = errors.New("unknown campaign")
	ErrUnknownPhase      = errors.New("unknown phase")
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidPlan       = errors.New("invalid campaign plan")
)

// CheckpointDue names a phase verification that must run.
type CheckpointDue struct {
	Phase  string
	Method VerificationMethod
}

// PhaseBlock is a phase held back by a named condition.
type PhaseBlock struct {
	Phase  string
	Reason string
}

// Plan is the scheduler's reading of one evaluated cycle.
type Plan struct {
	// Next is the single task to dispatch, empty when none.
	Next      string
	NextShard types.Value
	Eligible  []string
	// Paused maps a campaign to the reasons its dispatch is paused.
	Paused         map[string][]string
	CheckpointsDue []CheckpointDue
	Blocked        []PhaseBlock
	ReadyPhases    []string
	Complete       []string
	// Escalated lists open tasks whose verification attempts are exhausted.
	Escalated []string
	Stalled   []string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used for attempts and backoff.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStore persists every transition.
func WithStore(st *Store) Option {
	return func(s *Scheduler) { s.persist = st }
}

// WithReplanner sets the strategy run by Replan.
func WithReplanner(r Replanner) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.replanner = r
		}
	}
}

// Scheduler owns campaign state and applies transitions. Decisions about
// what runs next come from campaign.mg via Plan. Safe for concurrent use.
type Scheduler struct {
	mu        sync.Mutex
	campaigns map[string]*Campaign
	order     []string

	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time
	persist     *Store
	replanner   Replanner
}

// NewScheduler creates a scheduler from the campaign config.
func NewScheduler(cfg config.CampaignConfig, backoff time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		campaigns:   make(map[string]*Campaign),
		maxRetries:  cfg.MaxRetries,
		backoffBase: backoff,
		backoffMax:  5 * time.Minute,
		now:         time.Now,
		replanner:   RetryFailedTasks{},
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 3
	}
	if s.backoffBase <= 0 {
		s.backoffBase = 5 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a campaign after validating its plan.
func (s *Scheduler) Add(c *Campaign) error {
	normalizeCampaign(c)
	if issues := ValidatePlan(c); len(issues) > 0 {
		errs := make([]error, 0, len(issues))
		for _, is := range issues {
			errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidPlan, is.IssueType, is.Description))
		}
		return errors.Join(errs...)
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	s.campaigns[c.ID] = c
	logging.Campaign("Campaign added: %s (title=%s, phases=%d)", c.ID, c.Title, len(c.Phases))
	return s.saveLocked(c)
}

// LoadAll registers every campaign persisted in the store.
func (s *Scheduler) LoadAll() error {
	if s.persist == nil {
		return nil
	}
	cs, err := s.persist.List()
	if err != nil {
		return err
	}
	for _, c := range cs {
		resetInProgress(c)
		if err := s.Add(c); err != nil {
			return fmt.Errorf("load campaign %s: %w", c.ID, err)
		}
	}
	return nil
}

// Get returns a copy of a campaign.
func (s *Scheduler) Get(id string) (*Campaign, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[normalizeID(id)]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// IDs returns the registered campaign ids in insertion order.
func (s *Scheduler) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Facts renders every campaign.
func (s *Scheduler) Facts() []types.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Fact
	for _, id := range s.order {
		out = append(out, s.campaigns[id].ToFacts()...)
	}
	return out
}

// Batch replaces every campaign predicate with the current state.
func (s *Scheduler) Batch() store.Batch {
	byPred := make(map[string][]types.Fact)
	for _, f := range s.Facts() {
		byPred[f.Predicate] = append(byPred[f.Predicate], f)
	}
	var b store.Batch
	for _, pred := range CampaignPredicates {
		b.Replace("campaign", pred, byPred[pred]...)
	}
	return b
}

// Plan reads the scheduling decisions derived for this cycle.
func (s *Scheduler) Plan(db *core.Database) Plan {
	p := Plan{Paused: make(map[string][]string)}
	if db == nil {
		return p
	}
	for _, f := range db.Facts("next_campaign_task") {
		p.Next = f.Args[0].Text()
		for sh := range db.Query("task_shard", map[int]types.Value{0: f.Args[0]}) {
			p.NextShard = sh.Args[1]
			break
		}
		break
	}
	p.Eligible = texts(db.Facts("eligible_task"), 0)

	for _, f := range db.Facts("dispatch_paused") {
		c := f.Args[0].Text()
		var reasons []string
		for r := range db.Query("replan_needed", map[int]types.Value{0: f.Args[0]}) {
			reasons = append(reasons, r.Args[1].Text())
		}
		if len(reasons) == 0 {
			reasons = []string{"paused"}
		}
		sort.Strings(reasons)
		p.Paused[c] = reasons
	}
	for _, f := range db.Facts("checkpoint_due") {
		p.CheckpointsDue = append(p.CheckpointsDue, CheckpointDue{Phase: f.Args[0].Text(), Method: VerificationMethod(f.Args[1].Text())})
	}
	for _, f := range db.Facts("phase_blocked") {
		p.Blocked = append(p.Blocked, PhaseBlock{Phase: f.Args[0].Text(), Reason: f.Args[1].Text()})
	}
	p.ReadyPhases = texts(db.Facts("phase_ready_to_complete"), 0)
	for _, f := range db.Facts("campaign_complete") {
		if campaignActive(db, f.Args[0]) {
			p.Complete = append(p.Complete, f.Args[0].Text())
		}
	}
	for _, f := range db.Facts("verification_blocked") {
		if task, ok := s.taskStatus(f.Args[0].Text()); ok && (task == TaskPending || task == TaskInProgress) {
			p.Escalated = append(p.Escalated, f.Args[0].Text())
		}
	}
	p.Stalled = texts(db.Facts("task_stalled"), 0)
	return p
}

func campaignActive(db *core.Database, id types.Value) bool {
	for range db.Query("campaign", map[int]types.Value{0: id, 4: types.Name(string(StatusActive))}) {
		return true
	}
	return false
}

func texts(facts []types.Fact, i int) []string {
	if len(facts) == 0 {
		return nil
	}
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		out = append(out, f.Args[i].Text())
	}
	return out
}

// Task returns a copy of a task.
func (s *Scheduler) Task(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, t, err := s.findTaskLocked(id)
	if err != nil {
		return Task{}, false
	}
	return *t, true
}

func (s *Scheduler) taskStatus(id string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, t, err := s.findTaskLocked(id)
	if err != nil {
		return "", false
	}
	return t.Status, true
}

// =============================================================================
// TASK TRANSITIONS
// =============================================================================

// Dispatch moves a pending task to in_progress on shard and starts its
// phase if needed.
func (s *Scheduler) Dispatch(taskID string, shard types.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, p, t, err := s.findTaskLocked(taskID)
	if err != nil {
		return err
	}
	if c.Status != StatusActive {
		return fmt.Errorf("%w: campaign %s is %s", ErrInvalidTransition, c.ID, c.Status)
	}
	if err := t.transition(TaskInProgress, TaskPending); err != nil {
		return err
	}
	t.StartedAt = s.now()
	t.NextRetryAt = time.Time{}
	if shard.IsValid() {
		t.AssignedShard = shard.String()
	}
	if p.Status == PhasePending {
		p.Status = PhaseInProgress
		logging.Campaign("Phase %s started", p.ID)
	}
	logging.AuditAs("campaign").CampaignEvent(logging.AuditCampaignTask, t.ID, true, "dispatch "+t.AssignedShard)
	return s.touchLocked(c)
}

// Complete marks an in_progress task completed and records its artifacts.
func (s *Scheduler) Complete(taskID string, artifacts []TaskArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, _, t, err := s.findTaskLocked(taskID)
	if err != nil {
		return err
	}
	if err := t.transition(TaskCompleted, TaskInProgress); err != nil {
		return err
	}
	t.Attempts = append(t.Attempts, TaskAttempt{Number: len(t.Attempts) + 1, Outcome: "/success", Timestamp: s.now()})
	t.Artifacts = mergeArtifacts(t.Artifacts, artifacts)
	t.LastError = ""
	c.ConsecutiveFailures = 0
	logging.AuditAs("campaign").CampaignEvent(logging.AuditCampaignTask, t.ID, true, "complete")
	return s.touchLocked(c)
}

// Cancel stops a pending or running task. The task is skipped.
func (s *Scheduler) Cancel(taskID string) error {
	return s.setTask(taskID, TaskSkipped, "cancel", TaskPending, TaskInProgress, TaskBlocked)
}

// Skip drops a task that has not run to completion.
func (s *Scheduler) Skip(taskID string) error {
	return s.setTask(taskID, TaskSkipped, "skip", TaskPending, TaskFailed, TaskBlocked)
}

// Block parks a task for human resolution.
func (s *Scheduler) Block(taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, _, t, err := s.findTaskLocked(taskID)
	if err != nil {
		return err
	}
	if err := t.transition(TaskBlocked, TaskPending, TaskInProgress); err != nil {
		return err
	}
	t.LastError = reason
	logging.AuditAs("campaign").CampaignEvent(logging.AuditCampaignTask, t.ID, false, "block: "+reason)
	return s.touchLocked(c)
}

// Unblock returns a blocked task to pending after human resolution.
func (s *Scheduler) Unblock(taskID string) error {
	return s.setTask(taskID, TaskPending, "unblock", TaskBlocked)
}

func (s *Scheduler) setTask(taskID string, to TaskStatus, verb string, from ...TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, _, t, err := s.findTaskLocked(taskID)
	if err != nil {
		return err
	}
	if err := t.transition(to, from...); err != nil {
		return err
	}
	t.NextRetryAt = time.Time{}
	logging.AuditAs("campaign").CampaignEvent(logging.AuditCampaignTask, t.ID, true, verb)
	return s.touchLocked(c)
}

func (t *Task) transition(to TaskStatus, from ...TaskStatus) error {
	for _, f := range from {
		if t.Status == f {
			logging.CampaignDebug("Task %s: %s -> %s", t.ID, t.Status, to)
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
}

func mergeArtifacts(have, add []TaskArtifact) []TaskArtifact {
	for _, a := range add {
		a.Path = normalizePath(a.Path)
		replaced := false
		for i := range have {
			if have[i].Path == a.Path {
				have[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			have = append(have, a)
		}
	}
	return have
}

// =============================================================================
// PHASE AND CAMPAIGN TRANSITIONS
// =============================================================================

// RecordCheckpoint stores a verification result for an in_progress phase.
func (s *Scheduler) RecordCheckpoint(phaseID string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, p, err := s.findPhaseLocked(phaseID)
	if err != nil {
		return err
	}
	if p.Status != PhaseInProgress {
		return fmt.Errorf("%w: checkpoint on phase %s in %s", ErrInvalidTransition, p.ID, p.Status)
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = s.now()
	}
	p.Checkpoints = append(p.Checkpoints, cp)
	logging.AuditAs("campaign").CampaignEvent(logging.AuditCampaignCheckpoint, p.ID, cp.Passed, string(cp.Method))
	if !cp.Passed {
		logging.CampaignWarn("Checkpoint %s failed for phase %s: %s", cp.Method, p.ID, cp.Details)
	}
	return s.touchLocked(c)
}

// CompletePhase closes an in_progress phase.
func (s *Scheduler) CompletePhase(phaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, p, err := s.findPhaseLocked(phaseID)
	if err != nil {
		return err
	}
	if p.Status != PhaseInProgress {
		return fmt.Errorf("%w: phase %s %s -> %s", ErrInvalidTransition, p.ID, p.Status, PhaseCompleted)
	}
	p.Status = PhaseCompleted
	logging.Campaign("Phase %s completed", p.ID)
	return s.touchLocked(c)
}

// SkipPhase drops a phase that has not completed.
func (s *Scheduler) SkipPhase(phaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, p, err := s.findPhaseLocked(phaseID)
	if err != nil {
		return err
	}
	if p.Status == PhaseCompleted || p.Status == PhaseSkipped {
		return fmt.Errorf("%w: phase %s %s -> %s", ErrInvalidTransition, p.ID, p.Status, PhaseSkipped)
	}
	p.Status = PhaseSkipped
	return s.touchLocked(c)
}

// CompleteCampaign closes an active campaign.
func (s *Scheduler) CompleteCampaign(id string) error {
	return s.setCampaign(id, StatusCompleted, StatusActive)
}

// Pause stops dispatch for a campaign.
func (s *Scheduler) Pause(id string) error {
	return s.setCampaign(id, StatusPaused, StatusActive)
}

// Resume restarts dispatch for a paused campaign.
func (s *Scheduler) Resume(id string) error {
	return s.setCampaign(id, StatusActive, StatusPaused, StatusPlanning)
}

func (s *Scheduler) setCampaign(id string, to CampaignStatus, from ...CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[normalizeID(id)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCampaign, id)
	}
	for _, f := range from {
		if c.Status == f {
			logging.Campaign("Campaign %s: %s -> %s", c.ID, c.Status, to)
			c.Status = to
			return s.touchLocked(c)
		}
	}
	return fmt.Errorf("%w: campaign %s %s -> %s", ErrInvalidTransition, c.ID, c.Status, to)
}

// TriggerReplan records an explicit replan request, which pauses dispatch
// until acknowledged.
func (s *Scheduler) TriggerReplan(id, reason, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[normalizeID(id)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCampaign, id)
	}
	c.ReplanTriggers = append(c.ReplanTriggers, ReplanTrigger{Reason: normalizeID(reason), TriggeredAt: s.now(), Details: details})
	return s.touchLocked(c)
}

// Replan runs the configured replanner over a campaign and acknowledges
// the replan.
func (s *Scheduler) Replan(ctx context.Context, id string, reasons []string) error {
	s.mu.Lock()
	c, ok := s.campaigns[normalizeID(id)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCampaign, id)
	}
	work := c.Clone()
	s.mu.Unlock()

	summary, err := s.replanner.Replan(ctx, work, reasons)
	if err != nil {
		logging.AuditAs("campaign").CampaignEvent(logging.AuditCampaignReplan, work.ID, false, err.Error())
		return fmt.Errorf("replan %s: %w", work.ID, err)
	}
	normalizeCampaign(work)
	if issues := ValidatePlan(work); len(issues) > 0 {
		return fmt.Errorf("%w: replan of %s: %s", ErrInvalidPlan, work.ID, issues[0].Description)
	}

	s.mu.Lock()
	s.campaigns[work.ID] = work
	s.mu.Unlock()
	return s.AcknowledgeReplan(work.ID, summary)
}

// AcknowledgeReplan clears the replan pause: explicit triggers and the
// failure streak are reset and the revision advances.
func (s *Scheduler) AcknowledgeReplan(id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[normalizeID(id)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCampaign, id)
	}
	c.ReplanTriggers = nil
	c.ConsecutiveFailures = 0
	c.RevisionNumber++
	c.LastRevision = summary
	logging.Campaign("Campaign %s replanned, revision %d: %s", c.ID, c.RevisionNumber, summary)
	logging.AuditAs("campaign").CampaignEvent(logging.AuditCampaignReplan, c.ID, true, summary)
	return s.touchLocked(c)
}

// Progress summarizes a campaign for display.
func (s *Scheduler) Progress(id string) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[normalizeID(id)]
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrUnknownCampaign, id)
	}
	pr := Progress{
		CampaignID:     c.ID,
		CampaignTitle:  c.Title,
		CampaignStatus: string(c.Status),
		TotalPhases:    len(c.Phases),
		Replans:        c.RevisionNumber,
	}
	for _, p := range c.Phases {
		if p.Status == PhaseCompleted || p.Status == PhaseSkipped {
			pr.CompletedPhases++
		}
		for _, t := range p.Tasks {
			pr.TotalTasks++
			switch t.Status {
			case TaskCompleted, TaskSkipped:
				pr.CompletedTasks++
			case TaskFailed:
				pr.FailedTasks++
			}
		}
	}
	if pr.TotalTasks > 0 {
		pr.OverallProgress = float64(pr.CompletedTasks) / float64(pr.TotalTasks)
	}
	return pr, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Scheduler) findTaskLocked(id string) (*Campaign, *Phase, *Task, error) {
	id = normalizeID(id)
	for _, cid := range s.order {
		c := s.campaigns[cid]
		for pi := range c.Phases {
			p := &c.Phases[pi]
			for ti := range p.Tasks {
				if p.Tasks[ti].ID == id {
					return c, p, &p.Tasks[ti], nil
				}
			}
		}
	}
	return nil, nil, nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
}

func (s *Scheduler) findPhaseLocked(id string) (*Campaign, *Phase, error) {
	id = normalizeID(id)
	for _, cid := range s.order {
		c := s.campaigns[cid]
		for pi := range c.Phases {
			if c.Phases[pi].ID == id {
				return c, &c.Phases[pi], nil
			}
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPhase, id)
}

func (s *Scheduler) touchLocked(c *Campaign) error {
	c.UpdatedAt = s.now()
	return s.saveLocked(c)
}

func (s *Scheduler) saveLocked(c *Campaign) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.Save(c); err != nil {
		return fmt.Errorf("persist campaign %s: %w", c.ID, err)
	}
	return nil
}

// normalizeCampaign fills defaults and links children to their parents.
func normalizeCampaign(c *Campaign) {
	c.ID = normalizeID(c.ID)
	if c.Type == "" {
		c.Type = CampaignTypeCustom
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	for pi := range c.Phases {
		p := &c.Phases[pi]
		p.ID = normalizeID(p.ID)
		p.CampaignID = c.ID
		if p.Status == "" {
			p.Status = PhasePending
		}
		for di := range p.Dependencies {
			p.Dependencies[di].DependsOnPhaseID = normalizeID(p.Dependencies[di].DependsOnPhaseID)
		}
		for ti := range p.Tasks {
			t := &p.Tasks[ti]
			t.ID = normalizeID(t.ID)
			t.PhaseID = p.ID
			if t.Status == "" {
				t.Status = TaskPending
			}
			if t.Type == "" {
				t.Type = TaskTypeFileModify
			}
			if t.Priority == "" {
				t.Priority = PriorityNormal
			}
			for i := range t.DependsOn {
				t.DependsOn[i] = normalizeID(t.DependsOn[i])
			}
			for i := range t.ConflictsWith {
				t.ConflictsWith[i] = normalizeID(t.ConflictsWith[i])
			}
		}
	}
}

// resetInProgress clears in-flight states after a restart so work can resume.
func resetInProgress(c *Campaign) {
	n := 0
	for pi := range c.Phases {
		for ti := range c.Phases[pi].Tasks {
			t := &c.Phases[pi].Tasks[ti]
			if t.Status == TaskInProgress {
				t.Status = TaskPending
				t.StartedAt = time.Time{}
				n++
			}
		}
	}
	if n > 0 {
		logging.Campaign("Campaign %s: reset %d in-progress tasks after restart", c.ID, n)
	}
}

// ValidatePlan reports structural problems: duplicate ids, dependencies on
// unknown tasks or phases, and hard phase dependency cycles.
func ValidatePlan(c *Campaign) []PlanValidationIssue {
	var issues []PlanValidationIssue
	add := func(kind, format string, args ...any) {
		issues = append(issues, PlanValidationIssue{CampaignID: c.ID, IssueType: kind, Description: fmt.Sprintf(format, args...)})
	}
	if c.ID == "" {
		add("/missing_id", "campaign has no id")
	}
	phases := make(map[string]*Phase)
	tasks := make(map[string]bool)
	for pi := range c.Phases {
		p := &c.Phases[pi]
		if _, dup := phases[p.ID]; dup || p.ID == "" {
			add("/duplicate_id", "phase id %q is empty or repeated", p.ID)
		}
		phases[p.ID] = p
		for _, t := range p.Tasks {
			if tasks[t.ID] || t.ID == "" {
				add("/duplicate_id", "task id %q is empty or repeated", t.ID)
			}
			tasks[t.ID] = true
		}
	}
	for _, p := range c.Phases {
		for _, d := range p.Dependencies {
			if _, ok := phases[d.DependsOnPhaseID]; !ok {
				add("/missing_dependency", "phase %s depends on unknown phase %s", p.ID, d.DependsOnPhaseID)
			}
		}
		for _, t := range p.Tasks {
			for _, d := range t.DependsOn {
				if !tasks[d] {
					add("/missing_dependency", "task %s depends on unknown task %s", t.ID, d)
				}
			}
		}
	}

	// Hard phase dependency cycles would leave every member ineligible.
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		if p, ok := phases[id]; ok {
			for _, d := range p.Dependencies {
				if d.Type == DepHard && visit(d.DependsOnPhaseID) {
					return true
				}
			}
		}
		state[id] = done
		return false
	}
	for _, p := range c.Phases {
		if state[p.ID] == unvisited && visit(p.ID) {
			add("/circular_dependency", "hard phase dependencies through %s form a cycle", p.ID)
			break
		}
	}
	return issues
}

// Clone returns a deep copy.
func (c *Campaign) Clone() *Campaign {
	out := *c
	out.SourceMaterial = append([]string(nil), c.SourceMaterial...)
	out.ReplanTriggers = append([]ReplanTrigger(nil), c.ReplanTriggers...)
	out.Phases = make([]Phase, len(c.Phases))
	for i, p := range c.Phases {
		p.Objectives = append([]PhaseObjective(nil), p.Objectives...)
		p.Dependencies = append([]PhaseDependency(nil), p.Dependencies...)
		p.Checkpoints = append([]Checkpoint(nil), p.Checkpoints...)
		tasks := make([]Task, len(p.Tasks))
		for j, t := range p.Tasks {
			t.DependsOn = append([]string(nil), t.DependsOn...)
			t.SoftDeps = append([]string(nil), t.SoftDeps...)
			t.ConflictsWith = append([]string(nil), t.ConflictsWith...)
			t.Artifacts = append([]TaskArtifact(nil), t.Artifacts...)
			t.Attempts = append([]TaskAttempt(nil), t.Attempts...)
			tasks[j] = t
		}
		p.Tasks = tasks
		out.Phases[i] = p
	}
	return &out
}
