// Package campaign sequences long-running, multi-phase goals.
//
// A campaign is phases of tasks. The Go side owns the campaign documents
// and their state transitions; the choice of what runs next is made by
// campaign.mg over the facts rendered by ToFacts. A Scheduler reads those
// derived decisions back as a Plan.
package campaign

import (
	"path/filepath"
	"strings"
	"time"

	"nerdkernel/internal/logging"
	"nerdkernel/internal/types"
)

// CampaignType represents the type of campaign.
type CampaignType string

const (
	CampaignTypeGreenfield  CampaignType = "/greenfield"  // Build from scratch
	CampaignTypeFeature     CampaignType = "/feature"     // Add major feature
	CampaignTypeAudit       CampaignType = "/audit"       // Stability/security audit
	CampaignTypeMigration   CampaignType = "/migration"   // Technology migration
	CampaignTypeRemediation CampaignType = "/remediation" // Fix issues across codebase
	CampaignTypeCustom      CampaignType = "/custom"
)

// CampaignStatus represents the current status of a campaign.
type CampaignStatus string

const (
	StatusPlanning  CampaignStatus = "/planning"
	StatusActive    CampaignStatus = "/active"
	StatusPaused    CampaignStatus = "/paused"
	StatusCompleted CampaignStatus = "/completed"
	StatusFailed    CampaignStatus = "/failed"
)

// PhaseStatus represents the status of a campaign phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "/pending"
	PhaseInProgress PhaseStatus = "/in_progress"
	PhaseCompleted  PhaseStatus = "/completed"
	PhaseFailed     PhaseStatus = "/failed"
	PhaseSkipped    PhaseStatus = "/skipped"
)

// TaskStatus represents the status of a campaign task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "/pending"
	TaskInProgress TaskStatus = "/in_progress"
	TaskCompleted  TaskStatus = "/completed"
	TaskFailed     TaskStatus = "/failed"
	TaskSkipped    TaskStatus = "/skipped"
	TaskBlocked    TaskStatus = "/blocked" // escalated to a human
)

// TaskType represents the type of task. campaign.mg maps each type to the
// shard that executes it.
type TaskType string

const (
	TaskTypeFileCreate  TaskType = "/file_create"
	TaskTypeFileModify  TaskType = "/file_modify"
	TaskTypeTestWrite   TaskType = "/test_write"
	TaskTypeTestRun     TaskType = "/test_run"
	TaskTypeResearch    TaskType = "/research"
	TaskTypeShardSpawn  TaskType = "/shard_spawn"
	TaskTypeToolCreate  TaskType = "/tool_create"
	TaskTypeVerify      TaskType = "/verify"
	TaskTypeDocument    TaskType = "/document"
	TaskTypeRefactor    TaskType = "/refactor"
	TaskTypeIntegrate   TaskType = "/integrate"
	TaskTypeCampaignRef TaskType = "/campaign_ref" // Reference to a sub-campaign
)

// TaskPriority represents task priority levels.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "/critical"
	PriorityHigh     TaskPriority = "/high"
	PriorityNormal   TaskPriority = "/normal"
	PriorityLow      TaskPriority = "/low"
)

// ObjectiveType represents the type of phase objective.
type ObjectiveType string

const (
	ObjectiveCreate    ObjectiveType = "/create"
	ObjectiveModify    ObjectiveType = "/modify"
	ObjectiveTest      ObjectiveType = "/test"
	ObjectiveResearch  ObjectiveType = "/research"
	ObjectiveValidate  ObjectiveType = "/validate"
	ObjectiveIntegrate ObjectiveType = "/integrate"
	ObjectiveReview    ObjectiveType = "/review"
)

// VerificationMethod represents how a phase is verified.
type VerificationMethod string

const (
	VerifyTestsPass     VerificationMethod = "/tests_pass"
	VerifyBuilds        VerificationMethod = "/builds"
	VerifyManualReview  VerificationMethod = "/manual_review"
	VerifyShardValidate VerificationMethod = "/shard_validation"
	VerifyNone          VerificationMethod = "/none"
)

// DependencyType represents the type of dependency between phases.
type DependencyType string

const (
	DepHard     DependencyType = "/hard"     // Must complete before dependent can start
	DepSoft     DependencyType = "/soft"     // Preferred but not required
	DepArtifact DependencyType = "/artifact" // Needs output artifact from dependency
)

// Error classes used for retry backoff.
const (
	ErrorTransient = "/transient"
	ErrorLogic     = "/logic"
)

// Campaign represents a long-running, multi-phase goal.
type Campaign struct {
	ID             string         `json:"id"`
	Type           CampaignType   `json:"type"`
	Title          string         `json:"title"`
	Goal           string         `json:"goal"`
	SourceMaterial []string       `json:"source_material,omitempty"`
	Status         CampaignStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Confidence     types.Score    `json:"confidence"` // planner confidence, 0-100

	Phases []Phase `json:"phases"`

	// Failures since the last completed task or replan.
	ConsecutiveFailures int             `json:"consecutive_failures"`
	ReplanTriggers      []ReplanTrigger `json:"replan_triggers,omitempty"`

	RevisionNumber int    `json:"revision_number"`
	LastRevision   string `json:"last_revision_summary,omitempty"`
}

// Phase represents a distinct phase within a campaign.
type Phase struct {
	ID             string      `json:"id"`
	CampaignID     string      `json:"campaign_id"`
	Name           string      `json:"name"`
	Order          int         `json:"order"` // Execution order (0-based)
	Category       string      `json:"category,omitempty"`
	Status         PhaseStatus `json:"status"`
	ContextProfile string      `json:"context_profile,omitempty"`

	Objectives   []PhaseObjective  `json:"objectives,omitempty"`
	Tasks        []Task            `json:"tasks"`
	Dependencies []PhaseDependency `json:"dependencies,omitempty"`
	Checkpoints  []Checkpoint      `json:"checkpoints,omitempty"`
}

// PhaseObjective describes what a phase aims to accomplish.
type PhaseObjective struct {
	Type               ObjectiveType      `json:"type"`
	Description        string             `json:"description"`
	VerificationMethod VerificationMethod `json:"verification_method"`
}

// PhaseDependency represents a dependency between phases.
type PhaseDependency struct {
	DependsOnPhaseID string         `json:"depends_on_phase_id"`
	Type             DependencyType `json:"type"`
}

// Task represents an atomic unit of work within a phase.
type Task struct {
	ID          string       `json:"id"`
	PhaseID     string       `json:"phase_id"`
	Description string       `json:"description"`
	Status      TaskStatus   `json:"status"`
	Type        TaskType     `json:"type"`
	Priority    TaskPriority `json:"priority,omitempty"`
	Order       int          `json:"order"`

	DependsOn     []string `json:"depends_on,omitempty"` // hard task dependencies
	SoftDeps      []string `json:"soft_deps,omitempty"`
	ConflictsWith []string `json:"conflicts_with,omitempty"`

	// Shard overrides the type-based routing in campaign.mg.
	Shard string `json:"shard,omitempty"`
	// AssignedShard is the shard the task was last dispatched to.
	AssignedShard string `json:"assigned_shard,omitempty"`

	Artifacts []TaskArtifact `json:"artifacts,omitempty"`

	Attempts    []TaskAttempt `json:"attempts,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	NextRetryAt time.Time     `json:"next_retry_at,omitempty"`
}

// TaskArtifact represents an artifact produced or touched by a task. Two
// tasks naming the same path conflict.
type TaskArtifact struct {
	Type string `json:"type"` // /source_file, /test_file, /config, /doc
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
}

// TaskAttempt tracks an execution attempt for a task.
type TaskAttempt struct {
	Number    int       `json:"number"`
	Outcome   string    `json:"outcome"` // /success, /failure
	ErrorType string    `json:"error_type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Checkpoint is the recorded result of a phase verification.
type Checkpoint struct {
	Method    VerificationMethod `json:"method"`
	Passed    bool               `json:"passed"`
	Details   string             `json:"details,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ReplanTrigger represents a reason to replan the campaign.
type ReplanTrigger struct {
	Reason      string    `json:"reason"` // /task_failed, /new_requirement, /user_feedback, /blocked
	TriggeredAt time.Time `json:"triggered_at"`
	Details     string    `json:"details,omitempty"`
}

// Progress represents campaign progress for display.
type Progress struct {
	CampaignID      string  `json:"campaign_id"`
	CampaignTitle   string  `json:"campaign_title"`
	CampaignStatus  string  `json:"campaign_status"`
	CompletedPhases int     `json:"completed_phases"`
	TotalPhases     int     `json:"total_phases"`
	CompletedTasks  int     `json:"completed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	TotalTasks      int     `json:"total_tasks"`
	OverallProgress float64 `json:"overall_progress"` // 0.0-1.0
	Replans         int     `json:"replans_count"`
}

// PlanValidationIssue represents an issue found during plan validation.
type PlanValidationIssue struct {
	CampaignID  string `json:"campaign_id"`
	IssueType   string `json:"issue_type"` // /missing_dependency, /duplicate_id, /circular_dependency
	Description string `json:"description"`
}

// Predicates rendered by Campaign.ToFacts. The scheduler replaces all of
// them wholesale on every batch.
var CampaignPredicates = []string{
	"campaign",
	"campaign_goal",
	"campaign_phase",
	"phase_dependency",
	"phase_objective",
	"checkpoint",
	"campaign_task",
	"task_priority",
	"task_order",
	"task_dependency",
	"task_soft_dependency",
	"task_conflicts_with",
	"task_shard_override",
	"task_artifact",
	"task_attempt",
	"task_error",
	"task_retry_at",
	"task_started",
	"consecutive_task_failures",
	"replan_trigger",
}

func name(id string) types.Value { return types.Name(id) }

// ToFacts converts a Campaign to facts for the kernel.
func (c *Campaign) ToFacts() []types.Fact {
	source := ""
	if len(c.SourceMaterial) > 0 {
		source = c.SourceMaterial[0]
	}
	id := name(c.ID)
	facts := []types.Fact{
		types.NewFact("campaign", id, name(string(c.Type)), types.String(c.Title), types.String(source), name(string(c.Status))),
		types.NewFact("consecutive_task_failures", id, types.Int(int64(c.ConsecutiveFailures))),
	}
	if c.Goal != "" {
		facts = append(facts, types.NewFact("campaign_goal", id, types.String(c.Goal)))
	}
	for _, trig := range c.ReplanTriggers {
		facts = append(facts, types.NewFact("replan_trigger", id, name(trig.Reason), types.Int(trig.TriggeredAt.UnixMilli())))
	}
	for i := range c.Phases {
		facts = append(facts, c.Phases[i].ToFacts()...)
	}

	logging.CampaignDebug("Campaign %s converted: %d facts (phases=%d)", c.ID, len(facts), len(c.Phases))
	return facts
}

// ToFacts converts a Phase to facts.
func (p *Phase) ToFacts() []types.Fact {
	id := name(p.ID)
	facts := []types.Fact{
		types.NewFact("campaign_phase", id, name(p.CampaignID), types.String(p.Name),
			types.Int(int64(p.Order)), name(string(p.Status)), types.String(p.ContextProfile)),
	}
	for _, obj := range p.Objectives {
		method := obj.VerificationMethod
		if method == "" {
			method = VerifyNone
		}
		facts = append(facts, types.NewFact("phase_objective", id, name(string(obj.Type)),
			types.String(obj.Description), name(string(method))))
	}
	for _, dep := range p.Dependencies {
		dt := dep.Type
		if dt == "" {
			dt = DepHard
		}
		facts = append(facts, types.NewFact("phase_dependency", id, name(dep.DependsOnPhaseID), name(string(dt))))
	}
	// Only the latest result per method counts; a rerun replaces a failure.
	latest := make(map[VerificationMethod]Checkpoint)
	var methods []VerificationMethod
	for _, cp := range p.Checkpoints {
		if _, ok := latest[cp.Method]; !ok {
			methods = append(methods, cp.Method)
		}
		latest[cp.Method] = cp
	}
	for _, m := range methods {
		cp := latest[m]
		result := types.Name("/failed")
		if cp.Passed {
			result = types.Name("/passed")
		}
		facts = append(facts, types.NewFact("checkpoint", id, name(string(m)), result, types.String(cp.Details)))
	}
	for idx := range p.Tasks {
		facts = append(facts, p.Tasks[idx].ToFacts()...)
	}
	return facts
}

// ToFacts converts a Task to facts. Times are rendered in milliseconds to
// match current_time.
func (t *Task) ToFacts() []types.Fact {
	id := name(t.ID)
	prio := t.Priority
	if prio == "" {
		prio = PriorityNormal
	}
	facts := []types.Fact{
		types.NewFact("campaign_task", id, name(t.PhaseID), types.String(t.Description), name(string(t.Status)), name(string(t.Type))),
		types.NewFact("task_priority", id, name(string(prio))),
		types.NewFact("task_order", id, types.Int(int64(t.Order))),
	}
	for _, dep := range t.DependsOn {
		facts = append(facts, types.NewFact("task_dependency", id, name(dep)))
	}
	for _, dep := range t.SoftDeps {
		facts = append(facts, types.NewFact("task_soft_dependency", id, name(dep)))
	}
	for _, other := range t.ConflictsWith {
		facts = append(facts, types.NewFact("task_conflicts_with", id, name(other)))
	}
	if t.Shard != "" {
		facts = append(facts, types.NewFact("task_shard_override", id, name(t.Shard)))
	}
	for _, a := range t.Artifacts {
		facts = append(facts, types.NewFact("task_artifact", id, name(a.Type), types.String(normalizePath(a.Path)), types.String(a.Hash)))
	}
	for _, a := range t.Attempts {
		facts = append(facts, types.NewFact("task_attempt", id, types.Int(int64(a.Number)), name(a.Outcome), types.Int(a.Timestamp.UnixMilli())))
	}
	if t.LastError != "" {
		errType := ErrorLogic
		if n := len(t.Attempts); n > 0 && t.Attempts[n-1].ErrorType != "" {
			errType = t.Attempts[n-1].ErrorType
		}
		facts = append(facts, types.NewFact("task_error", id, name(errType), types.String(t.LastError)))
	}
	if !t.NextRetryAt.IsZero() && t.Status == TaskPending {
		facts = append(facts, types.NewFact("task_retry_at", id, types.Int(t.NextRetryAt.UnixMilli())))
	}
	if !t.StartedAt.IsZero() && t.Status == TaskInProgress {
		facts = append(facts, types.NewFact("task_started", id, types.Int(t.StartedAt.UnixMilli())))
	}
	return facts
}

// normalizePath cleans filesystem paths and converts separators to slash form.
func normalizePath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// normalizeID gives ids the leading slash used in facts, so "t1" and
// "/t1" address the same task.
func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "/") {
		return id
	}
	return "/" + id
}
