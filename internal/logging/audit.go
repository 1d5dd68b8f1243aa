package logging

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES - Maps to Mangle predicates
// =============================================================================

// AuditEventType defines the type of audit event (maps to Mangle predicate)
type AuditEventType string

const (
	// Gate verdicts -> safety_check/4
	AuditSafetyAllow AuditEventType = "safety_allow"
	AuditSafetyBlock AuditEventType = "safety_block"

	// Appeals -> appeal_event/4
	AuditAppealSubmit AuditEventType = "appeal_submit"
	AuditAppealGrant  AuditEventType = "appeal_grant"
	AuditAppealDeny   AuditEventType = "appeal_deny"

	// Shard lifecycle -> shard_lifecycle/5
	AuditShardDispatch AuditEventType = "shard_dispatch"
	AuditShardComplete AuditEventType = "shard_complete"
	AuditShardCancel   AuditEventType = "shard_cancel"

	// Campaign -> campaign_event/5
	AuditCampaignTask       AuditEventType = "campaign_task"
	AuditCampaignCheckpoint AuditEventType = "campaign_checkpoint"
	AuditCampaignReplan     AuditEventType = "campaign_replan"

	// Cycle -> cycle_event/4
	AuditCycleComplete AuditEventType = "cycle_complete"
	AuditCycleAbort    AuditEventType = "cycle_abort"
)

// AuditEvent is a structured audit entry that can be parsed back into Mangle.
type AuditEvent struct {
	Timestamp int64
	EventType AuditEventType
	Target    string
	Actor     string
	Success   bool
	Detail    string
}

// AuditLogger writes audit events to the audit category.
type AuditLogger struct {
	actor string
}

// Audit returns the global audit logger.
func Audit() *AuditLogger { return &AuditLogger{} }

// AuditAs returns an audit logger that stamps every event with actor.
func AuditAs(actor string) *AuditLogger { return &AuditLogger{actor: actor} }

// Log writes an audit event with its Mangle fact form.
func (a *AuditLogger) Log(e AuditEvent) string {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Actor == "" {
		e.Actor = a.actor
	}
	fact := MangleFact(e)
	Get(CategoryAudit).Zap().Info(string(e.EventType),
		zap.Int64("ts", e.Timestamp),
		zap.String("target", e.Target),
		zap.String("actor", e.Actor),
		zap.Bool("success", e.Success),
		zap.String("detail", e.Detail),
		zap.String("mangle", fact),
	)
	return fact
}

// MangleFact renders an event as a Mangle fact.
func MangleFact(e AuditEvent) string {
	q := strconv.Quote
	switch e.EventType {
	case AuditSafetyAllow, AuditSafetyBlock:
		return fmt.Sprintf("safety_check(%d, %s, %v, %s).", e.Timestamp, q(e.Target), boolName(e.Success), q(e.Detail))
	case AuditAppealSubmit, AuditAppealGrant, AuditAppealDeny:
		return fmt.Sprintf("appeal_event(%d, /%s, %s, %s).", e.Timestamp, e.EventType, q(e.Target), q(e.Detail))
	case AuditShardDispatch, AuditShardComplete, AuditShardCancel:
		return fmt.Sprintf("shard_lifecycle(%d, /%s, %s, %s, %v).", e.Timestamp, e.EventType, q(e.Actor), q(e.Target), boolName(e.Success))
	case AuditCampaignTask, AuditCampaignCheckpoint, AuditCampaignReplan:
		return fmt.Sprintf("campaign_event(%d, /%s, %s, %v, %s).", e.Timestamp, e.EventType, q(e.Target), boolName(e.Success), q(e.Detail))
	default:
		return fmt.Sprintf("cycle_event(%d, /%s, %s, %v).", e.Timestamp, e.EventType, q(e.Target), boolName(e.Success))
	}
}

func boolName(b bool) string {
	if b {
		return "/true"
	}
	return "/false"
}

// SafetyCheck records a gate verdict for an action.
func (a *AuditLogger) SafetyCheck(action string, allowed bool, reason string) {
	t := AuditSafetyAllow
	if !allowed {
		t = AuditSafetyBlock
	}
	a.Log(AuditEvent{EventType: t, Target: action, Success: allowed, Detail: reason})
}

// ShardEvent records a dispatch lifecycle transition.
func (a *AuditLogger) ShardEvent(t AuditEventType, shard, task string, success bool) {
	a.Log(AuditEvent{EventType: t, Actor: shard, Target: task, Success: success})
}

// CampaignEvent records a scheduler transition.
func (a *AuditLogger) CampaignEvent(t AuditEventType, target string, success bool, detail string) {
	a.Log(AuditEvent{EventType: t, Target: target, Success: success, Detail: detail})
}
