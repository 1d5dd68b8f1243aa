package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"nerdkernel/internal/campaign"
	"nerdkernel/internal/constitution"
	"nerdkernel/internal/core"
	"nerdkernel/internal/logging"
	"nerdkernel/internal/mangle"
	"nerdkernel/internal/store"
	"nerdkernel/internal/system"
	"nerdkernel/internal/types"
)

func notEvaluated(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "kernel has not been evaluated yet"})
}

// HealthCheck reports liveness and the last evaluated cycle.
func HealthCheck(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{"status": "ok", "evaluated": false, "queued": cx.Kernel.Queue().Len()}
		if db := cx.Kernel.Database(); db != nil {
			resp["evaluated"] = true
			resp["cycle"] = db.Cycle()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetNextAction returns the recommended next action and its runners-up.
func GetNextAction(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := cx.Kernel.Decisions()
		if !d.Ready() {
			notEvaluated(c)
			return
		}
		act, ok := d.NextAction()
		if !ok {
			c.JSON(http.StatusOK, gin.H{"action": nil, "candidates": []string{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"action": act.String(), "candidates": valueStrings(d.NextActions())})
	}
}

// GetDelegateTask returns the pending shard delegation, or 204 when none.
func GetDelegateTask(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := cx.Kernel.Decisions()
		if !d.Ready() {
			notEvaluated(c)
			return
		}
		del, ok := d.DelegateTask()
		if !ok {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, delegationResponse{ShardType: del.ShardType.String(), Description: del.Description})
	}
}

// GetFinalAction reports whether an action passed the constitution.
func GetFinalAction(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := cx.Kernel.Decisions()
		if !d.Ready() {
			notEvaluated(c)
			return
		}
		id := types.Name(c.Param("id"))
		c.JSON(http.StatusOK, gin.H{"action": id.String(), "final": d.FinalAction(id)})
	}
}

// GetContext returns the context selected for a shard in the last cycle.
// ?budget=N overrides the configured context budget.
func GetContext(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		db := cx.Kernel.Database()
		if db == nil {
			notEvaluated(c)
			return
		}
		budget := 0
		if raw := c.Query("budget"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "budget must be a non-negative integer"})
				return
			}
			budget = n
		}
		sel := cx.Propagator.Select(db, types.Name(c.Param("shard")), budget)
		c.JSON(http.StatusOK, toContext(cx.Propagator, sel))
	}
}

// GetDenials returns the denials of the last cycle and the recent history.
func GetDenials(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		c.JSON(http.StatusOK, gin.H{
			"current": toDenials(cx.Kernel.Decisions().Denials()),
			"recent":  toDenialRecords(cx.Gate.Reporter().Recent(limit)),
		})
	}
}

// PostFacts queues assertions or retractions for the next cycle boundary.
func PostFacts(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FactsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		facts := make([]types.Fact, 0, len(req.Facts))
		for _, s := range req.Facts {
			f, err := mangle.ParseFact(s)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fact": s})
				return
			}
			facts = append(facts, f)
		}
		var b store.Batch
		if req.Op == "retract" {
			b.Retract(core.SourceAPI, facts...)
		} else {
			b.Assert(core.SourceAPI, facts...)
		}
		for _, m := range b {
			if err := cx.Kernel.Admit(m); err != nil {
				c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "fact": m.Fact.String()})
				return
			}
		}
		cx.Kernel.Queue().Push(b...)
		logging.APIDebug("Queued %s of %d facts", req.Op, len(facts))
		c.JSON(http.StatusAccepted, gin.H{"queued": len(facts)})
	}
}

// PostIntent queues a user_intent.
func PostIntent(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IntentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.ID == "" {
			req.ID = "intent_" + uuid.NewString()[:8]
		}
		id := types.Name(req.ID)
		cx.Kernel.Queue().Assert(core.SourceAPI, types.NewFact("user_intent",
			id, types.Name(req.Category), types.Name(req.Verb), types.String(req.Target), types.String(req.Query)))
		logging.API("Intent %s queued: %s %s", id, req.Verb, req.Target)
		c.JSON(http.StatusAccepted, gin.H{"id": id.String()})
	}
}

// PostAppeal files an appeal against a denied action type.
func PostAppeal(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AppealRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a, err := cx.Appeals.Submit(types.Name(req.ActionID), types.Name(req.ActionType), req.Justification)
		if err != nil {
			appealError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toAppeal(a))
	}
}

// GrantAppeal approves a pending appeal, temporarily when a ttl is given.
func GrantAppeal(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GrantRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		var ttl time.Duration
		if req.TTL != "" {
			d, err := time.ParseDuration(req.TTL)
			if err != nil || d < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "ttl must be a non-negative duration"})
				return
			}
			ttl = d
		}
		a, err := cx.Appeals.Grant(c.Param("id"), ttl)
		if err != nil {
			appealError(c, err)
			return
		}
		c.JSON(http.StatusOK, toAppeal(a))
	}
}

// DenyAppeal rejects a pending appeal.
func DenyAppeal(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DenyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a, err := cx.Appeals.Deny(c.Param("id"), req.Reason)
		if err != nil {
			appealError(c, err)
			return
		}
		c.JSON(http.StatusOK, toAppeal(a))
	}
}

func appealError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, constitution.ErrAppealNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, constitution.ErrAppealDecided):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// CancelTask requests cancellation of a campaign task or an intent. The
// controller acts on it at the next cycle.
func CancelTask(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := types.Name(c.Param("id"))
		cx.Kernel.Queue().Assert(core.SourceAPI, types.NewFact("task_cancelled", id))
		logging.API("Cancellation requested for %s", id)
		c.JSON(http.StatusAccepted, gin.H{"id": id.String()})
	}
}

// ResolveTask marks an escalated task as resolved by the user. A blocked
// campaign task goes back to pending with a fresh verification budget.
func ResolveTask(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := types.Name(c.Param("id"))
		if err := cx.ResolveTask(id.String()); err != nil {
			campaignError(c, err)
			return
		}
		logging.API("Task %s resolved", id)
		c.JSON(http.StatusOK, gin.H{"id": id.String(), "status": "resolved"})
	}
}

// SkipPhase drops a phase that has not completed.
func SkipPhase(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := types.Name(c.Param("id"))
		if err := cx.Scheduler.SkipPhase(id.String()); err != nil {
			campaignError(c, err)
			return
		}
		logging.API("Phase %s skipped", id)
		c.JSON(http.StatusOK, gin.H{"id": id.String(), "status": string(campaign.PhaseSkipped)})
	}
}

// PauseCampaign stops dispatch for an active campaign.
func PauseCampaign(cx *system.Cortex) gin.HandlerFunc {
	return campaignTransition(cx.Scheduler.Pause, campaign.StatusPaused)
}

// ResumeCampaign restarts dispatch for a paused campaign.
func ResumeCampaign(cx *system.Cortex) gin.HandlerFunc {
	return campaignTransition(cx.Scheduler.Resume, campaign.StatusActive)
}

func campaignTransition(apply func(id string) error, to campaign.CampaignStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := types.Name(c.Param("id"))
		if err := apply(id.String()); err != nil {
			campaignError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id.String(), "status": string(to)})
	}
}

// ReplanCampaign records a replan trigger. Dispatch for the campaign waits
// until the replan is done.
func ReplanCampaign(cx *system.Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReplanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := types.Name(c.Param("id"))
		if err := cx.Scheduler.TriggerReplan(id.String(), req.Reason, req.Details); err != nil {
			campaignError(c, err)
			return
		}
		logging.API("Replan requested for %s: %s", id, req.Reason)
		c.JSON(http.StatusAccepted, gin.H{"id": id.String(), "reason": types.Name(req.Reason).String()})
	}
}

func campaignError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, campaign.ErrUnknownCampaign), errors.Is(err, campaign.ErrUnknownPhase),
		errors.Is(err, campaign.ErrUnknownTask):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, campaign.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
