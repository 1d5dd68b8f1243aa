package api

import (
	"time"

	"nerdkernel/internal/constitution"
	nctx "nerdkernel/internal/context"
	"nerdkernel/internal/core"
	"nerdkernel/internal/types"
)

// FactsRequest asserts or retracts ground atoms written in rule syntax.
type FactsRequest struct {
	Op    string   `json:"op" binding:"required,oneof=assert retract"`
	Facts []string `json:"facts" binding:"required,min=1,dive,required"`
}

// IntentRequest files a user_intent. ID defaults to a generated name.
type IntentRequest struct {
	ID       string `json:"id"`
	Category string `json:"category" binding:"required"`
	Verb     string `json:"verb" binding:"required"`
	Target   string `json:"target"`
	Query    string `json:"query"`
}

// AppealRequest asks for an override of a denied action.
type AppealRequest struct {
	ActionID      string `json:"action_id" binding:"required"`
	ActionType    string `json:"action_type" binding:"required"`
	Justification string `json:"justification" binding:"required"`
}

// GrantRequest decides an appeal. An empty TTL grants a permanent override.
type GrantRequest struct {
	TTL string `json:"ttl"`
}

// DenyRequest rejects an appeal.
type DenyRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ReplanRequest asks for a campaign to be replanned.
type ReplanRequest struct {
	Reason  string `json:"reason" binding:"required"`
	Details string `json:"details"`
}

type delegationResponse struct {
	ShardType   string `json:"shard_type"`
	Description string `json:"description"`
}

type denialResponse struct {
	Action  string   `json:"action"`
	Reasons []string `json:"reasons"`
}

type denialRecordResponse struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Kind        string    `json:"kind"`
	Reasons     []string  `json:"reasons"`
	Summary     string    `json:"summary"`
	Remediation []string  `json:"remediation,omitempty"`
}

type contextEntryResponse struct {
	ID       string `json:"id"`
	Fact     string `json:"fact"`
	Score    int64  `json:"score"`
	Priority int64  `json:"priority"`
	High     bool   `json:"high"`
}

type contextResponse struct {
	Shard    string                 `json:"shard"`
	Entries  []contextEntryResponse `json:"entries"`
	Tokens   int                    `json:"tokens"`
	Dropped  int                    `json:"dropped"`
	Rendered string                 `json:"rendered"`
}

type appealResponse struct {
	ID            string    `json:"id"`
	ActionID      string    `json:"action_id"`
	ActionType    string    `json:"action_type"`
	Justification string    `json:"justification"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

func toDenials(ds []core.Denial) []denialResponse {
	out := make([]denialResponse, 0, len(ds))
	for _, d := range ds {
		out = append(out, denialResponse{Action: d.Action.String(), Reasons: d.Reasons})
	}
	return out
}

func toDenialRecords(rs []constitution.DenialRecord) []denialRecordResponse {
	out := make([]denialRecordResponse, 0, len(rs))
	for _, r := range rs {
		out = append(out, denialRecordResponse{
			ID:          r.ID,
			Timestamp:   r.Timestamp,
			Action:      r.Action.String(),
			Kind:        r.Kind.String(),
			Reasons:     r.Reasons,
			Summary:     r.Summary,
			Remediation: r.Remediation,
		})
	}
	return out
}

func toContext(p *nctx.Propagator, sel nctx.Selection) contextResponse {
	resp := contextResponse{
		Shard:    sel.Shard.String(),
		Entries:  make([]contextEntryResponse, 0, len(sel.Entries)),
		Tokens:   sel.Tokens,
		Dropped:  sel.Dropped,
		Rendered: p.Render(sel),
	}
	for _, e := range sel.Entries {
		resp.Entries = append(resp.Entries, contextEntryResponse{
			ID:       e.ID,
			Fact:     e.Fact.String(),
			Score:    int64(e.Score),
			Priority: e.Priority,
			High:     e.High,
		})
	}
	return resp
}

func toAppeal(a constitution.Appeal) appealResponse {
	return appealResponse{
		ID:            a.ID,
		ActionID:      a.ActionID.String(),
		ActionType:    a.ActionType.String(),
		Justification: a.Justification,
		Status:        string(a.Status),
		Reason:        a.Reason,
		ExpiresAt:     a.ExpiresAt,
	}
}

func valueStrings(vs []types.Value) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.String())
	}
	return out
}
