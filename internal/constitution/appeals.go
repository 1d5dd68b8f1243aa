package constitution

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nerdkernel/internal/logging"
	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
)

var (
	ErrAppealNotFound     = errors.New("appeal not found")
	ErrAppealDecided      = errors.New("appeal already decided")
	ErrEmptyJustification = errors.New("appeal needs a justification")
)

// AppealStatus is the lifecycle state of an appeal.
type AppealStatus string

const (
	AppealPending AppealStatus = "pending"
	AppealGranted AppealStatus = "granted"
	AppealDenied  AppealStatus = "denied"
)

// Appeal asks for an override of a denied action type.
type Appeal struct {
	ID            string       `json:"id"`
	ActionID      types.Value  `json:"-"`
	ActionType    types.Value  `json:"-"`
	Justification string       `json:"justification"`
	Status        AppealStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	SubmittedAt   time.Time    `json:"submitted_at"`
	DecidedAt     time.Time    `json:"decided_at,omitempty"`
	// ExpiresAt is zero for a permanent grant.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Permanent reports whether a granted appeal never expires.
func (a Appeal) Permanent() bool { return a.Status == AppealGranted && a.ExpiresAt.IsZero() }

// Predicates emitted by AppealBook.Facts.
var AppealPredicates = []string{
	"appeal_pending",
	"appeal_granted",
	"appeal_denied",
	"temporary_override",
	"permanent_override",
}

// AppealBook holds every appeal of a session. Safe for concurrent use.
type AppealBook struct {
	mu      sync.Mutex
	appeals map[string]*Appeal
	order   []string
	now     func() time.Time
}

// NewAppealBook creates an empty book. now defaults to time.Now.
func NewAppealBook(now func() time.Time) *AppealBook {
	if now == nil {
		now = time.Now
	}
	return &AppealBook{appeals: make(map[string]*Appeal), now: now}
}

// Submit files a pending appeal for actionType.
func (b *AppealBook) Submit(actionID, actionType types.Value, justification string) (Appeal, error) {
	if strings.TrimSpace(justification) == "" {
		return Appeal{}, ErrEmptyJustification
	}
	a := &Appeal{
		ID:            uuid.NewString(),
		ActionID:      actionID,
		ActionType:    actionType,
		Justification: justification,
		Status:        AppealPending,
		SubmittedAt:   b.now(),
	}
	b.mu.Lock()
	b.appeals[a.ID] = a
	b.order = append(b.order, a.ID)
	b.mu.Unlock()

	logging.AuditAs("appeals").Log(logging.AuditEvent{
		EventType: logging.AuditAppealSubmit, Target: actionType.String(), Success: true, Detail: justification,
	})
	logging.Constitution("Appeal %s submitted for %s (%s)", a.ID, actionType, actionID)
	return *a, nil
}

// Grant approves a pending appeal. ttl 0 grants a permanent override.
func (b *AppealBook) Grant(id string, ttl time.Duration) (Appeal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.pendingLocked(id)
	if err != nil {
		return Appeal{}, err
	}
	a.Status = AppealGranted
	a.DecidedAt = b.now()
	if ttl > 0 {
		a.ExpiresAt = a.DecidedAt.Add(ttl)
	}
	logging.AuditAs("appeals").Log(logging.AuditEvent{
		EventType: logging.AuditAppealGrant, Target: a.ActionType.String(), Success: true, Detail: ttl.String(),
	})
	logging.Constitution("Appeal %s granted for %s (ttl %v)", id, a.ActionType, ttl)
	return *a, nil
}

// Deny rejects a pending appeal.
func (b *AppealBook) Deny(id, reason string) (Appeal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, err := b.pendingLocked(id)
	if err != nil {
		return Appeal{}, err
	}
	a.Status = AppealDenied
	a.Reason = reason
	a.DecidedAt = b.now()
	logging.AuditAs("appeals").Log(logging.AuditEvent{
		EventType: logging.AuditAppealDeny, Target: a.ActionType.String(), Success: false, Detail: reason,
	})
	logging.Constitution("Appeal %s denied for %s: %s", id, a.ActionType, reason)
	return *a, nil
}

func (b *AppealBook) pendingLocked(id string) (*Appeal, error) {
	a, ok := b.appeals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAppealNotFound, id)
	}
	if a.Status != AppealPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAppealDecided, id, a.Status)
	}
	return a, nil
}

// Get returns an appeal by id.
func (b *AppealBook) Get(id string) (Appeal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.appeals[id]
	if !ok {
		return Appeal{}, false
	}
	return *a, true
}

// List returns every appeal in submission order.
func (b *AppealBook) List() []Appeal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Appeal, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.appeals[id])
	}
	return out
}

// Facts renders the book for the next cycle:
//
//	appeal_pending(Id, Action, Type)
//	appeal_granted(Id, Type)
//	appeal_denied(Id, Type, Reason)
//	temporary_override(Type, ExpiresMillis)
//	permanent_override(Type)
//
// Temporary overrides already expired at now are omitted.
func (b *AppealBook) Facts(now time.Time) []types.Fact {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Fact
	for _, id := range b.order {
		a := b.appeals[id]
		idv := types.String(a.ID)
		switch a.Status {
		case AppealPending:
			out = append(out, types.NewFact("appeal_pending", idv, a.ActionID, a.ActionType))
		case AppealDenied:
			out = append(out, types.NewFact("appeal_denied", idv, a.ActionType, types.String(a.Reason)))
		case AppealGranted:
			out = append(out, types.NewFact("appeal_granted", idv, a.ActionType))
			if a.ExpiresAt.IsZero() {
				out = append(out, types.NewFact("permanent_override", a.ActionType))
			} else if now.Before(a.ExpiresAt) {
				out = append(out, types.NewFact("temporary_override", a.ActionType, types.Int(a.ExpiresAt.UnixMilli())))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Predicate < out[j].Predicate })
	return out
}

// Batch replaces every appeal predicate with the book's current facts.
func (b *AppealBook) Batch(now time.Time) store.Batch {
	byPred := make(map[string][]types.Fact)
	for _, f := range b.Facts(now) {
		byPred[f.Predicate] = append(byPred[f.Predicate], f)
	}
	var batch store.Batch
	for _, pred := range AppealPredicates {
		batch.Replace("appeals", pred, byPred[pred]...)
	}
	return batch
}
