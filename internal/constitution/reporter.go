package constitution

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nerdkernel/internal/types"
)

// Denial reasons derived by constitution.mg.
const (
	ReasonDangerous      = "Dangerous Action"
	ReasonNotAllowlisted = "Not Allowlisted"
	ReasonTaskEscalated  = "Task Escalated"
)

// DenialRecord is a blocked action with an explanation for the operator.
type DenialRecord struct {
	ID          string
	Timestamp   time.Time
	Action      types.Value
	Kind        types.Value
	Reasons     []string
	Summary     string
	Explanation string
	Remediation []string
}

// Reporter keeps a bounded history of denials and explains them.
type Reporter struct {
	mu         sync.Mutex
	records    []DenialRecord
	maxHistory int
	now        func() time.Time
}

// NewReporter creates a reporter keeping the last maxHistory denials.
func NewReporter(maxHistory int, now func() time.Time) *Reporter {
	if maxHistory <= 0 {
		maxHistory = 50
	}
	if now == nil {
		now = time.Now
	}
	return &Reporter{maxHistory: maxHistory, now: now}
}

// Record stores a denied verdict. An action denied again with the same
// reasons replaces its previous record instead of growing the history.
func (r *Reporter) Record(v Verdict) DenialRecord {
	rec := explain(v)
	rec.ID = uuid.NewString()
	rec.Timestamp = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.records {
		if r.records[i].Action == v.Action && sameReasons(r.records[i].Reasons, v.Reasons) {
			r.records = append(r.records[:i], r.records[i+1:]...)
			break
		}
	}
	r.records = append(r.records, rec)
	if len(r.records) > r.maxHistory {
		r.records = r.records[1:]
	}
	return rec
}

func sameReasons(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// explain classifies a denial by its first reason.
func explain(v Verdict) DenialRecord {
	rec := DenialRecord{Action: v.Action, Kind: v.Kind, Reasons: append([]string(nil), v.Reasons...)}
	kind := "unknown"
	if v.Kind.IsValid() {
		kind = v.Kind.String()
	}
	reason := ""
	if len(v.Reasons) > 0 {
		reason = v.Reasons[0]
	}
	switch reason {
	case ReasonDangerous:
		rec.Summary = "Dangerous action blocked"
		rec.Explanation = fmt.Sprintf("Actions of kind %s need an admin override with a signed approval.", kind)
		rec.Remediation = []string{
			"Attach admin_override and signed_approval for this action",
			fmt.Sprintf("Or appeal for a temporary override of %s", kind),
		}
	case ReasonNotAllowlisted:
		rec.Summary = "Action not on the allow-list"
		rec.Explanation = fmt.Sprintf("Kind %s is neither safe nor known dangerous.", kind)
		rec.Remediation = []string{
			"Appeal for an override of this action kind",
			"Add the kind to safe_kind in an operator policy file",
		}
	case ReasonTaskEscalated:
		rec.Summary = "Task escalated to a human"
		rec.Explanation = "The action belongs to a task whose verification attempts are exhausted."
		rec.Remediation = []string{"Resolve the escalated task, then retry"}
	default:
		rec.Summary = "Action not permitted"
		rec.Explanation = fmt.Sprintf("The action %s was blocked by the constitutional gate.", v.Action)
		rec.Remediation = []string{"Use `nerd why` on the permission_denied fact"}
	}
	return rec
}

// Recent returns up to limit of the most recent denials, oldest first.
func (r *Reporter) Recent(limit int) []DenialRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]DenialRecord, limit)
	copy(out, r.records[len(r.records)-limit:])
	return out
}

// Get returns a denial by id.
func (r *Reporter) Get(id string) (DenialRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			return rec, true
		}
	}
	return DenialRecord{}, false
}

// Format renders a denial as markdown.
func Format(rec DenialRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## [SAFETY] %s\n\n", rec.Summary)
	fmt.Fprintf(&sb, "**Action**: `%s`\n", rec.Action)
	if rec.Kind.IsValid() {
		fmt.Fprintf(&sb, "**Kind**: `%s`\n", rec.Kind)
	}
	fmt.Fprintf(&sb, "**Reasons**: %s\n\n", strings.Join(rec.Reasons, ", "))

	sb.WriteString("### Why was this blocked?\n\n")
	sb.WriteString(rec.Explanation)
	sb.WriteString("\n\n")

	if len(rec.Remediation) > 0 {
		sb.WriteString("### How to proceed\n\n")
		for _, step := range rec.Remediation {
			fmt.Fprintf(&sb, "- %s\n", step)
		}
	}
	return sb.String()
}
