package campaign

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Replanner revises a campaign after replan_needed pauses it. It edits the
// copy it is given; the scheduler validates and installs the result.
type Replanner interface {
	Replan(ctx context.Context, c *Campaign, reasons []string) (summary string, err error)
}

// ReplanFunc adapts a function to Replanner.
type ReplanFunc func(ctx context.Context, c *Campaign, reasons []string) (string, error)

func (f ReplanFunc) Replan(ctx context.Context, c *Campaign, reasons []string) (string, error) {
	return f(ctx, c, reasons)
}

// RetryFailedTasks is the default replanner. Failed tasks get a fresh
// attempt budget; blocked phases lose their failed checkpoints so the
// verification runs again.
type RetryFailedTasks struct{}

func (RetryFailedTasks) Replan(ctx context.Context, c *Campaign, reasons []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var retried, reverified []string
	for pi := range c.Phases {
		p := &c.Phases[pi]
		for ti := range p.Tasks {
			t := &p.Tasks[ti]
			if t.Status != TaskFailed {
				continue
			}
			t.Status = TaskPending
			t.Attempts = nil
			t.LastError = ""
			t.NextRetryAt = time.Time{}
			retried = append(retried, t.ID)
		}
		kept := p.Checkpoints[:0]
		dropped := false
		for _, cp := range p.Checkpoints {
			if cp.Passed {
				kept = append(kept, cp)
			} else {
				dropped = true
			}
		}
		p.Checkpoints = kept
		if dropped {
			reverified = append(reverified, p.ID)
		}
	}
	return describeReplan(reasons, retried, reverified), nil
}

func describeReplan(reasons, retried, reverified []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "replan (%s)", strings.Join(reasons, ", "))
	if len(retried) > 0 {
		fmt.Fprintf(&sb, ": retry %s", strings.Join(retried, " "))
	}
	if len(reverified) > 0 {
		fmt.Fprintf(&sb, "; reverify %s", strings.Join(reverified, " "))
	}
	return sb.String()
}
