package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nerdkernel/internal/logging"
)

// Fail records a failed attempt of an in_progress task. Below the retry
// limit the task returns to pending with a backoff window; at the limit it
// becomes failed. The new status is returned.
func (s *Scheduler) Fail(taskID string, cause error) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, _, t, err := s.findTaskLocked(taskID)
	if err != nil {
		return "", err
	}
	if t.Status != TaskInProgress {
		return t.Status, fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, TaskFailed)
	}

	errorType := classifyTaskError(cause)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := s.now()
	attempt := len(t.Attempts) + 1
	t.Attempts = append(t.Attempts, TaskAttempt{
		Number:    attempt,
		Outcome:   "/failure",
		ErrorType: errorType,
		Timestamp: now,
		Error:     msg,
	})
	t.LastError = msg
	t.StartedAt = time.Time{}
	c.ConsecutiveFailures++

	failures := failedAttempts(t)
	if failures >= s.maxRetries {
		logging.Get(logging.CategoryCampaign).Error("Task %s exceeded max retries (%d), marking as failed", t.ID, s.maxRetries)
		t.Status = TaskFailed
		t.NextRetryAt = time.Time{}
	} else {
		backoff := s.retryBackoff(errorType, failures)
		t.Status = TaskPending
		t.NextRetryAt = now.Add(backoff)
		logging.CampaignWarn("Task %s attempt %d failed (%s), retry in %v: %s", t.ID, attempt, errorType, backoff, msg)
	}
	logging.AuditAs("campaign").CampaignEvent(logging.AuditCampaignTask, t.ID, false, errorType+": "+msg)
	return t.Status, s.touchLocked(c)
}

func failedAttempts(t *Task) int {
	n := 0
	for _, a := range t.Attempts {
		if a.Outcome == "/failure" {
			n++
		}
	}
	return n
}

// classifyTaskError buckets errors into retry classes. Deadlines and
// messages hinting at I/O or rate limits are transient.
func classifyTaskError(err error) string {
	if err == nil {
		return ErrorLogic
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	msg := strings.ToLower(err.Error())
	transientHints := []string{
		"timeout",
		"context deadline",
		"rate limit",
		"too many requests",
		"temporar",
		"connection",
		"unavailable",
		"network",
		"i/o",
	}
	for _, h := range transientHints {
		if strings.Contains(msg, h) {
			return ErrorTransient
		}
	}
	return ErrorLogic
}

// retryBackoff is exponential in the failure count. Logic errors are
// capped at 30s so a replan is reached sooner.
func (s *Scheduler) retryBackoff(errorType string, failures int) time.Duration {
	shift := failures - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	backoff := s.backoffBase * time.Duration(1<<shift)
	if errorType == ErrorLogic && backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	if backoff > s.backoffMax {
		backoff = s.backoffMax
	}
	return backoff
}
