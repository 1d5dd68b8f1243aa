package system

import (
	"errors"

	"nerdkernel/internal/campaign"
)

// ResolveTask records a human resolution of an escalated task. A blocked
// campaign task returns to pending and its verification budget starts
// over. Tasks outside any campaign only get the budget reset.
func (c *Cortex) ResolveTask(taskID string) error {
	err := c.Scheduler.Unblock(taskID)
	if err != nil && !errors.Is(err, campaign.ErrUnknownTask) {
		return err
	}
	c.Tracker.Resolve(taskID)
	return nil
}
