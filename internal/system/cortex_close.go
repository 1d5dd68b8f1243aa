package system

import (
	"errors"
)

// Close releases resources held by a Cortex instance.
//
// This is especially important in tests on Windows, where open SQLite handles
// prevent TempDir cleanup.
func (c *Cortex) Close() error {
	if c == nil {
		return nil
	}

	var errs []error

	if c.Watcher != nil {
		c.Watcher.Stop()
		c.Watcher = nil
	}

	switch {
	case c.Controller != nil:
		if err := c.Controller.Close(); err != nil {
			errs = append(errs, err)
		}
	case c.Dispatcher != nil:
		if err := c.Dispatcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Learned != nil {
		if err := c.Learned.Close(); err != nil {
			errs = append(errs, err)
		}
		c.Learned = nil
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
