package core

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"nerdkernel/internal/logging"
	"nerdkernel/internal/mangle"
)

// RuleWatcher hot-reloads the operator and learned rule directories.
// A changed file is recompiled together with the rest of the rule set after
// the debounce window; a program that fails to compile is logged and the
// kernel keeps the previous one. New programs are installed at the next
// cycle boundary.
type RuleWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	kernel      *Kernel
	policyDir   string
	learnedDir  string
	debounce    map[string]time.Time
	debounceDur time.Duration
	onReload    func(*mangle.Program, error)
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	closeOnce   sync.Once

	stats RuleWatcherStats
}

// RuleWatcherStats tracks watcher activity.
type RuleWatcherStats struct {
	Events        int
	Reloads       int
	Rejected      int
	Errors        int
	LastEventPath string
	LastReload    time.Time
}

// NewRuleWatcher creates a watcher for the given rule directories.
func NewRuleWatcher(k *Kernel, policyDir, learnedDir string) (*RuleWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RuleWatcher{
		watcher:     w,
		kernel:      k,
		policyDir:   policyDir,
		learnedDir:  learnedDir,
		debounce:    make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// SetDebounce changes the settle window. Call before Start.
func (rw *RuleWatcher) SetDebounce(d time.Duration) { rw.debounceDur = d }

// OnReload registers a callback run after every reload attempt.
func (rw *RuleWatcher) OnReload(fn func(*mangle.Program, error)) {
	rw.mu.Lock()
	rw.onReload = fn
	rw.mu.Unlock()
}

// Start begins watching. It does not block.
func (rw *RuleWatcher) Start(ctx context.Context) error {
	rw.mu.Lock()
	if rw.running {
		rw.mu.Unlock()
		return nil
	}
	rw.running = true
	rw.mu.Unlock()

	for _, dir := range []string{rw.policyDir, rw.learnedDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logging.KernelWarn("RuleWatcher: failed to create %s: %v", dir, err)
		}
		if err := rw.watcher.Add(dir); err != nil {
			logging.KernelWarn("RuleWatcher: watch %s failed: %v", dir, err)
			continue
		}
		logging.Kernel("RuleWatcher: watching %s", dir)
	}

	go rw.run(ctx)
	return nil
}

// Stop ends the watch loop, waits for it and releases the watcher.
func (rw *RuleWatcher) Stop() {
	rw.mu.Lock()
	wasRunning := rw.running
	rw.running = false
	rw.mu.Unlock()

	if wasRunning {
		close(rw.stopCh)
		<-rw.doneCh
	}
	rw.closeOnce.Do(func() {
		if err := rw.watcher.Close(); err != nil {
			logging.KernelError("RuleWatcher: close: %v", err)
		}
	})
}

func (rw *RuleWatcher) run(ctx context.Context) {
	defer close(rw.doneCh)

	tick := time.NewTicker(rw.debounceDur / 5)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rw.stopCh:
			return
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			rw.handleEvent(ev)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			logging.KernelError("RuleWatcher error: %v", err)
			rw.mu.Lock()
			rw.stats.Errors++
			rw.mu.Unlock()
		case <-tick.C:
			rw.processSettled()
		}
	}
}

func (rw *RuleWatcher) handleEvent(ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, ".mg") {
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	logging.KernelDebug("RuleWatcher: %s %s", ev.Op, ev.Name)
	rw.mu.Lock()
	rw.stats.Events++
	rw.stats.LastEventPath = ev.Name
	rw.debounce[ev.Name] = time.Now()
	rw.mu.Unlock()
}

// processSettled reloads once for every batch of settled events.
func (rw *RuleWatcher) processSettled() {
	rw.mu.Lock()
	now := time.Now()
	settled := 0
	for p, at := range rw.debounce {
		if now.Sub(at) >= rw.debounceDur {
			delete(rw.debounce, p)
			settled++
		}
	}
	rw.mu.Unlock()
	if settled > 0 {
		rw.Reload()
	}
}

// Reload recompiles the rule set and schedules it on the kernel.
func (rw *RuleWatcher) Reload() (*mangle.Program, error) {
	prog, err := LoadPolicy(rw.policyDir, rw.learnedDir)

	rw.mu.Lock()
	rw.stats.LastReload = time.Now()
	if err != nil {
		rw.stats.Rejected++
	} else {
		rw.stats.Reloads++
	}
	cb := rw.onReload
	rw.mu.Unlock()

	if err != nil {
		var le *mangle.LoadError
		if errors.As(err, &le) {
			for _, d := range le.Diagnostics {
				logging.KernelWarn("RuleWatcher: %v", d)
			}
		}
		logging.KernelError("RuleWatcher: reload rejected, keeping previous program: %v", err)
	} else {
		rw.kernel.SetProgram(prog)
	}
	if cb != nil {
		cb(prog, err)
	}
	return prog, err
}

// Stats returns a copy of the counters.
func (rw *RuleWatcher) Stats() RuleWatcherStats {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.stats
}
