// Package system provides the core initialization and factory logic for the Cortex.
// It acts as the "Motherboard" that wires the policy kernel, the gate, the
// campaign scheduler, the verification loop and the shard dispatcher
// together, and drives them through the perception cycle.
package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"nerdkernel/internal/campaign"
	"nerdkernel/internal/config"
	"nerdkernel/internal/constitution"
	nctx "nerdkernel/internal/context"
	"nerdkernel/internal/core"
	"nerdkernel/internal/logging"
	"nerdkernel/internal/shards"
	"nerdkernel/internal/store"
	"nerdkernel/internal/verification"
)

// denialHistory bounds the reporter's record of recent denials.
const denialHistory = 200

// Cortex represents a fully initialized system instance.
type Cortex struct {
	Config      *config.Config
	Workspace   string
	Kernel      *core.Kernel
	Propagator  *nctx.Propagator
	Gate        *constitution.Gate
	Appeals     *constitution.AppealBook
	Scheduler   *campaign.Scheduler
	Checkpoints *campaign.CheckpointRunner
	Tracker     *verification.Tracker
	Registry    *shards.Registry
	Dispatcher  *shards.Dispatcher
	Learned     *store.LearnedStore // nil when disabled or unavailable
	Watcher     *core.RuleWatcher   // nil unless kernel.watch_rules
	Controller  *Controller
}

// BootOption adjusts how a Cortex is wired.
type BootOption func(*bootOptions)

type bootOptions struct {
	clock     Clock
	shard     shards.Shard
	noLearned bool
	noWatch   bool
	verifiers map[campaign.VerificationMethod]campaign.CheckpointVerifier
	replanner campaign.Replanner
}

// WithClock injects the clock behind current_time, appeals and backoff.
func WithClock(c Clock) BootOption { return func(o *bootOptions) { o.clock = c } }

// WithShard sets the executor behind every default shard profile.
func WithShard(s shards.Shard) BootOption { return func(o *bootOptions) { o.shard = s } }

// WithoutLearnedStore skips the SQLite learnings store.
func WithoutLearnedStore() BootOption { return func(o *bootOptions) { o.noLearned = true } }

// WithoutRuleWatcher disables hot reload regardless of config.
func WithoutRuleWatcher() BootOption { return func(o *bootOptions) { o.noWatch = true } }

// WithCheckpointVerifier registers the verifier for a checkpoint method.
func WithCheckpointVerifier(m campaign.VerificationMethod, v campaign.CheckpointVerifier) BootOption {
	return func(o *bootOptions) {
		if o.verifiers == nil {
			o.verifiers = make(map[campaign.VerificationMethod]campaign.CheckpointVerifier)
		}
		o.verifiers[m] = v
	}
}

// WithReplanner sets the campaign replanning strategy.
func WithReplanner(r campaign.Replanner) BootOption { return func(o *bootOptions) { o.replanner = r } }

// BootCortex initializes the entire system stack for a given workspace.
// This ensures consistent wiring across the CLI and the API server. A nil
// cfg loads .nerd/config.yaml from the workspace.
func BootCortex(ctx context.Context, workspace string, cfg *config.Config, opts ...BootOption) (*Cortex, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "BootCortex")
	defer timer.Stop()

	o := bootOptions{clock: time.Now, shard: shards.EchoShard{}}
	for _, opt := range opts {
		opt(&o)
	}

	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	if cfg == nil {
		loaded, err := config.Load(config.DefaultConfigPath(workspace))
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 1. Policy and kernel
	policyDir := resolve(workspace, cfg.Kernel.PolicyDir)
	learnedDir := resolve(workspace, cfg.Kernel.LearnedDir)
	prog, err := core.LoadPolicy(policyDir, learnedDir)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	kernel, err := core.NewKernel(prog,
		core.WithMaxDerivedFacts(cfg.Kernel.MaxDerivedFacts),
		core.WithExplain(cfg.Kernel.Explain))
	if err != nil {
		return nil, err
	}
	// Facts published by the kernel's own components. Shard reports and the
	// API may not write them.
	kernel.Reserve(constitution.AppealPredicates...)
	kernel.Reserve(campaign.CampaignPredicates...)
	kernel.Reserve(verification.Predicates...)
	kernel.Reserve(shards.Predicates...)
	kernel.Reserve(store.LearnedPredicates...)
	kernel.Reserve(nctx.PredFactRef, nctx.PredFactMentions, nctx.PredNewFact)

	cx := &Cortex{
		Config:     cfg,
		Workspace:  workspace,
		Kernel:     kernel,
		Propagator: nctx.NewPropagator(cfg.Activation),
		Gate:       constitution.NewGate(constitution.NewReporter(denialHistory, o.clock)),
		Appeals:    constitution.NewAppealBook(o.clock),
		Tracker:    verification.NewTracker(cfg.Verification.MaxAttempts),
		Registry:   shards.NewRegistry(),
	}

	// 2. Campaigns
	schedOpts := []campaign.Option{campaign.WithClock(o.clock), campaign.WithReplanner(o.replanner)}
	if dir := resolve(workspace, cfg.Campaign.CampaignsDir); dir != "" {
		schedOpts = append(schedOpts, campaign.WithStore(campaign.NewStore(dir)))
	}
	cx.Scheduler = campaign.NewScheduler(cfg.Campaign, cfg.GetRetryBackoff(), schedOpts...)
	if err := cx.Scheduler.LoadAll(); err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}
	cx.Checkpoints = campaign.NewCheckpointRunner(workspace)
	for m, v := range o.verifiers {
		cx.Checkpoints.Register(m, v)
	}

	// 3. Shards
	shards.RegisterAll(cx.Registry, o.shard)
	dcfg := shards.DispatcherConfigFrom(cfg)
	dcfg.Now = o.clock
	cx.Dispatcher = shards.NewDispatcher(cx.Registry, dcfg)

	// 4. Learnings (non-fatal)
	if !o.noLearned && cfg.Store.Path != "" {
		path := cfg.Store.Path
		if path != ":memory:" {
			path = resolve(workspace, path)
		}
		if ls, err := store.OpenLearnedStore(cfg.Store.Driver, path); err == nil {
			cx.Learned = ls
		} else {
			logging.Get(logging.CategoryBoot).Warn("Learnings store unavailable, continuing without: %v", err)
		}
	}

	// 5. Cycle controller
	cx.Controller, err = NewController(Components{
		Kernel:      cx.Kernel,
		Propagator:  cx.Propagator,
		Gate:        cx.Gate,
		Appeals:     cx.Appeals,
		Scheduler:   cx.Scheduler,
		Checkpoints: cx.Checkpoints,
		Tracker:     cx.Tracker,
		Dispatcher:  cx.Dispatcher,
		Learned:     cx.Learned,
	}, cfg, o.clock)
	if err != nil {
		_ = cx.Close()
		return nil, err
	}

	// 6. Rule hot reload (non-fatal)
	if cfg.Kernel.WatchRules && !o.noWatch && (policyDir != "" || learnedDir != "") {
		w, err := core.NewRuleWatcher(cx.Kernel, policyDir, learnedDir)
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("Rule watcher disabled: %v", err)
		} else {
			cx.Watcher = w
		}
	}

	logging.Boot("Cortex ready: %d rules, %d strata, shards=%v", len(prog.Rules), len(prog.Strata()), cx.Registry.Names())
	return cx, nil
}

// resolve anchors a configured path at the workspace.
func resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}
