package system

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nerdkernel/internal/campaign"
	"nerdkernel/internal/config"
	"nerdkernel/internal/constitution"
	"nerdkernel/internal/shards"
	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
	"nerdkernel/internal/verification"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock { return &stepClock{now: time.UnixMilli(1_700_000_000_000)} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedShard returns its reports in order, repeating the last one.
type scriptedShard struct {
	mu     sync.Mutex
	seen   []shards.Assignment
	script []shards.Report
}

func (s *scriptedShard) Execute(ctx context.Context, a shards.Assignment) (shards.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, a)
	return s.script[min(len(s.seen), len(s.script))-1], nil
}

func (s *scriptedShard) assignments() []shards.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shards.Assignment(nil), s.seen...)
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Kernel.WatchRules = false
	cfg.Campaign.CampaignsDir = ""
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "learnings.db")
	return cfg
}

func boot(t *testing.T, clk *stepClock, s shards.Shard) *Cortex {
	t.Helper()
	cx, err := BootCortex(context.Background(), t.TempDir(), testConfig(t), WithClock(clk.Now), WithShard(s))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, cx.Close()) })
	return cx
}

func cycle(t *testing.T, cx *Cortex) *Result {
	t.Helper()
	res, err := cx.Controller.Cycle(context.Background())
	require.NoError(t, err)
	return res
}

func addCampaign(t *testing.T, cx *Cortex, tasks ...campaign.Task) {
	t.Helper()
	require.NoError(t, cx.Scheduler.Add(&campaign.Campaign{
		ID:     "c1",
		Title:  "auth hardening",
		Status: campaign.StatusActive,
		Phases: []campaign.Phase{{ID: "c1_p1", Name: "build", Tasks: tasks}},
	}))
}

func TestMutationIntentDelegatesToCoder(t *testing.T) {
	clk := newStepClock()
	sh := &scriptedShard{script: []shards.Report{{Success: true, Output: "func Login() error { return nil }"}}}
	cx := boot(t, clk, sh)

	intent := types.NewFact("user_intent", types.Name("/i1"), types.Name("/mutation"), types.Name("/fix"),
		types.String("auth.go"), types.String("q1"))
	cx.Kernel.Queue().Assert("user", intent)

	res := cycle(t, cx)
	assert.Equal(t, types.Name("/delegate_coder"), res.NextAction)
	assert.Empty(t, res.Clarify)
	assert.Equal(t, []string{"/i1"}, res.Dispatched)
	require.NoError(t, cx.Dispatcher.Wait())

	seen := sh.assignments()
	require.Len(t, seen, 1)
	assert.Equal(t, types.Name("/coder"), seen[0].Shard)
	assert.Equal(t, "/fix auth.go", seen[0].Description)

	res = cycle(t, cx)
	assert.Equal(t, 1, res.Reports)
	assert.Empty(t, res.Dispatched, "a handled intent is not delegated twice")
	assert.True(t, cx.Kernel.Store().Contains(types.NewFact("intent_handled", types.Name("/i1"))))
	last, ok := cx.Tracker.Last("/i1")
	require.True(t, ok)
	assert.True(t, last.Result.Passed())
}

func TestUnknownVerbAsksForClarification(t *testing.T) {
	clk := newStepClock()
	sh := &scriptedShard{script: []shards.Report{{Success: true}}}
	cx := boot(t, clk, sh)

	cx.Kernel.Queue().Assert("user", types.NewFact("user_intent", types.Name("/i2"), types.Name("/mutation"),
		types.Name("/juggle"), types.String("auth.go"), types.String("q2")))

	res := cycle(t, cx)
	assert.Equal(t, types.Name("/ask_clarification"), res.NextAction)
	assert.Equal(t, []types.Value{types.Name("/i2")}, res.Clarify)
	assert.Empty(t, res.Dispatched)
	assert.Empty(t, sh.assignments())
}

func TestDangerousActionWithoutOverrideIsDenied(t *testing.T) {
	cx := boot(t, newStepClock(), shards.EchoShard{})
	a1 := types.Name("/a1")
	cx.Kernel.Queue().Assert("user", types.NewFact("dangerous_action", a1))

	res := cycle(t, cx)
	require.Len(t, res.Verdicts, 1)
	assert.Equal(t, a1, res.Verdicts[0].Action)
	assert.True(t, res.Verdicts[0].Denied())
	assert.Equal(t, []string{"Dangerous Action"}, res.Verdicts[0].Reasons)
	assert.False(t, cx.Kernel.Decisions().FinalAction(a1))

	recent := cx.Gate.Reporter().Recent(10)
	require.Len(t, recent, 1)
}

func TestShardReportCannotApproveItsOwnAction(t *testing.T) {
	push := types.Name("/push1")
	sh := &scriptedShard{script: []shards.Report{{Success: true, Facts: []types.Fact{
		types.NewFact("candidate_action", push),
		types.NewFact("action_kind", push, types.Name("/git_push")),
		types.NewFact("permitted", push),
		types.NewFact("final_action", push),
	}}}}
	cx := boot(t, newStepClock(), sh)
	cx.Kernel.Queue().Assert("user", types.NewFact("user_intent", types.Name("/i1"), types.Name("/mutation"),
		types.Name("/fix"), types.String("auth.go"), types.String("q1")))

	cycle(t, cx)
	require.NoError(t, cx.Dispatcher.Wait())
	res := cycle(t, cx)
	require.Equal(t, 1, res.Reports)

	var verdict *constitution.Verdict
	for i := range res.Verdicts {
		if res.Verdicts[i].Action == push {
			verdict = &res.Verdicts[i]
		}
	}
	require.NotNil(t, verdict, "the proposed action reaches the gate")
	assert.True(t, verdict.Denied())
	assert.Equal(t, []string{"Dangerous Action"}, verdict.Reasons)
	assert.False(t, cx.Kernel.Decisions().FinalAction(push))
	assert.False(t, cx.Kernel.Store().Contains(types.NewFact("permitted", push)))
}

func TestCancelRequestSkipsRunningTask(t *testing.T) {
	clk := newStepClock()
	release := make(chan struct{})
	defer close(release)
	cx := boot(t, clk, shards.ShardFunc(func(ctx context.Context, a shards.Assignment) (shards.Report, error) {
		select {
		case <-release:
			return shards.Report{Success: true}, nil
		case <-ctx.Done():
			return shards.Report{}, ctx.Err()
		}
	}))
	addCampaign(t, cx, campaign.Task{ID: "t1", Description: "wire auth middleware", Type: campaign.TaskTypeFileModify})

	res := cycle(t, cx)
	require.Equal(t, []string{"/t1"}, res.Dispatched)
	assert.True(t, cx.Dispatcher.IsRunning("/t1"))

	cancelled := types.NewFact("task_cancelled", types.Name("/t1"))
	cx.Kernel.Queue().Assert("user", cancelled)
	res = cycle(t, cx)
	assert.Equal(t, []string{"/t1"}, res.Cancelled)
	require.NoError(t, cx.Dispatcher.Wait())

	task, ok := cx.Scheduler.Task("/t1")
	require.True(t, ok)
	assert.Equal(t, campaign.TaskSkipped, task.Status)

	res = cycle(t, cx)
	assert.Empty(t, res.Cancelled)
	assert.False(t, cx.Kernel.Store().Contains(cancelled), "the cancel request is retracted")
	task, _ = cx.Scheduler.Task("/t1")
	assert.Equal(t, campaign.TaskSkipped, task.Status, "the late cancelled report does not move the task")
}

func TestFailedVerificationRetriesWithCorrectiveAction(t *testing.T) {
	clk := newStepClock()
	sh := &scriptedShard{script: []shards.Report{
		{Success: true, Output: "client.FetchAll()", Violations: []verification.QualityViolation{verification.HallucinatedAPI}},
		{Success: true, Output: "func Add(a, b int) int { return a + b }"},
	}}
	cx := boot(t, clk, sh)
	addCampaign(t, cx, campaign.Task{ID: "t1", Description: "wire auth middleware", Type: campaign.TaskTypeFileModify})

	res := cycle(t, cx)
	require.Equal(t, []string{"/t1"}, res.Dispatched)
	require.NoError(t, cx.Dispatcher.Wait())

	res = cycle(t, cx)
	assert.Empty(t, res.Dispatched, "the failed task waits out its backoff")
	task, _ := cx.Scheduler.Task("/t1")
	assert.Equal(t, campaign.TaskPending, task.Status)

	clk.Advance(10 * time.Minute)
	res = cycle(t, cx)
	require.Equal(t, []string{"/t1"}, res.Dispatched)
	require.NoError(t, cx.Dispatcher.Wait())

	seen := sh.assignments()
	require.Len(t, seen, 2)
	retry := seen[1]
	assert.Equal(t, types.Name("/researcher"), retry.Shard)
	require.NotNil(t, retry.Corrective)
	assert.Equal(t, verification.CorrectiveDocs, retry.Corrective.Type)
	assert.Equal(t, 2, retry.Attempt)
	assert.True(t, strings.Contains(retry.Description, "## Previous Attempt Failed"))

	cycle(t, cx)
	task, _ = cx.Scheduler.Task("/t1")
	assert.Equal(t, campaign.TaskCompleted, task.Status)

	learnings, err := cx.Learned.Learnings(context.Background())
	require.NoError(t, err)
	require.Len(t, learnings, 1)
	assert.Equal(t, "/coder", learnings[0].Shard)
	assert.Equal(t, store.PredLearnedConstraint, learnings[0].Predicate)
	assert.Equal(t, "avoid hallucinated_api", learnings[0].Text)
}

func TestThirdVerificationFailureBlocksAndEscalates(t *testing.T) {
	clk := newStepClock()
	sh := &scriptedShard{script: []shards.Report{
		{Success: true, Output: "mock", Violations: []verification.QualityViolation{verification.MockCode}},
	}}
	cx := boot(t, clk, sh)
	addCampaign(t, cx, campaign.Task{ID: "t1", Description: "wire auth middleware", Type: campaign.TaskTypeFileModify})

	var res *Result
	for attempt := 1; attempt <= 3; attempt++ {
		res = cycle(t, cx)
		require.Equal(t, []string{"/t1"}, res.Dispatched, "attempt %d", attempt)
		require.NoError(t, cx.Dispatcher.Wait())
		res = cycle(t, cx)
		clk.Advance(10 * time.Minute)
	}
	assert.Equal(t, []string{"/t1"}, res.Blocked)
	task, _ := cx.Scheduler.Task("/t1")
	assert.Equal(t, campaign.TaskBlocked, task.Status)

	res = cycle(t, cx)
	assert.Empty(t, res.Dispatched)
	assert.Equal(t, types.Name("/escalate_to_user"), res.NextAction)
	assert.Contains(t, res.Escalations,
		types.NewFact("escalate_to_human", types.Name("/t1"), types.String("verification_exhausted")))
	assert.Len(t, sh.assignments(), 3)
}

func TestResolvedTaskStartsOverWithFreshBudget(t *testing.T) {
	clk := newStepClock()
	sh := &scriptedShard{script: []shards.Report{
		{Success: true, Output: "mock", Violations: []verification.QualityViolation{verification.MockCode}},
	}}
	cx := boot(t, clk, sh)
	addCampaign(t, cx, campaign.Task{ID: "t1", Description: "wire auth middleware", Type: campaign.TaskTypeFileModify})

	for attempt := 1; attempt <= 3; attempt++ {
		cycle(t, cx)
		require.NoError(t, cx.Dispatcher.Wait())
		cycle(t, cx)
		clk.Advance(10 * time.Minute)
	}
	task, _ := cx.Scheduler.Task("/t1")
	require.Equal(t, campaign.TaskBlocked, task.Status)

	require.NoError(t, cx.ResolveTask("t1"))
	task, _ = cx.Scheduler.Task("/t1")
	assert.Equal(t, campaign.TaskPending, task.Status)
	assert.Empty(t, cx.Tracker.Attempts("/t1"))

	res := cycle(t, cx)
	assert.Equal(t, []string{"/t1"}, res.Dispatched)
	assert.NotContains(t, res.Escalations,
		types.NewFact("escalate_to_human", types.Name("/t1"), types.String("verification_exhausted")))
	require.NoError(t, cx.Dispatcher.Wait())
	seen := sh.assignments()
	require.Len(t, seen, 4)
	assert.Equal(t, 1, seen[3].Attempt)

	err := cx.ResolveTask("t1")
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition, "only a blocked task can be resolved")
	require.NoError(t, cx.ResolveTask("intent_7"), "tasks outside campaigns only reset their budget")
}

func TestCurrentTimeIsMonotonic(t *testing.T) {
	clk := newStepClock()
	cx := boot(t, clk, shards.EchoShard{})

	first := cycle(t, cx)
	clk.Advance(-time.Hour)
	second := cycle(t, cx)
	assert.Equal(t, first.Now, second.Now)
	assert.True(t, cx.Kernel.Store().Contains(types.NewFact("current_time", types.Int(first.Now.UnixMilli()))))
}

func TestRunLoopReactsToQueuedIntent(t *testing.T) {
	clk := newStepClock()
	cx := boot(t, clk, shards.EchoShard{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cx.Controller.Run(ctx) }()

	cx.Kernel.Queue().Assert("user", types.NewFact("user_intent", types.Name("/i1"), types.Name("/mutation"),
		types.Name("/fix"), types.String("auth.go"), types.String("q1")))
	handled := types.NewFact("intent_handled", types.Name("/i1"))
	require.Eventually(t, func() bool { return cx.Kernel.Store().Contains(handled) }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NotNil(t, cx.Controller.Last())
}
