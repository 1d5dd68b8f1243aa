package shards

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nerdkernel/internal/types"
	"nerdkernel/internal/verification"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var coder = types.Name("/coder")

func newDispatcher(t *testing.T, s Shard, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	reg.Register(Profile{Name: coder, Timeout: time.Minute}, s)
	d := NewDispatcher(reg, cfg)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// blockingShard runs until released or cancelled.
func blockingShard(release <-chan struct{}) Shard {
	return ShardFunc(func(ctx context.Context, a Assignment) (Report, error) {
		select {
		case <-release:
			return Report{Success: true, Output: "done " + a.Description}, nil
		case <-ctx.Done():
			return Report{}, ctx.Err()
		}
	})
}

func TestDispatchRunsAndReports(t *testing.T) {
	d := newDispatcher(t, EchoShard{}, DispatcherConfig{MaxParallel: 2})

	id, err := d.Dispatch(Assignment{TaskID: "/t1", Shard: coder, Description: "fix auth.go"})
	require.NoError(t, err)
	require.NoError(t, d.Wait())

	reports := d.Buffer().Drain()
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, id, r.AssignmentID)
	assert.Equal(t, "/t1", r.TaskID)
	assert.Equal(t, coder, r.Shard)
	assert.True(t, r.Success)
	assert.Contains(t, r.Output, "fix auth.go")
	assert.Empty(t, d.Buffer().Drain(), "drain clears the buffer")
}

func TestDispatchUnknownShard(t *testing.T) {
	d := newDispatcher(t, EchoShard{}, DispatcherConfig{})
	_, err := d.Dispatch(Assignment{TaskID: "/t1", Shard: types.Name("/painter")})
	assert.ErrorIs(t, err, ErrUnknownShard)
}

func TestDispatchAtCapacityDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	d := newDispatcher(t, blockingShard(release), DispatcherConfig{MaxParallel: 1, SpawnBurst: 10})

	_, err := d.Dispatch(Assignment{TaskID: "/t1", Shard: coder})
	require.NoError(t, err)
	_, err = d.Dispatch(Assignment{TaskID: "/t1", Shard: coder})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	_, err = d.Dispatch(Assignment{TaskID: "/t2", Shard: coder})
	assert.ErrorIs(t, err, ErrAtCapacity)

	close(release)
	require.NoError(t, d.Wait())
	assert.Len(t, d.Buffer().Drain(), 1)
}

func TestDispatchRateLimited(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	d := newDispatcher(t, EchoShard{}, DispatcherConfig{
		MaxParallel: 4,
		SpawnRate:   0.001,
		SpawnBurst:  1,
		Now:         func() time.Time { return now },
	})

	_, err := d.Dispatch(Assignment{TaskID: "/t1", Shard: coder})
	require.NoError(t, err)
	_, err = d.Dispatch(Assignment{TaskID: "/t2", Shard: coder})
	assert.ErrorIs(t, err, ErrRateLimited)
	require.NoError(t, d.Wait())
}

func TestCancelStopsShard(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := newDispatcher(t, blockingShard(release), DispatcherConfig{})

	_, err := d.Dispatch(Assignment{TaskID: "/t1", Shard: coder})
	require.NoError(t, err)
	assert.True(t, d.IsRunning("/t1"))
	assert.True(t, d.Cancel("/t1"))
	assert.False(t, d.Cancel("/t9"))
	require.NoError(t, d.Wait())

	reports := d.Buffer().Drain()
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Cancelled)
	assert.False(t, reports[0].Success)
	assert.ErrorIs(t, reports[0].Err, context.Canceled)
	assert.False(t, d.IsRunning("/t1"))
}

func TestShardPanicBecomesFailedReport(t *testing.T) {
	d := newDispatcher(t, ShardFunc(func(context.Context, Assignment) (Report, error) {
		panic("boom")
	}), DispatcherConfig{})

	_, err := d.Dispatch(Assignment{TaskID: "/t1", Shard: coder})
	require.NoError(t, err)
	require.NoError(t, d.Wait())

	reports := d.Buffer().Drain()
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Success)
	assert.ErrorIs(t, reports[0].Err, ErrShardPanic)
}

func TestRunningShardsBecomeFacts(t *testing.T) {
	release := make(chan struct{})
	d := newDispatcher(t, blockingShard(release), DispatcherConfig{HeartbeatInterval: time.Millisecond})

	_, err := d.Dispatch(Assignment{TaskID: "/t1", Shard: coder})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, f := range d.Facts() {
			if f.Predicate == "shard_heartbeat" {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	running := 0
	for _, f := range d.Facts() {
		if f.Predicate == "shard_running" {
			running++
			assert.Equal(t, coder, f.Args[0])
		}
	}
	assert.Equal(t, 1, running)

	close(release)
	require.NoError(t, d.Wait())
	assert.Empty(t, d.Facts(), "finished shards leave no running or heartbeat facts")

	b := d.Batch()
	assert.Len(t, b, len(Predicates))
}

func TestCloseCancelsRunningShards(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reg := NewRegistry()
	reg.Register(Profile{Name: coder}, blockingShard(release))
	d := NewDispatcher(reg, DispatcherConfig{})

	_, err := d.Dispatch(Assignment{TaskID: "/t1", Shard: coder})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	reports := d.Buffer().Drain()
	require.Len(t, reports, 1)
	assert.True(t, errors.Is(reports[0].Err, context.Canceled))

	_, err = d.Dispatch(Assignment{TaskID: "/t2", Shard: coder})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestReportVerification(t *testing.T) {
	clean := Report{Success: true, Output: "func Add(a, b int) int { return a + b }"}
	assert.True(t, clean.Verification("implement add").Passed())

	heuristic := Report{Success: true, Output: "// TODO implement"}
	assert.Equal(t, []verification.QualityViolation{verification.PlaceholderCode},
		heuristic.Verification("implement add").QualityViolations)

	reported := Report{Success: true, Violations: []verification.QualityViolation{verification.FakeTests}}
	res := reported.Verification("write tests")
	assert.False(t, res.Passed())
	assert.Equal(t, []verification.QualityViolation{verification.FakeTests}, res.QualityViolations)

	errored := Report{Err: errors.New("exit 1")}
	assert.False(t, errored.Verification("build").Passed())
}
