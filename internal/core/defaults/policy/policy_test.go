package policy_test

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nerdkernel/internal/core"
	"nerdkernel/internal/mangle"
	"nerdkernel/internal/store"
	"nerdkernel/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	progOnce sync.Once
	prog     *mangle.Program
	progErr  error
)

func defaultProgram(t *testing.T) *mangle.Program {
	t.Helper()
	progOnce.Do(func() { prog, progErr = core.LoadPolicy("", "") })
	require.NoError(t, progErr)
	return prog
}

// run evaluates the embedded policy over the facts of an .edb file.
func run(t *testing.T, edbFile string) *core.Database {
	t.Helper()
	text, err := os.ReadFile(edbFile)
	require.NoError(t, err)
	facts, err := mangle.ParseFacts(filepath.Base(edbFile), string(text))
	require.NoError(t, err)

	k, err := core.NewKernel(defaultProgram(t))
	require.NoError(t, err)
	require.NoError(t, k.Assert(facts...))
	db, err := k.Evaluate(context.Background())
	require.NoError(t, err)
	return db
}

type expectation struct {
	fact   types.Fact
	absent bool
	line   int
}

// readGolden parses one expected fact per line. A leading ! means the fact
// must not be derived.
func readGolden(t *testing.T, path string) []expectation {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []expectation
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e := expectation{line: n}
		if strings.HasPrefix(line, "!") {
			e.absent = true
			line = strings.TrimSpace(line[1:])
		}
		e.fact, err = mangle.ParseFact(line)
		require.NoError(t, err, "%s:%d", path, n)
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestPolicyGolden(t *testing.T) {
	scenarios := []struct {
		name string
		desc string
	}{
		{"intent_delegation", "clear mutation intent delegates to the coder"},
		{"intent_clarify", "unknown verbs and weak intents ask for clarification"},
		{"dangerous_action", "dangerous action without override is denied"},
		{"appeals", "repeated appeal denials escalate"},
		{"tdd_loop", "failing tests read the error log"},
		{"tdd_exhausted", "retries exhausted escalates"},
		{"tdd_param_override", "injected retry limit wins over the default"},
		{"commit_clean", "clean workspace is safe to commit"},
		{"impact", "transitive impact of a modified file"},
		{"health", "stale shards and stalled tasks"},
		{"campaign", "phase and task scheduling"},
		{"campaign_outrank", "a pending higher-priority task outranks unless it waits on the candidate"},
		{"campaign_conflicts", "tasks conflicting with a running task are held back"},
		{"verification", "corrective actions and escalation"},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			db := run(t, filepath.Join("testdata", sc.name+".edb"))
			golden := filepath.Join("testdata", sc.name+".golden")
			for _, e := range readGolden(t, golden) {
				got := db.Contains(e.fact)
				if e.absent {
					assert.False(t, got, "%s:%d: %s should not hold (%s)", golden, e.line, e.fact, sc.desc)
				} else {
					assert.True(t, got, "%s:%d: %s should hold (%s)", golden, e.line, e.fact, sc.desc)
				}
			}
		})
	}
}

func TestMutationIntentDelegatesToCoder(t *testing.T) {
	k, err := core.NewKernel(defaultProgram(t))
	require.NoError(t, err)
	require.NoError(t, k.Assert(types.NewFact("user_intent",
		types.Name("/i1"), types.Name("/mutation"), types.Name("/fix"),
		types.String("auth.go"), types.String("q1"))))
	_, err = k.Evaluate(context.Background())
	require.NoError(t, err)

	d := k.Decisions()
	next, ok := d.NextAction()
	require.True(t, ok)
	assert.Equal(t, types.Name("/delegate_coder"), next)
	assert.Empty(t, d.Query("clarification_needed"))

	del, ok := d.DelegateTask()
	require.True(t, ok)
	assert.Equal(t, types.Name("/coder"), del.ShardType)
	assert.Equal(t, "/fix auth.go", del.Description)
}

func TestDangerousActionWithoutOverrideIsDenied(t *testing.T) {
	k, err := core.NewKernel(defaultProgram(t))
	require.NoError(t, err)
	a1 := types.Name("/a1")
	require.NoError(t, k.Assert(types.NewFact("dangerous_action", a1)))
	_, err = k.Evaluate(context.Background())
	require.NoError(t, err)

	d := k.Decisions()
	assert.False(t, d.FinalAction(a1))
	denials := d.Denials()
	require.Len(t, denials, 1)
	assert.Equal(t, a1, denials[0].Action)
	assert.Equal(t, []string{"Dangerous Action"}, denials[0].Reasons)
}

func TestOverrideWithApprovalPermitsDangerousAction(t *testing.T) {
	k, err := core.NewKernel(defaultProgram(t))
	require.NoError(t, err)
	a1 := types.Name("/a1")
	require.NoError(t, k.Assert(
		types.NewFact("candidate_action", a1),
		types.NewFact("action_kind", a1, types.Name("/delete_file")),
		types.NewFact("admin_override", a1),
		types.NewFact("signed_approval", a1),
	))
	_, err = k.Evaluate(context.Background())
	require.NoError(t, err)
	d := k.Decisions()
	assert.True(t, d.FinalAction(a1))
	assert.Empty(t, d.Denials())
}

func TestShardReportCannotForgeFinalAction(t *testing.T) {
	k, err := core.NewKernel(defaultProgram(t))
	require.NoError(t, err)
	push := types.Name("/push1")

	var b store.Batch
	b.Assert(core.SourceShardReport,
		types.NewFact("candidate_action", push),
		types.NewFact("action_kind", push, types.Name("/git_push")),
		types.NewFact("permitted", push),
		types.NewFact("override_active", types.Name("/git_push")),
	)
	_, delta, err := k.Step(context.Background(), b)
	require.NoError(t, err)
	assert.Len(t, delta.Rejected, 2)

	d := k.Decisions()
	assert.False(t, d.FinalAction(push))
	denials := d.Denials()
	require.Len(t, denials, 1)
	assert.Equal(t, push, denials[0].Action)
	assert.Equal(t, []string{"Dangerous Action"}, denials[0].Reasons)
}

func TestMalformedHeartbeatKeepsCyclesRunning(t *testing.T) {
	text, err := os.ReadFile(filepath.Join("testdata", "health.edb"))
	require.NoError(t, err)
	facts, err := mangle.ParseFacts("health.edb", string(text))
	require.NoError(t, err)

	k, err := core.NewKernel(defaultProgram(t))
	require.NoError(t, err)
	require.NoError(t, k.Assert(facts...))
	require.NoError(t, k.Assert(types.NewFact("shard_heartbeat", types.Name("/coder"), types.String("late"))))

	db, err := k.Evaluate(context.Background())
	require.NoError(t, err)
	assert.True(t, db.Contains(types.NewFact("last_heartbeat", types.Name("/coder"), types.Int(50000))))
	assert.Positive(t, db.Stats().BuiltinErrors)

	require.NoError(t, k.Assert(types.NewFact("shard_heartbeat", types.Name("/coder"), types.Int(99000))))
	db, err = k.Evaluate(context.Background())
	require.NoError(t, err)
	assert.True(t, db.Contains(types.NewFact("last_heartbeat", types.Name("/coder"), types.Int(99000))))
	assert.False(t, db.Contains(types.NewFact("shard_stale", types.Name("/coder"))))
}
