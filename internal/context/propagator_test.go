package context

import (
	stdctx "context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nerdkernel/internal/config"
	"nerdkernel/internal/core"
	"nerdkernel/internal/mangle"
	"nerdkernel/internal/types"
)

func workspaceFacts() []types.Fact {
	return []types.Fact{
		types.NewFact("user_intent", types.Name("/i1"), types.Name("/mutation"), types.Name("/fix"),
			types.String("auth.go"), types.String("q1")),
		types.MustFact("file_topology", "auth.go", "/go"),
		types.MustFact("file_topology", "db.go", "/go"),
		types.MustFact("file_topology", "README.md", "/markdown"),
		types.MustFact("dependency_link", "auth.go", "db.go", "/import"),
	}
}

func newPolicyKernel(t *testing.T) *core.Kernel {
	t.Helper()
	prog, err := core.LoadPolicy("", "")
	require.NoError(t, err)
	k, err := core.NewKernel(prog)
	require.NoError(t, err)
	return k
}

// cycle annotates the store and evaluates, the way the cycle controller does.
func cycle(t *testing.T, k *core.Kernel, p *Propagator) *core.Database {
	t.Helper()
	_, err := k.Apply(p.Batch(k.Store().Snapshot(), k.Program()))
	require.NoError(t, err)
	db, err := k.Evaluate(stdctx.Background())
	require.NoError(t, err)
	return db
}

func scores(rs []Ranked) map[string]types.Score {
	out := make(map[string]types.Score, len(rs))
	for _, r := range rs {
		out[r.Fact.String()] = r.Score
	}
	return out
}

func TestAnnotateMarksNewFactsOnce(t *testing.T) {
	p := NewPropagator(config.DefaultActivationConfig())
	f := types.MustFact("dependency_link", "a.go", "a.go", "/import")
	ann := p.Annotate([]types.Fact{f, types.MustFact("current_time", 5)})

	id := types.String(f.ID())
	assert.ElementsMatch(t, []types.Fact{
		types.NewFact(PredFactRef, id, types.String("dependency_link")),
		types.NewFact(PredFactMentions, id, types.String("a.go")),
		types.NewFact(PredFactMentions, id, types.Name("/import")),
		types.NewFact(PredNewFact, id),
	}, ann)

	again := p.Annotate([]types.Fact{f})
	assert.Len(t, again, 3)
	for _, a := range again {
		assert.NotEqual(t, PredNewFact, a.Predicate)
	}
}

func TestEligibleHonorsConfiguredPredicates(t *testing.T) {
	cfg := config.DefaultActivationConfig()
	cfg.ContextPredicates = []string{"file_topology"}
	p := NewPropagator(cfg)
	assert.True(t, p.Eligible("file_topology"))
	assert.False(t, p.Eligible("diagnostic"))
	assert.False(t, NewPropagator(config.DefaultActivationConfig()).Eligible("policy_param"))
}

func TestIntentTargetAndDependencySpreading(t *testing.T) {
	k := newPolicyKernel(t)
	require.NoError(t, k.Assert(workspaceFacts()...))
	p := NewPropagator(config.DefaultActivationConfig())

	got := scores(p.Rank(cycle(t, k, p)))
	assert.Equal(t, types.Score(90), got[`file_topology("auth.go", /go)`])
	assert.Equal(t, types.Score(90), got[`dependency_link("auth.go", "db.go", /import)`])
	assert.Equal(t, types.Score(60), got[`file_topology("db.go", /go)`], "one hop along dependency_link")
	assert.Equal(t, types.Score(50), got[`file_topology("README.md", /markdown)`], "recency only")

	// Recency lasts a single cycle; the unrelated file drops out.
	got = scores(p.Rank(cycle(t, k, p)))
	assert.Equal(t, types.Score(60), got[`file_topology("db.go", /go)`])
	assert.NotContains(t, got, `file_topology("README.md", /markdown)`)
}

func TestSelectForDelegatedShard(t *testing.T) {
	k := newPolicyKernel(t)
	require.NoError(t, k.Assert(workspaceFacts()...))
	p := NewPropagator(config.DefaultActivationConfig())
	cycle(t, k, p)
	db := cycle(t, k, p)

	sel := p.Select(db, types.Name("/coder"), 0)
	require.Len(t, sel.Entries, 4)
	for _, e := range sel.Entries[:3] {
		assert.Equal(t, types.Score(90), e.Score)
		assert.True(t, e.High, e.Fact.String())
	}
	last := sel.Entries[3]
	assert.Equal(t, `file_topology("db.go", /go)`, last.Fact.String())
	assert.False(t, last.High)
	assert.Positive(t, sel.Tokens)

	limited := p.Select(db, types.Name("/coder"), 2)
	assert.Len(t, limited.Entries, 2)
	assert.Equal(t, 2, limited.Dropped)

	assert.Empty(t, p.Select(db, types.Name("/tester"), 0).Entries, "tester is not active")

	text := p.Render(sel)
	assert.True(t, strings.HasPrefix(text, "user_intent(/i1"), text)
	assert.NotContains(t, text, "README.md")
}

func TestRankBreaksTiesByPriority(t *testing.T) {
	prog, err := mangle.CompileText("contrib.mg", "activation_contrib(F, S, P) :- contrib(F, S, P).\n")
	require.NoError(t, err)
	k, err := core.NewKernel(prog)
	require.NoError(t, err)

	base := types.MustFact("file_topology", "x.go", "/go")
	id := types.String(base.ID())
	require.NoError(t, k.Assert(base,
		types.NewFact("contrib", id, types.Int(70), types.Int(5)),
		types.NewFact("contrib", id, types.Int(70), types.Int(9)),
		types.NewFact("contrib", id, types.Int(40), types.Int(50)),
		types.NewFact("contrib", types.String("dangling"), types.Int(99), types.Int(1)),
	))
	db, err := k.Evaluate(stdctx.Background())
	require.NoError(t, err)

	ranked := NewPropagator(config.DefaultActivationConfig()).Rank(db)
	require.Len(t, ranked, 1)
	assert.Equal(t, types.Score(70), ranked[0].Score)
	assert.Equal(t, int64(9), ranked[0].Priority)
	assert.Equal(t, base, ranked[0].Fact)
}

func TestSerializerGroupsByPredicateOrder(t *testing.T) {
	text := NewFactSerializer().WithComments(false).SerializeFacts([]types.Fact{
		types.MustFact("dependency_link", "a.go", "b.go", "/import"),
		types.MustFact("diagnostic", "a.go", 3, "/error", "boom"),
		types.MustFact("dependency_link", "b.go", "c.go", "/import"),
	})
	lines := strings.Split(text, "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "diagnostic("))
	assert.Equal(t, `dependency_link("b.go", "c.go", /import).`, lines[2])

	long := types.MustFact("note", strings.Repeat("x", 200))
	assert.Less(t, len(NewFactSerializer().SerializeFacts([]types.Fact{long})), 80)
}

func TestTokenCounter(t *testing.T) {
	tc := NewTokenCounter()
	assert.Equal(t, 0, tc.CountString(""))
	assert.Equal(t, 2, tc.CountString("12345678"))
	f := types.MustFact("p", "/name", "abcdefgh", 3)
	assert.Equal(t, tc.CountFact(f)*2, tc.CountFacts([]types.Fact{f, f}))
}
