package core

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nerdkernel/internal/mangle"
	"nerdkernel/internal/types"
)

const graphRules = `
reach(X, Y) :- edge(X, Y).
reach(X, Z) :- reach(X, Y), edge(Y, Z).
node(X) :- edge(X, _).
node(Y) :- edge(_, Y).
unreachable(X, Y) :- node(X), node(Y), !reach(X, Y).
out_degree(X, N) :- edge(X, Y) |> do fn:group_by(X), let N = fn:count().
hub(X) :- out_degree(X, N), N >= 2.
lonely(X) :- node(X), !hub(X).
`

const graphFacts = `
edge(/a, /b).
edge(/b, /c).
edge(/c, /a).
edge(/c, /d).
edge(/e, /e).
`

func TestFixpointIsConfluent(t *testing.T) {
	lines := strings.Split(strings.TrimSpace(graphRules), "\n")
	var want []string
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		rng.Shuffle(len(lines), func(a, b int) { lines[a], lines[b] = lines[b], lines[a] })
		k := newTestKernel(t, strings.Join(lines, "\n"))
		require.NoError(t, k.Assert(parseFacts(t, graphFacts)...))
		got := dump(evaluate(t, k))
		if want == nil {
			want = got
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("rule order %d changed the result (-want +got):\n%s", i, diff)
		}
	}
}

func TestRecursionTerminatesOnCycles(t *testing.T) {
	k := newTestKernel(t, graphRules)
	const n = 30
	for i := 0; i < n; i++ {
		require.NoError(t, k.Assert(types.MustFact("edge", i, (i+1)%n)))
	}
	db := evaluate(t, k)

	// A ring reaches every node from every node, itself included.
	assert.Equal(t, n*n, db.Count("reach"))
	assert.Equal(t, 0, db.Count("unreachable"))
	assert.Greater(t, db.Stats().Rounds, n/2)
}

func TestSemiNaiveClosureOnGraph(t *testing.T) {
	k := newTestKernel(t, graphRules)
	require.NoError(t, k.Assert(parseFacts(t, graphFacts)...))
	db := evaluate(t, k)

	assert.True(t, db.Contains(fact(t, "reach(/a, /d)")))
	assert.True(t, db.Contains(fact(t, "reach(/e, /e)")))
	assert.True(t, db.Contains(fact(t, "unreachable(/d, /a)")))
	assert.False(t, db.Contains(fact(t, "reach(/d, /a)")))
	assert.Equal(t, []string{"out_degree(/a, 1)", "out_degree(/b, 1)", "out_degree(/c, 2)", "out_degree(/e, 1)"},
		strs(db.Facts("out_degree")))
	assert.Equal(t, []string{"hub(/c)"}, strs(db.Facts("hub")))
	assert.NotContains(t, strs(db.Facts("lonely")), "lonely(/c)")
}

func TestAggregates(t *testing.T) {
	k := newTestKernel(t, `
total(T, S) :- cost(T, _, C) |> do fn:group_by(T), let S = fn:sum(C).
worst(T, M) :- cost(T, _, C) |> do fn:group_by(T), let M = fn:max(C).
best(T, M) :- cost(T, _, C) |> do fn:group_by(T), let M = fn:min(C).
items(T, N) :- cost(T, _, _) |> do fn:group_by(T), let N = fn:count().
everything(N) :- cost(_, _, _) |> do fn:group_by(), let N = fn:count().
`)
	require.NoError(t, k.Assert(parseFacts(t, `
cost(/t1, /cpu, 10).
cost(/t1, /ram, 10).
cost(/t1, /disk, 5).
cost(/t2, /cpu, 7).
`)...))
	db := evaluate(t, k)

	// Equal costs on different resources are distinct rows.
	assert.Equal(t, []string{"total(/t1, 25)", "total(/t2, 7)"}, strs(db.Facts("total")))
	assert.Equal(t, []string{"worst(/t1, 10)", "worst(/t2, 7)"}, strs(db.Facts("worst")))
	assert.Equal(t, []string{"best(/t1, 5)", "best(/t2, 7)"}, strs(db.Facts("best")))
	assert.Equal(t, []string{"items(/t1, 3)", "items(/t2, 1)"}, strs(db.Facts("items")))
	assert.Equal(t, []string{"everything(4)"}, strs(db.Facts("everything")))
}

func TestAssignmentAndComparison(t *testing.T) {
	k := newTestKernel(t, `
age(S, A) :- seen(S, T), now(N), A = fn:minus(N, T).
stale(S) :- age(S, A), A > 100.
label(S, L) :- seen(S, _), L = fn:string:concat("shard ", S).
same(X) :- pair(X, Y), X = Y.
differ(X) :- pair(X, Y), X != Y.
`)
	require.NoError(t, k.Assert(parseFacts(t, `
now(500).
seen(/coder, 450).
seen(/tester, 100).
pair(1, 1).
pair(2, 3).
`)...))
	db := evaluate(t, k)
	assert.Equal(t, []string{"stale(/tester)"}, strs(db.Facts("stale")))
	assert.True(t, db.Contains(fact(t, `label(/coder, "shard /coder")`)))
	assert.Equal(t, []string{"same(1)"}, strs(db.Facts("same")))
	assert.Equal(t, []string{"differ(2)"}, strs(db.Facts("differ")))
}

func TestBuiltinTypeErrorDropsBindingOnly(t *testing.T) {
	k := newTestKernel(t, `big(X) :- val(X), X > 10.`)
	require.NoError(t, k.Assert(parseFacts(t, `
val(42).
val(/name).
val(3).
`)...))
	db := evaluate(t, k)
	assert.Equal(t, []string{"big(42)"}, strs(db.Facts("big")))
	assert.Equal(t, 1, db.Stats().BuiltinErrors)
}

func TestDerivedPredicateKeepsAssertedFacts(t *testing.T) {
	k := newTestKernel(t, `dangerous(A) :- kind(A, /rm).`)
	require.NoError(t, k.Assert(parseFacts(t, `
dangerous(/a1).
kind(/a2, /rm).
`)...))
	db := evaluate(t, k)
	assert.Equal(t, []string{"dangerous(/a1)", "dangerous(/a2)"}, strs(db.Facts("dangerous")))
}

func TestDerivationLimit(t *testing.T) {
	k := newTestKernel(t, graphRules, WithMaxDerivedFacts(50))
	for i := 0; i < 20; i++ {
		require.NoError(t, k.Assert(types.MustFact("edge", i, i+1)))
	}
	_, err := k.Evaluate(context.Background())
	require.ErrorIs(t, err, ErrDerivationLimit)
	assert.Nil(t, k.Database())
}

func TestEvaluateHonorsCancellation(t *testing.T) {
	k := newTestKernel(t, graphRules)
	require.NoError(t, k.Assert(parseFacts(t, graphFacts)...))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := k.Evaluate(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The next evaluation starts from scratch and succeeds.
	db := evaluate(t, k)
	assert.True(t, db.Contains(fact(t, "reach(/a, /a)")))
}

func BenchmarkClosure(b *testing.B) {
	prog, err := mangle.CompileText("bench.mg", graphRules)
	require.NoError(b, err)
	for i := 0; i < b.N; i++ {
		k, _ := NewKernel(prog)
		for j := 0; j < 60; j++ {
			_ = k.Assert(types.MustFact("edge", j, (j+1)%60))
		}
		if _, err := k.Evaluate(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}
