package core

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const explainRules = `
# @rule reach_edge
reach(X, Y) :- edge(X, Y).
# @rule reach_step
reach(X, Z) :- reach(X, Y), edge(Y, Z).
`

func TestExplainProofTree(t *testing.T) {
	k := newTestKernel(t, explainRules, WithExplain(true))
	require.NoError(t, k.Assert(parseFacts(t, `
edge(/a, /b).
edge(/b, /c).
`)...))
	db := evaluate(t, k)

	tree, err := db.Explain(fact(t, "reach(/a, /c)"))
	require.NoError(t, err)
	assert.Equal(t, SourceIDB, tree.Root.Source)
	assert.Equal(t, "reach_step", tree.Root.RuleName)
	require.Len(t, tree.Root.Children, 2)
	assert.Equal(t, "reach(/a, /b)", tree.Root.Children[0].Fact.String())
	assert.Equal(t, "reach_edge", tree.Root.Children[0].RuleName)
	assert.Equal(t, SourceEDB, tree.Root.Children[1].Source)
	assert.Equal(t, 4, tree.Nodes)

	ascii := tree.RenderASCII()
	assert.True(t, strings.HasPrefix(ascii, "└── reach(/a, /c) [IDB:reach_step]"), ascii)
	assert.Contains(t, ascii, "edge(/b, /c) [EDB]")

	md := tree.RenderMarkdown()
	assert.Contains(t, md, "by rule **reach_edge**")

	raw, err := tree.RenderJSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "reach_step", decoded["rule"])
}

func TestExplainSurvivesIncrementalCycles(t *testing.T) {
	k := newTestKernel(t, explainRules+"\nmarked(X) :- mark(X).\n", WithExplain(true))
	require.NoError(t, k.Assert(fact(t, "edge(/a, /b)")))
	evaluate(t, k)
	require.NoError(t, k.Assert(fact(t, "mark(/z)")))
	db := evaluate(t, k)

	tree, err := db.Explain(fact(t, "reach(/a, /b)"))
	require.NoError(t, err)
	assert.Equal(t, "reach_edge", tree.Root.RuleName)
}

func TestExplainErrors(t *testing.T) {
	k := newTestKernel(t, explainRules)
	require.NoError(t, k.Assert(fact(t, "edge(/a, /b)")))
	db := evaluate(t, k)

	_, err := db.Explain(fact(t, "reach(/b, /a)"))
	assert.ErrorIs(t, err, ErrNoDerivation)
	_, err = db.Explain(fact(t, "reach(/a, /b)"))
	assert.ErrorIs(t, err, ErrNoDerivation, "explain disabled")

	tree, err := db.Explain(fact(t, "edge(/a, /b)"))
	require.NoError(t, err)
	assert.Equal(t, SourceEDB, tree.Root.Source)
}
