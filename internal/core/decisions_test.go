package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nerdkernel/internal/types"
)

const decisionRules = `
action_priority(/escalate_to_user, 100).
action_priority(/delegate_coder, 50).
next_action(/delegate_coder) :- wants(/code).
next_action(/escalate_to_user) :- wants(/help).
next_action(/idle) :- wants(/nothing).
delegate_task(/coder, D, /pending) :- job(D).
delegate_task(/tester, D, /done) :- finished(D).
permission_denied(A, "Dangerous Action") :- risky(A).
permission_denied(A, "Not Allowlisted") :- unknown(A).
final_action(A) :- ok(A).
activation(F, S) :- score(F, S).
injectable_context(/coder, F) :- score(F, S), S > 30.
`

func TestDecisionsBeforeEvaluation(t *testing.T) {
	k := newTestKernel(t, decisionRules)
	d := k.Decisions()
	assert.False(t, d.Ready())
	_, ok := d.NextAction()
	assert.False(t, ok)
	assert.False(t, d.FinalAction(types.Name("/a")))
	_, err := d.Explain(fact(t, "ok(/a)"))
	assert.ErrorIs(t, err, ErrNotEvaluated)
}

func TestDecisionsNextActionByPriority(t *testing.T) {
	k := newTestKernel(t, decisionRules)
	require.NoError(t, k.Assert(parseFacts(t, `
wants(/code).
wants(/help).
wants(/nothing).
`)...))
	evaluate(t, k)
	d := k.Decisions()

	got, ok := d.NextAction()
	require.True(t, ok)
	assert.Equal(t, types.Name("/escalate_to_user"), got)
	assert.Equal(t, []types.Value{
		types.Name("/escalate_to_user"),
		types.Name("/delegate_coder"),
		types.Name("/idle"),
	}, d.NextActions())
}

func TestDecisionsDelegateAndGate(t *testing.T) {
	k := newTestKernel(t, decisionRules)
	require.NoError(t, k.Assert(parseFacts(t, `
job("fix auth.go").
finished("old work").
risky(/a1).
unknown(/a1).
unknown(/a2).
ok(/a3).
`)...))
	evaluate(t, k)
	d := k.Decisions()

	del, ok := d.DelegateTask()
	require.True(t, ok)
	assert.Equal(t, Delegation{ShardType: types.Name("/coder"), Description: "fix auth.go"}, del)

	assert.True(t, d.FinalAction(types.Name("/a3")))
	assert.False(t, d.FinalAction(types.Name("/a1")))
	assert.Equal(t, []Denial{
		{Action: types.Name("/a1"), Reasons: []string{"Dangerous Action", "Not Allowlisted"}},
		{Action: types.Name("/a2"), Reasons: []string{"Not Allowlisted"}},
	}, d.Denials())
}

func TestDecisionsInjectableContextOrder(t *testing.T) {
	k := newTestKernel(t, decisionRules)
	low := types.MustFact("file_topology", "util.go")
	high := types.MustFact("file_topology", "auth.go")
	cold := types.MustFact("file_topology", "readme.md")
	require.NoError(t, k.Assert(low, high, cold))
	require.NoError(t, k.Assert(
		types.NewFact("score", types.String(low.ID()), types.Int(40)),
		types.NewFact("score", types.String(high.ID()), types.Int(95)),
		types.NewFact("score", types.String(cold.ID()), types.Int(10)),
	))
	evaluate(t, k)

	got := k.Decisions().InjectableContext(types.Name("/coder"))
	assert.Equal(t, []types.Fact{high, low}, got)
	assert.Empty(t, k.Decisions().InjectableContext(types.Name("/tester")))
}
