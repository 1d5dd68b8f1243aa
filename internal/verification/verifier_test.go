package verification

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nerdkernel/internal/types"
)

func TestIsReviewTask(t *testing.T) {
	cases := []struct {
		task string
		want bool
	}{
		{task: "review internal/core/kernel.go", want: true},
		{task: "security_scan internal", want: true},
		{task: "please audit this patch", want: true},
		{task: "implement feature X", want: false},
		{task: "run unit tests", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.task, func(t *testing.T) {
			assert.Equal(t, tc.want, isReviewTask(tc.task))
		})
	}
}

func TestCheck(t *testing.T) {
	t.Run("clean", func(t *testing.T) {
		res := Check("implement parser", "func Parse(s string) (int, error) {\n\treturn strconv.Atoi(s)\n}")
		assert.True(t, res.Passed(), "%#v", res)
		assert.Empty(t, res.QualityViolations)
	})

	t.Run("detects_common_violations", func(t *testing.T) {
		res := Check("implement thing", "TODO: implement\nfunc MockThing() {}\npanic(\"not implemented\")\nplaceholder stub")
		require.False(t, res.Success)
		assert.Equal(t, []QualityViolation{IncompleteImpl, EmptyFunction, MockCode, PlaceholderCode}, res.QualityViolations)
		assert.Len(t, res.Evidence, 4)
	})

	t.Run("review_tasks_are_not_pattern_checked", func(t *testing.T) {
		res := Check("review the stub handlers", "the TODO in handler.go is a placeholder")
		assert.True(t, res.Passed())
	})
}

func TestClassifyViolations(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   []QualityViolation
	}{
		{name: "ignored_error", output: "func f() {\n\t_ = os.Remove(p)\n\treturn\n}", want: []QualityViolation{MissingErrors}},
		{name: "fake_test", output: "func TestX(t *testing.T) {\n\tassert.True(t, true)\n}", want: []QualityViolation{FakeTests}},
		{name: "hardcoded_secret", output: `apiKey := "sk-12345"`, want: []QualityViolation{HardcodedValues}},
		{name: "empty_method", output: "func (s *Server) Close() error {}", want: []QualityViolation{EmptyFunction}},
		{name: "clean", output: "return nil", want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyViolations(tc.output))
		})
	}
}

func TestParseVerificationResult_StripsCodeFences(t *testing.T) {
	response := "```json\n" +
		`{"success":true,"confidence":140,"reason":"ok","quality_violations":[],"evidence":["e"]}` +
		"\n```"

	parsed, err := ParseVerificationResult(response)
	require.NoError(t, err)
	assert.True(t, parsed.Success)
	assert.Equal(t, types.MaxScore, parsed.Confidence)
	assert.Equal(t, "ok", parsed.Reason)
	assert.Equal(t, []string{"e"}, parsed.Evidence)

	_, err = ParseVerificationResult("not json")
	assert.Error(t, err)
}

func TestRetryShard(t *testing.T) {
	coder := types.Name("/coder")
	assert.Equal(t, types.Name("/researcher"), RetryShard(coder, []QualityViolation{PlaceholderCode, HallucinatedAPI}))
	assert.Equal(t, types.Name("/tester"), RetryShard(coder, []QualityViolation{FakeTests}))
	assert.Equal(t, coder, RetryShard(coder, []QualityViolation{MockCode}))
}

func TestEnrich(t *testing.T) {
	last := Check("implement cache", "// TODO finish")
	got := Enrich("implement cache", CorrectiveAction{Type: CorrectiveDecompose, Violation: PlaceholderCode, Reason: "split it"}, last)

	assert.True(t, strings.HasPrefix(got, "implement cache"))
	assert.Contains(t, got, "## Previous Attempt Failed")
	assert.Contains(t, got, "- placeholder")
	assert.Contains(t, got, "## Corrective Action: decompose\nsplit it")
}
