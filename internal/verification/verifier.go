// Package verification implements the quality-enforcing retry loop.
//
// Every executed task is verified. A failed attempt is recorded with the
// quality violations found in the output; verification.mg maps the latest
// violations to a corrective action for the next attempt, and blocks the
// task for a human once the attempt ceiling is reached.
package verification

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"nerdkernel/internal/types"
)

// ErrMaxRetriesExceeded is returned when a blocked task records another attempt.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded - escalating to user")

// QualityViolation represents a type of corner-cutting detected in output.
type QualityViolation string

const (
	MockCode        QualityViolation = "mock_code"        // func Mock..., // mock implementation
	PlaceholderCode QualityViolation = "placeholder"      // TODO, FIXME, placeholder, stub
	HallucinatedAPI QualityViolation = "hallucinated_api" // APIs that don't exist
	IncompleteImpl  QualityViolation = "incomplete"       // panic("not implemented")
	HardcodedValues QualityViolation = "hardcoded"        // Magic strings instead of real logic
	EmptyFunction   QualityViolation = "empty_function"   // func Foo() {} with no body
	MissingErrors   QualityViolation = "missing_errors"   // No error handling
	FakeTests       QualityViolation = "fake_tests"       // Tests that don't test anything
)

// Severity lists violations most severe first. Tracker.Next picks the
// corrective action of the most severe violation of the latest attempt.
var Severity = []QualityViolation{
	HallucinatedAPI,
	IncompleteImpl,
	EmptyFunction,
	MockCode,
	FakeTests,
	PlaceholderCode,
	MissingErrors,
	HardcodedValues,
}

func severityRank(v QualityViolation) int {
	for i, s := range Severity {
		if s == v {
			return i
		}
	}
	return len(Severity)
}

// Name returns the violation as a name constant.
func (v QualityViolation) Name() types.Value { return types.Name(string(v)) }

// CorrectiveType defines the type of corrective action to take.
type CorrectiveType string

const (
	CorrectiveResearch  CorrectiveType = "research"
	CorrectiveDocs      CorrectiveType = "docs"
	CorrectiveTool      CorrectiveType = "tool"
	CorrectiveDecompose CorrectiveType = "decompose"
)

// CorrectiveAction describes what to do before the next attempt.
type CorrectiveAction struct {
	Type      CorrectiveType   `json:"type"`
	Violation QualityViolation `json:"violation"`
	Reason    string           `json:"reason"`
	// ShardHint suggests a shard better suited to the retry.
	ShardHint types.Value `json:"-"`
}

// VerificationResult contains the outcome of verifying a task result.
type VerificationResult struct {
	Success           bool               `json:"success"`
	Confidence        types.Score        `json:"confidence"`
	Reason            string             `json:"reason"`
	Evidence          []string           `json:"evidence,omitempty"`
	QualityViolations []QualityViolation `json:"quality_violations,omitempty"`
}

// Passed reports whether the attempt counts as verified.
func (r VerificationResult) Passed() bool {
	return r.Success && len(r.QualityViolations) == 0
}

// isReviewTask checks if the task is a review/analysis task (not implementation).
func isReviewTask(task string) bool {
	lower := strings.ToLower(task)
	reviewKeywords := []string{
		"review", "analyze", "security_scan", "complexity",
		"audit", "inspect", "examine", "assess", "evaluate",
	}
	for _, kw := range reviewKeywords {
		if strings.HasPrefix(lower, kw) || strings.Contains(lower, kw+" ") {
			return true
		}
	}
	return false
}

var (
	emptyFuncRE  = regexp.MustCompile(`func\s+(\([^)]*\)\s*)?\w+\([^)]*\)[^{\n]*\{\s*\}`)
	ignoredErrRE = regexp.MustCompile(`(?m)^\s*_\s*(,\s*_\s*)?=\s*\w+[\w.]*\(`)
	fakeTestRE   = regexp.MustCompile(`assert\.True\(t,\s*true\)|if\s+false\s*\{\s*t\.(Error|Fatal)`)
	hardcodedRE  = regexp.MustCompile(`(?i)(password|secret|api_?key|token)\s*[:=]+\s*"[^"]+"`)
	notImplRE    = regexp.MustCompile(`(?i)not\s+implemented|unimplemented`)
)

// ClassifyViolations detects corner-cutting in shard output that does not
// self-report violations. Each violation appears once, in Severity order.
func ClassifyViolations(output string) []QualityViolation {
	found, _ := classify(output)
	return found
}

func classify(output string) ([]QualityViolation, []string) {
	lower := strings.ToLower(output)
	hits := make(map[QualityViolation]string)
	mark := func(v QualityViolation, evidence string) {
		if _, ok := hits[v]; !ok {
			hits[v] = evidence
		}
	}

	if strings.Contains(lower, "todo") || strings.Contains(lower, "fixme") {
		mark(PlaceholderCode, "Contains TODO/FIXME comments")
	}
	if strings.Contains(lower, "placeholder") || strings.Contains(lower, "stub") {
		mark(PlaceholderCode, "Contains placeholder/stub code")
	}
	if strings.Contains(lower, "mock implementation") || strings.Contains(output, "func Mock") {
		mark(MockCode, "Contains mock implementations")
	}
	if notImplRE.MatchString(output) {
		mark(IncompleteImpl, "Contains 'not implemented' code")
	}
	if emptyFuncRE.MatchString(output) {
		mark(EmptyFunction, "Contains a function with an empty body")
	}
	if ignoredErrRE.MatchString(output) {
		mark(MissingErrors, "Discards returned errors")
	}
	if fakeTestRE.MatchString(output) {
		mark(FakeTests, "Contains assertions that cannot fail")
	}
	if hardcodedRE.MatchString(output) {
		mark(HardcodedValues, "Contains hardcoded credentials")
	}

	var out []QualityViolation
	var evidence []string
	for _, v := range Severity {
		if e, ok := hits[v]; ok {
			out = append(out, v)
			evidence = append(evidence, e)
		}
	}
	return out, evidence
}

// Check verifies a task's output with the heuristic detector. Review tasks
// describe code rather than write it, so they are not pattern-checked.
func Check(task, output string) VerificationResult {
	if isReviewTask(task) {
		return VerificationResult{Success: true, Confidence: 60, Reason: "Review output is not pattern-checked"}
	}
	violations, evidence := classify(output)
	res := VerificationResult{
		Success:           len(violations) == 0,
		Confidence:        60,
		Reason:            "Basic quality check",
		QualityViolations: violations,
		Evidence:          evidence,
	}
	if !res.Success {
		res.Reason = fmt.Sprintf("Basic quality check found %d violation(s)", len(violations))
	}
	return res
}

// ParseVerificationResult parses a self-reported JSON verification, with or
// without markdown code fences.
func ParseVerificationResult(response string) (VerificationResult, error) {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	var result VerificationResult
	if err := json.Unmarshal([]byte(response), &result); err != nil {
		return VerificationResult{}, fmt.Errorf("failed to parse verification JSON: %w", err)
	}
	result.Confidence = result.Confidence.Clamp()
	return result, nil
}

// RetryShard suggests the shard for the next attempt. Some violations are
// better fixed by a specialist; otherwise the original shard retries with
// more context.
func RetryShard(original types.Value, violations []QualityViolation) types.Value {
	for _, v := range violations {
		switch v {
		case HallucinatedAPI:
			return types.Name("/researcher")
		case MissingErrors:
			return types.Name("/reviewer")
		case FakeTests:
			return types.Name("/tester")
		}
	}
	return original
}

// Enrich adds corrective feedback to a task description for the retry.
func Enrich(task string, action CorrectiveAction, last VerificationResult) string {
	var b strings.Builder
	b.WriteString(task)
	if last.Reason != "" {
		b.WriteString("\n\n## Previous Attempt Failed\n")
		b.WriteString(last.Reason)
	}
	if len(last.QualityViolations) > 0 {
		b.WriteString("\n\n## Quality Issues to Fix\n")
		for _, v := range last.QualityViolations {
			fmt.Fprintf(&b, "- %s\n", v)
		}
	}
	if len(last.Evidence) > 0 {
		b.WriteString("\n## Specific Problems\n")
		for _, e := range last.Evidence {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	if action.Type != "" {
		fmt.Fprintf(&b, "\n## Corrective Action: %s\n%s\n", action.Type, action.Reason)
	}
	b.WriteString("\n## IMPORTANT\n")
	b.WriteString("- Do NOT use mock implementations or placeholder code\n")
	b.WriteString("- Do NOT use TODO/FIXME comments\n")
	b.WriteString("- Implement the ACTUAL functionality requested\n")
	return b.String()
}
