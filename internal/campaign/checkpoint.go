package campaign

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nerdkernel/internal/logging"
)

// ErrNoVerifier is returned for a method with no registered verifier.
var ErrNoVerifier = errors.New("no checkpoint verifier")

// CheckpointVerifier runs one verification method against a phase.
type CheckpointVerifier interface {
	Verify(ctx context.Context, phase Phase, method VerificationMethod) (passed bool, details string, err error)
}

// VerifierFunc adapts a function to CheckpointVerifier.
type VerifierFunc func(ctx context.Context, phase Phase, method VerificationMethod) (bool, string, error)

func (f VerifierFunc) Verify(ctx context.Context, phase Phase, method VerificationMethod) (bool, string, error) {
	return f(ctx, phase, method)
}

// CheckpointRunner runs verification checkpoints for phases.
type CheckpointRunner struct {
	mu        sync.RWMutex
	verifiers map[VerificationMethod]CheckpointVerifier
	parallel  int
}

// NewCheckpointRunner creates a runner. Test and build checkpoints run the
// project's toolchain in workspace; manual review and shard validation
// need a registered verifier.
func NewCheckpointRunner(workspace string) *CheckpointRunner {
	cmd := &CommandVerifier{Workspace: workspace, Timeout: 10 * time.Minute}
	return &CheckpointRunner{
		verifiers: map[VerificationMethod]CheckpointVerifier{
			VerifyTestsPass: cmd,
			VerifyBuilds:    cmd,
		},
		parallel: 2,
	}
}

// Register installs the verifier for a method.
func (cr *CheckpointRunner) Register(method VerificationMethod, v CheckpointVerifier) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.verifiers[method] = v
}

// Run executes a checkpoint based on the verification method.
func (cr *CheckpointRunner) Run(ctx context.Context, phase Phase, method VerificationMethod) (passed bool, details string, err error) {
	if method == VerifyNone || method == "" {
		return true, "No verification required", nil
	}
	cr.mu.RLock()
	v, ok := cr.verifiers[method]
	cr.mu.RUnlock()
	if !ok {
		return false, "", fmt.Errorf("%w: %s", ErrNoVerifier, method)
	}
	timer := logging.StartTimer(logging.CategoryCampaign, "checkpoint "+string(method))
	defer timer.Stop()
	return v.Verify(ctx, phase, method)
}

// RunDue runs the due checkpoints concurrently and records each result in
// the scheduler. A verifier error is recorded as a failed checkpoint so
// the phase is blocked, never aborted. Only a cancelled ctx or a record
// failure is returned.
func (cr *CheckpointRunner) RunDue(ctx context.Context, s *Scheduler, due []CheckpointDue) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cr.parallel)
	for _, d := range due {
		g.Go(func() error {
			_, phase, err := s.phase(d.Phase)
			if err != nil {
				return err
			}
			passed, details, err := cr.Run(gctx, phase, d.Method)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				passed, details = false, err.Error()
			}
			logging.Campaign("Checkpoint %s for %s: passed=%v", d.Method, d.Phase, passed)
			return s.RecordCheckpoint(d.Phase, Checkpoint{Method: d.Method, Passed: passed, Details: details})
		})
	}
	return g.Wait()
}

// phase returns a copy of a phase and its campaign id.
func (s *Scheduler) phase(id string) (string, Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, p, err := s.findPhaseLocked(id)
	if err != nil {
		return "", Phase{}, err
	}
	return c.ID, *c.Clone().phaseByID(p.ID), nil
}

func (c *Campaign) phaseByID(id string) *Phase {
	for i := range c.Phases {
		if c.Phases[i].ID == id {
			return &c.Phases[i]
		}
	}
	return nil
}

// =============================================================================
// TOOLCHAIN CHECKPOINTS
// =============================================================================

// CommandVerifier runs the project's test or build command.
type CommandVerifier struct {
	Workspace string
	Timeout   time.Duration
	// Command overrides detection when set.
	Command map[VerificationMethod][]string
}

func (v *CommandVerifier) Verify(ctx context.Context, _ Phase, method VerificationMethod) (bool, string, error) {
	argv := v.Command[method]
	if len(argv) == 0 {
		switch method {
		case VerifyTestsPass:
			argv = strings.Fields(detectTestCommand(v.Workspace))
		case VerifyBuilds:
			argv = strings.Fields(detectBuildCommand(v.Workspace))
		default:
			return false, "", fmt.Errorf("%w: %s", ErrNoVerifier, method)
		}
	}
	isGoTest := len(argv) > 1 && argv[0] == "go" && argv[1] == "test"
	if isGoTest && !contains(argv, "-json") {
		argv = append(argv, "-json")
	}

	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = v.Workspace
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := out.String()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return false, fmt.Sprintf("Error running %s: %v", argv[0], err), err
	}

	if method == VerifyBuilds {
		if err != nil {
			return false, "Build failed:\n" + tail(output, 2000), nil
		}
		return true, "Build succeeded", nil
	}

	var passedCount, failedCount int
	if isGoTest {
		passedCount, failedCount = parseGoTestJSON(output)
	} else {
		passedCount, failedCount = parseTestOutput(output)
	}
	if err != nil || failedCount > 0 {
		return false, fmt.Sprintf("Tests: %d passed, %d failed\n%s", passedCount, failedCount, tail(output, 2000)), nil
	}
	return true, fmt.Sprintf("All %d tests passed", passedCount), nil
}

// detectTestCommand determines the appropriate test command for the project.
func detectTestCommand(workspace string) string {
	checks := []struct {
		file    string
		command string
	}{
		{"go.mod", "go test ./..."},
		{"package.json", "npm test"},
		{"Cargo.toml", "cargo test"},
		{"requirements.txt", "pytest"},
		{"pom.xml", "mvn test"},
		{"Makefile", "make test"},
	}
	for _, check := range checks {
		if fileExists(workspace, check.file) {
			return check.command
		}
	}
	return "go test ./..."
}

// detectBuildCommand determines the appropriate build command for the project.
func detectBuildCommand(workspace string) string {
	checks := []struct {
		file    string
		command string
	}{
		{"go.mod", "go build ./..."},
		{"package.json", "npm run build"},
		{"Cargo.toml", "cargo build"},
		{"pom.xml", "mvn compile"},
		{"Makefile", "make build"},
	}
	for _, check := range checks {
		if fileExists(workspace, check.file) {
			return check.command
		}
	}
	return "go build ./..."
}

// parseTestOutput counts go-style PASS/FAIL markers in plain output.
func parseTestOutput(output string) (passed, failed int) {
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(lower, "--- pass"):
			passed++
		case strings.HasPrefix(lower, "--- fail"):
			failed++
		}
	}
	return passed, failed
}

// parseGoTestJSON parses go test -json output for pass/fail counts.
func parseGoTestJSON(output string) (passed, failed int) {
	type goTestEvent struct {
		Action string `json:"Action"`
		Test   string `json:"Test"`
	}
	dec := json.NewDecoder(strings.NewReader(output))
	for dec.More() {
		var evt goTestEvent
		if err := dec.Decode(&evt); err != nil {
			return parseTestOutput(output)
		}
		switch evt.Action {
		case "pass":
			if evt.Test != "" {
				passed++
			}
		case "fail":
			// Package-level failures count too.
			failed++
		}
	}
	return passed, failed
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func contains(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}

func fileExists(workspace, file string) bool {
	_, err := os.Stat(filepath.Join(workspace, file))
	return err == nil
}
