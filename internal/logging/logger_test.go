package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestAllCategoriesLog tests that every category creates a log file in debug mode.
func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()
	t.Cleanup(CloseAll)

	if err := Initialize(Options{Workspace: tempDir, DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot, CategoryKernel, CategoryMangle, CategoryStore, CategoryContext,
		CategoryConstitution, CategoryCampaign, CategoryVerification, CategoryShards,
		CategoryCycle, CategoryAPI,
	}
	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		Get(cat).Info("Test info message for %s", cat)
		Get(cat).Debug("Test debug message for %s", cat)
	}
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, ".nerd", "logs"))
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	found := make(map[string]bool)
	for _, e := range entries {
		for _, cat := range categories {
			if strings.HasSuffix(e.Name(), "_"+string(cat)+".log") {
				found[string(cat)] = true
			}
		}
	}
	for _, cat := range categories {
		if !found[string(cat)] {
			t.Errorf("no log file for category %s", cat)
		}
	}
}

func TestCategoryFilter(t *testing.T) {
	t.Cleanup(CloseAll)
	err := Initialize(Options{
		Workspace:  t.TempDir(),
		DebugMode:  true,
		Categories: map[string]bool{"kernel": false, "campaign": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if IsCategoryEnabled(CategoryKernel) {
		t.Error("kernel should be disabled")
	}
	if !IsCategoryEnabled(CategoryCampaign) {
		t.Error("campaign should be enabled")
	}
	// Unlisted categories default to enabled.
	if !IsCategoryEnabled(CategoryShards) {
		t.Error("shards should default to enabled")
	}
}

func TestProductionModeIsQuiet(t *testing.T) {
	tempDir := t.TempDir()
	t.Cleanup(CloseAll)
	if err := Initialize(Options{Workspace: tempDir}); err != nil {
		t.Fatal(err)
	}
	Kernel("not written to disk")
	if _, err := os.Stat(filepath.Join(tempDir, ".nerd", "logs")); !os.IsNotExist(err) {
		t.Errorf("logs dir should not exist in production mode, stat err = %v", err)
	}
}

func TestUninitializedLoggerIsNoop(t *testing.T) {
	CloseAll()
	// Must not panic.
	Get(CategoryCycle).Error("dropped %d", 1)
	Cycle("dropped")
}

func TestTimer(t *testing.T) {
	timer := StartTimer(CategoryKernel, "evaluate")
	time.Sleep(time.Millisecond)
	if d := timer.StopWithThreshold(time.Hour); d <= 0 {
		t.Errorf("expected positive duration, got %v", d)
	}
}

func TestAuditMangleFact(t *testing.T) {
	tests := []struct {
		name string
		ev   AuditEvent
		want string
	}{
		{
			name: "safety block",
			ev:   AuditEvent{Timestamp: 10, EventType: AuditSafetyBlock, Target: "a1", Detail: "Dangerous Action"},
			want: `safety_check(10, "a1", /false, "Dangerous Action").`,
		},
		{
			name: "shard dispatch",
			ev:   AuditEvent{Timestamp: 5, EventType: AuditShardDispatch, Actor: "/coder", Target: "t1", Success: true},
			want: `shard_lifecycle(5, /shard_dispatch, "/coder", "t1", /true).`,
		},
		{
			name: "cycle",
			ev:   AuditEvent{Timestamp: 1, EventType: AuditCycleAbort, Target: "c-1"},
			want: `cycle_event(1, /cycle_abort, "c-1", /false).`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MangleFact(tt.ev); got != tt.want {
				t.Errorf("MangleFact() = %s, want %s", got, tt.want)
			}
		})
	}
}
