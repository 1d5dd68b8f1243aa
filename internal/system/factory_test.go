package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nerdkernel/internal/campaign"
	"nerdkernel/internal/shards"
	"nerdkernel/internal/types"
)

func TestBootCortexLoadsPersistedCampaigns(t *testing.T) {
	workspace := t.TempDir()
	cfg := testConfig(t)
	cfg.Campaign.CampaignsDir = ".nerd/campaigns"

	st := campaign.NewStore(filepath.Join(workspace, ".nerd", "campaigns"))
	require.NoError(t, st.Save(&campaign.Campaign{
		ID:     "/c1",
		Title:  "persisted",
		Status: campaign.StatusActive,
		Phases: []campaign.Phase{{ID: "/c1_p1", Name: "build", Tasks: []campaign.Task{
			{ID: "/t1", PhaseID: "/c1_p1", Description: "write handler", Type: campaign.TaskTypeFileCreate, Status: campaign.TaskPending},
		}}},
	}))

	cx, err := BootCortex(context.Background(), workspace, cfg, WithClock(newStepClock().Now))
	require.NoError(t, err)
	defer func() { require.NoError(t, cx.Close()) }()

	c, ok := cx.Scheduler.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "persisted", c.Title)

	res, err := cx.Controller.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/t1"}, res.Dispatched)
}

func TestBootCortexRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"
	_, err := BootCortex(context.Background(), t.TempDir(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Driver")
}

func TestBootCortexOperatorPolicyExtendsAllowList(t *testing.T) {
	workspace := t.TempDir()
	policyDir := filepath.Join(workspace, "policy")
	require.NoError(t, os.MkdirAll(policyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(policyDir, "team.mg"), []byte("safe_kind(/format_code).\n"), 0o644))

	cfg := testConfig(t)
	cfg.Kernel.PolicyDir = "policy"
	cx, err := BootCortex(context.Background(), workspace, cfg, WithoutLearnedStore(), WithShard(shards.EchoShard{}))
	require.NoError(t, err)
	defer func() { require.NoError(t, cx.Close()) }()
	assert.Nil(t, cx.Learned)

	f1 := types.Name("/f1")
	cx.Kernel.Queue().Assert("user",
		types.NewFact("candidate_action", f1),
		types.NewFact("action_kind", f1, types.Name("/format_code")))
	_, err = cx.Controller.Cycle(context.Background())
	require.NoError(t, err)
	assert.True(t, cx.Kernel.Decisions().FinalAction(f1))
}

func TestNewControllerRequiresComponents(t *testing.T) {
	_, err := NewController(Components{}, nil, nil)
	assert.ErrorIs(t, err, ErrMissingComponent)
}

func TestCloseIsSafeOnPartialCortex(t *testing.T) {
	var nilCortex *Cortex
	assert.NoError(t, nilCortex.Close())
	assert.NoError(t, (&Cortex{}).Close())
}
