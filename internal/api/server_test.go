package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nerdkernel/internal/campaign"
	"nerdkernel/internal/config"
	"nerdkernel/internal/shards"
	"nerdkernel/internal/system"
	"nerdkernel/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupCortex(t *testing.T) (*system.Cortex, *gin.Engine) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Kernel.WatchRules = false
	cfg.Campaign.CampaignsDir = ""
	cfg.Store.Path = filepath.Join(t.TempDir(), "learnings.db")

	cx, err := system.BootCortex(context.Background(), t.TempDir(), cfg,
		system.WithoutLearnedStore(), system.WithShard(shards.EchoShard{}))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, cx.Close()) })

	router := gin.New()
	SetupRoutes(router, cx)
	return cx, router
}

func do(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func runCycle(t *testing.T, cx *system.Cortex) {
	t.Helper()
	_, err := cx.Controller.Cycle(context.Background())
	require.NoError(t, err)
	require.NoError(t, cx.Dispatcher.Wait())
}

func TestHealthCheck(t *testing.T) {
	cx, router := setupCortex(t)

	w := do(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["evaluated"])

	runCycle(t, cx)
	w = do(t, router, http.MethodGet, "/healthz", nil)
	body := decode(t, w)
	assert.Equal(t, true, body["evaluated"])
	assert.Equal(t, float64(1), body["cycle"])
}

func TestDecisionQueriesBeforeFirstCycle(t *testing.T) {
	_, router := setupCortex(t)
	for _, path := range []string{"/v1/next-action", "/v1/delegate-task", "/v1/final-action/a1", "/v1/context/coder"} {
		w := do(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestIntentFlowsToNextAction(t *testing.T) {
	cx, router := setupCortex(t)

	w := do(t, router, http.MethodPost, "/v1/intents", IntentRequest{
		ID: "i1", Category: "mutation", Verb: "fix", Target: "auth.go", Query: "fix the login bug",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/i1", decode(t, w)["id"])
	assert.Equal(t, 1, cx.Kernel.Queue().Len())

	runCycle(t, cx)

	w = do(t, router, http.MethodGet, "/v1/next-action", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/delegate_coder", decode(t, w)["action"])

	w = do(t, router, http.MethodGet, "/v1/delegate-task", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var del delegationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &del))
	assert.Equal(t, delegationResponse{ShardType: "/coder", Description: "/fix auth.go"}, del)

	w = do(t, router, http.MethodGet, "/v1/final-action/delegate_coder", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["final"])

	w = do(t, router, http.MethodGet, "/v1/context/coder?budget=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sel contextResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sel))
	assert.Equal(t, "/coder", sel.Shard)
	assert.LessOrEqual(t, len(sel.Entries), 5)
}

func TestIntentRequiresVerb(t *testing.T) {
	_, router := setupCortex(t)
	w := do(t, router, http.MethodPost, "/v1/intents", gin.H{"category": "mutation"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostFacts(t *testing.T) {
	cx, router := setupCortex(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"unknown op", gin.H{"op": "upsert", "facts": []string{"x(/a)."}}, http.StatusBadRequest},
		{"no facts", gin.H{"op": "assert", "facts": []string{}}, http.StatusBadRequest},
		{"rule instead of fact", gin.H{"op": "assert", "facts": []string{"x(A) :- y(A)."}}, http.StatusBadRequest},
		{"assert", gin.H{"op": "assert", "facts": []string{"dangerous_action(/a1).", "observation(/a1)."}}, http.StatusAccepted},
		{"gate output", gin.H{"op": "assert", "facts": []string{"final_action(/a1)."}}, http.StatusForbidden},
		{"permission", gin.H{"op": "assert", "facts": []string{"permitted(/a1)."}}, http.StatusForbidden},
		{"clock", gin.H{"op": "assert", "facts": []string{"current_time(1)."}}, http.StatusForbidden},
		{"appeal override", gin.H{"op": "assert", "facts": []string{"permanent_override(/git_push)."}}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/v1/facts", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	runCycle(t, cx)
	assert.True(t, cx.Kernel.Store().Contains(types.NewFact("dangerous_action", types.Name("/a1"))))

	w := do(t, router, http.MethodGet, "/v1/denials", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Current []denialResponse       `json:"current"`
		Recent  []denialRecordResponse `json:"recent"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Current, 1)
	assert.Equal(t, "/a1", body.Current[0].Action)
	assert.Equal(t, []string{"Dangerous Action"}, body.Current[0].Reasons)
	require.Len(t, body.Recent, 1)
	assert.Equal(t, "/a1", body.Recent[0].Action)

	// Lifting a restriction is not an API operation.
	w = do(t, router, http.MethodPost, "/v1/facts", gin.H{"op": "retract", "facts": []string{"dangerous_action(/a1)"}})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, http.MethodPost, "/v1/facts", gin.H{"op": "retract", "facts": []string{"observation(/a1)"}})
	require.Equal(t, http.StatusAccepted, w.Code)
	runCycle(t, cx)
	assert.True(t, cx.Kernel.Store().Contains(types.NewFact("dangerous_action", types.Name("/a1"))))
	assert.False(t, cx.Kernel.Store().Contains(types.NewFact("observation", types.Name("/a1"))))
	assert.False(t, cx.Kernel.Decisions().FinalAction(types.Name("/a1")))
}

func TestAppealLifecycle(t *testing.T) {
	_, router := setupCortex(t)

	w := do(t, router, http.MethodPost, "/v1/appeals", AppealRequest{
		ActionID: "a1", ActionType: "rm_rf", Justification: "cleaning the build cache",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var a appealResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, "pending", a.Status)
	assert.Equal(t, "/rm_rf", a.ActionType)

	w = do(t, router, http.MethodPost, "/v1/appeals/"+a.ID+"/grant", GrantRequest{TTL: "forever"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/v1/appeals/"+a.ID+"/grant", GrantRequest{TTL: "10m"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, "granted", a.Status)
	assert.False(t, a.ExpiresAt.IsZero())

	w = do(t, router, http.MethodPost, "/v1/appeals/"+a.ID+"/deny", DenyRequest{Reason: "too late"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPost, "/v1/appeals/missing/grant", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAppealNeedsJustification(t *testing.T) {
	_, router := setupCortex(t)
	w := do(t, router, http.MethodPost, "/v1/appeals", gin.H{"action_id": "a1", "action_type": "rm_rf"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelTaskQueuesRequest(t *testing.T) {
	cx, router := setupCortex(t)
	w := do(t, router, http.MethodPost, "/v1/tasks/t1/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	b := cx.Kernel.Queue().Drain()
	require.Len(t, b, 1)
	assert.Equal(t, types.NewFact("task_cancelled", types.Name("/t1")), b[0].Fact)
}

func addCampaign(t *testing.T, cx *system.Cortex) {
	t.Helper()
	require.NoError(t, cx.Scheduler.Add(&campaign.Campaign{
		ID:     "c1",
		Title:  "auth hardening",
		Status: campaign.StatusActive,
		Phases: []campaign.Phase{
			{ID: "c1_p1", Name: "build", Tasks: []campaign.Task{
				{ID: "t1", Description: "wire auth middleware", Type: campaign.TaskTypeFileModify},
			}},
			{ID: "c1_p2", Name: "polish", Order: 1, Tasks: []campaign.Task{
				{ID: "t2", Description: "docs", Type: campaign.TaskTypeDocument},
			}},
		},
	}))
}

func TestResolveTask(t *testing.T) {
	cx, router := setupCortex(t)
	addCampaign(t, cx)
	require.NoError(t, cx.Scheduler.Block("t1", "verification_exhausted"))

	w := do(t, router, http.MethodPost, "/v1/tasks/t1/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "/t1", decode(t, w)["id"])
	task, _ := cx.Scheduler.Task("/t1")
	assert.Equal(t, campaign.TaskPending, task.Status)

	w = do(t, router, http.MethodPost, "/v1/tasks/t1/resolve", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "t1 is no longer blocked")

	w = do(t, router, http.MethodPost, "/v1/tasks/intent_9/resolve", nil)
	assert.Equal(t, http.StatusOK, w.Code, "tasks outside campaigns reset their budget only")
}

func TestCampaignPauseResume(t *testing.T) {
	cx, router := setupCortex(t)
	addCampaign(t, cx)

	w := do(t, router, http.MethodPost, "/v1/campaigns/c1/pause", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(campaign.StatusPaused), decode(t, w)["status"])
	c, _ := cx.Scheduler.Get("c1")
	assert.Equal(t, campaign.StatusPaused, c.Status)

	w = do(t, router, http.MethodPost, "/v1/campaigns/c1/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPost, "/v1/campaigns/c1/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	c, _ = cx.Scheduler.Get("c1")
	assert.Equal(t, campaign.StatusActive, c.Status)

	w = do(t, router, http.MethodPost, "/v1/campaigns/nope/pause", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCampaignReplan(t *testing.T) {
	cx, router := setupCortex(t)
	addCampaign(t, cx)

	w := do(t, router, http.MethodPost, "/v1/campaigns/c1/replan", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/v1/campaigns/c1/replan",
		map[string]any{"reason": "new_requirement", "details": "add SSO"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "/new_requirement", decode(t, w)["reason"])
	c, _ := cx.Scheduler.Get("c1")
	require.Len(t, c.ReplanTriggers, 1)
	assert.Equal(t, "add SSO", c.ReplanTriggers[0].Details)

	w = do(t, router, http.MethodPost, "/v1/campaigns/nope/replan", map[string]any{"reason": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSkipPhase(t *testing.T) {
	cx, router := setupCortex(t)
	addCampaign(t, cx)

	w := do(t, router, http.MethodPost, "/v1/phases/c1_p2/skip", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	c, _ := cx.Scheduler.Get("c1")
	assert.Equal(t, campaign.PhaseSkipped, c.Phases[1].Status)

	w = do(t, router, http.MethodPost, "/v1/phases/c1_p2/skip", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = do(t, router, http.MethodPost, "/v1/phases/ghost/skip", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := setupCortex(t)
	w := do(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
