package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator/controlplane/internal/approval"
	"github.com/orchestrator/controlplane/internal/clock"
	"github.com/orchestrator/controlplane/internal/config"
	"github.com/orchestrator/controlplane/internal/crypto"
	"github.com/orchestrator/controlplane/internal/inforequest"
	"github.com/orchestrator/controlplane/internal/lease"
	"github.com/orchestrator/controlplane/internal/logbus"
	"github.com/orchestrator/controlplane/internal/quota"
	"github.com/orchestrator/controlplane/internal/retry"
	"github.com/orchestrator/controlplane/internal/runlifecycle"
	"github.com/orchestrator/controlplane/internal/scheduler"
	"github.com/orchestrator/controlplane/internal/store/memstore"
)

func buildHandler(t *testing.T, requireApproval bool) (*APIHandler, *clock.Fake) {
	t.Helper()
	st := memstore.New()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	gate := approval.New(st, clk, requireApproval)
	meter := quota.New()
	sched := scheduler.New(st, gate, meter, clk, nil)
	bus := logbus.New(nil)
	policy := retry.Policy{MaxRetries: 2, BackoffBaseSeconds: 1}
	leaseMgr := lease.New(st, clk, bus, nil, func(ctx context.Context, workItemID string) (bool, error) {
		return runlifecycle.Exhausted(ctx, st, workItemID, policy)
	})
	lc := runlifecycle.New(st, bus, leaseMgr, sched, clk, nil, policy)
	infoChannel := inforequest.New(st, clk, crypto.NoopProvider{}, "")
	cfg := &config.Config{DefaultClaimTTL: 300 * time.Second, RequireApproval: requireApproval}
	h := NewAPIHandler(st, sched, leaseMgr, lc, gate, meter, infoChannel, bus, clk, nil, nil, nil, cfg)
	return h, clk
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func doRawList(t *testing.T, srv *httptest.Server, method, path string) (int, []map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out []map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHTTP_ChainedDependencyScenario(t *testing.T) {
	h, _ := buildHandler(t, false)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	status, proj := doJSON(t, srv, "POST", "/projects/", map[string]any{"name": "p1"})
	require.Equal(t, http.StatusCreated, status)
	projectID := proj["id"].(string)

	status, wiA := doJSON(t, srv, "POST", "/work-items/", map[string]any{"project_id": projectID, "title": "A"})
	require.Equal(t, http.StatusCreated, status)
	workItemA := wiA["id"].(string)

	status, wiB := doJSON(t, srv, "POST", "/work-items/", map[string]any{"project_id": projectID, "title": "B"})
	require.Equal(t, http.StatusCreated, status)
	workItemB := wiB["id"].(string)

	status, _ = doJSON(t, srv, "POST", "/scheduler/enqueue", map[string]any{"work_item_id": workItemA})
	require.Equal(t, http.StatusCreated, status)
	status, _ = doJSON(t, srv, "POST", "/scheduler/enqueue", map[string]any{"work_item_id": workItemB, "depends_on_work_item_id": workItemA})
	require.Equal(t, http.StatusCreated, status)

	status, summary := doJSON(t, srv, "POST", "/scheduler/tick", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, summary["promoted"].([]any), 1)

	status, runsRaw := doRawList(t, srv, "GET", "/work-items/"+workItemA+"/runs")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, runsRaw, 1)
	runID := runsRaw[0]["id"].(string)

	status, claimed := doJSON(t, srv, "POST", "/work-items/runs/"+runID+"/claim", map[string]any{"agent_id": "agent-1"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "running", claimed["state"])

	status, _ = doJSON(t, srv, "POST", "/work-items/runs/"+runID+"/complete?success=true", map[string]any{"agent_id": "agent-1"})
	require.Equal(t, http.StatusOK, status)

	status, summary2 := doJSON(t, srv, "POST", "/scheduler/tick", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, summary2["promoted"].([]any), 1)

	status, runsB := doRawList(t, srv, "GET", "/work-items/"+workItemB+"/runs")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, runsB, 1)
}

func TestHTTP_ApprovalGateScenario(t *testing.T) {
	h, _ := buildHandler(t, true)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	status, proj := doJSON(t, srv, "POST", "/projects/", map[string]any{"name": "p1"})
	require.Equal(t, http.StatusCreated, status)
	projectID := proj["id"].(string)

	status, wi := doJSON(t, srv, "POST", "/work-items/", map[string]any{"project_id": projectID, "title": "W"})
	require.Equal(t, http.StatusCreated, status)
	workItemID := wi["id"].(string)

	status, _ = doJSON(t, srv, "POST", "/scheduler/enqueue", map[string]any{"work_item_id": workItemID})
	require.Equal(t, http.StatusCreated, status)

	status, summary := doJSON(t, srv, "POST", "/scheduler/tick", nil)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, summary["promoted"])

	status, apprv := doJSON(t, srv, "POST", "/work-items/"+workItemID+"/approvals", nil)
	require.Equal(t, http.StatusCreated, status)
	approvalID := apprv["id"].(string)

	status, decided := doJSON(t, srv, "POST", "/work-items/approvals/"+approvalID+"/approve", map[string]any{"approve": true})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "approved", decided["state"])

	status, summary2 := doJSON(t, srv, "POST", "/scheduler/tick", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, summary2["promoted"].([]any), 1)
}

func TestHTTP_ClaimOnHeldRunReturnsConflict(t *testing.T) {
	h, _ := buildHandler(t, false)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	status, proj := doJSON(t, srv, "POST", "/projects/", map[string]any{"name": "p1"})
	require.Equal(t, http.StatusCreated, status)
	projectID := proj["id"].(string)
	status, wi := doJSON(t, srv, "POST", "/work-items/", map[string]any{"project_id": projectID, "title": "W"})
	require.Equal(t, http.StatusCreated, status)
	workItemID := wi["id"].(string)
	doJSON(t, srv, "POST", "/scheduler/enqueue", map[string]any{"work_item_id": workItemID})
	doJSON(t, srv, "POST", "/scheduler/tick", nil)
	_, runsRaw := doRawList(t, srv, "GET", "/work-items/"+workItemID+"/runs")
	runID := runsRaw[0]["id"].(string)

	status, _ = doJSON(t, srv, "POST", "/work-items/runs/"+runID+"/claim", map[string]any{"agent_id": "agent-1"})
	require.Equal(t, http.StatusOK, status)

	status, _ = doJSON(t, srv, "POST", "/work-items/runs/"+runID+"/claim", map[string]any{"agent_id": "agent-2"})
	require.Equal(t, http.StatusConflict, status)
}

func TestHTTP_UnknownProjectValidationMapsTo400(t *testing.T) {
	h, _ := buildHandler(t, false)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	status, _ := doJSON(t, srv, "POST", "/work-items/", map[string]any{"project_id": "missing", "title": "W"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestHTTP_InfoRequestRoundTrip(t *testing.T) {
	h, _ := buildHandler(t, false)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	status, proj := doJSON(t, srv, "POST", "/projects/", map[string]any{"name": "p1"})
	require.Equal(t, http.StatusCreated, status)
	projectID := proj["id"].(string)
	status, wi := doJSON(t, srv, "POST", "/work-items/", map[string]any{"project_id": projectID, "title": "W"})
	require.Equal(t, http.StatusCreated, status)
	workItemID := wi["id"].(string)
	doJSON(t, srv, "POST", "/scheduler/enqueue", map[string]any{"work_item_id": workItemID})
	doJSON(t, srv, "POST", "/scheduler/tick", nil)
	_, runsRaw := doRawList(t, srv, "GET", "/work-items/"+workItemID+"/runs")
	runID := runsRaw[0]["id"].(string)
	doJSON(t, srv, "POST", "/work-items/runs/"+runID+"/claim", map[string]any{"agent_id": "agent-1"})

	status, infoReq := doJSON(t, srv, "POST", "/work-items/runs/"+runID+"/info-requests", map[string]any{
		"keys": []map[string]any{{"name": "region"}},
	})
	require.Equal(t, http.StatusCreated, status)
	infoReqID := infoReq["id"].(string)

	status, answered := doJSON(t, srv, "POST", "/work-items/runs/info-requests/"+infoReqID+"/respond", map[string]any{
		"response": map[string]any{"region": "us-east-1"},
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "answered", answered["state"])
}
