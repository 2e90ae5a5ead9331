package orchestrator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcourt/verdict/pkg/config"
	"github.com/agentcourt/verdict/pkg/escrow"
)

type serverHarness struct {
	ts      *httptest.Server
	manager *Manager
}

func newServerHarness(t *testing.T, profile Profile) *serverHarness {
	t.Helper()
	backend, err := escrow.OpenDryRun(escrow.Config{
		ChainID:    48816,
		DryRun:     true,
		MockDBPath: filepath.Join(t.TempDir(), "mock.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	manager := newTestManager(&stubFlow{})
	chain := config.Chain{ChainID: 48816, ExplorerURL: "https://explorer.example"}
	handler := NewServer(manager, backend, chain, nil).WithDefaults(profile).Handler()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &serverHarness{ts: ts, manager: manager}
}

func (h *serverHarness) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (h *serverHarness) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestServerCreateAndFetchRun(t *testing.T) {
	h := newServerHarness(t, Profile{})

	resp, body := h.post(t, "/runs", map[string]any{
		"mode": "happy", "autoRun": false, "agreementWindowSec": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runID := body["runId"].(string)
	assert.Equal(t, StatusPending, body["status"])

	resp, run := h.get(t, "/runs/"+runID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "happy", run["mode"])

	resp, list := h.get(t, "/runs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list["runs"], 1)
}

func TestServerCreateRunValidation(t *testing.T) {
	h := newServerHarness(t, Profile{})

	resp, body := h.post(t, "/runs", map[string]any{"mode": "chaos"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["detail"], "mode must be")

	raw, err := http.Post(h.ts.URL+"/runs", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestServerAppliesProfileDefaults(t *testing.T) {
	h := newServerHarness(t, Profile{DefaultMode: ModeDispute, AgreementWindowSec: 3})

	resp, body := h.post(t, "/runs", map[string]any{"autoRun": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ModeDispute, body["mode"])

	_, run := h.get(t, "/runs/"+body["runId"].(string))
	artifacts := run["artifacts"].(map[string]any)
	assert.EqualValues(t, 3, artifacts["agreementWindowSec"])
}

func TestServerRunNotFound(t *testing.T) {
	h := newServerHarness(t, Profile{})

	resp, _ := h.get(t, "/runs/run-missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := h.post(t, "/runs/run-missing/cancel", map[string]any{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
}

func TestServerStartDeferredRun(t *testing.T) {
	h := newServerHarness(t, Profile{})

	_, created := h.post(t, "/runs", map[string]any{
		"mode": "happy", "autoRun": false, "agreementWindowSec": 1,
	})
	runID := created["runId"].(string)

	resp, started := h.post(t, "/runs/"+runID+"/start", map[string]any{"agreementWindowSec": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, []any{StatusQueued, StatusRunning, StatusComplete}, started["status"])
	waitTerminal(t, h.manager, runID)
}

func TestServerHealthAndConfig(t *testing.T) {
	h := newServerHarness(t, Profile{})

	resp, health := h.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])
	escrowInfo := health["escrow"].(map[string]any)
	assert.Equal(t, true, escrowInfo["dryRun"])

	resp, cfg := h.get(t, "/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	services := cfg["services"].(map[string]any)
	assert.Contains(t, services, "runner")

	resp, svc := h.get(t, "/health/services")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", svc["status"])
}

func TestServerCORSPreflight(t *testing.T) {
	h := newServerHarness(t, Profile{})

	req, err := http.NewRequest(http.MethodOptions, h.ts.URL+"/runs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServerStreamReplaysRun(t *testing.T) {
	h := newServerHarness(t, Profile{})

	_, created := h.post(t, "/runs", map[string]any{
		"mode": "happy", "autoRun": true, "agreementWindowSec": 1,
	})
	runID := created["runId"].(string)
	waitTerminal(t, h.manager, runID)

	resp, err := http.Get(h.ts.URL + "/runs/" + runID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var sawComplete bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		if event["type"] == "run.complete" {
			sawComplete = true
			break
		}
	}
	assert.True(t, sawComplete)
}
