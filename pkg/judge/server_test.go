package judge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcourt/verdict/pkg/protocol"
)

func judgeGet(t *testing.T, ts *httptest.Server, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestServerVerdictEndpoints(t *testing.T) {
	h := newCourtHarness(t, nil)
	base := int64(1700000000000)

	disputeID := h.fileCase(t, "agr-api", []caseReceipt{
		{eventType: protocol.EventRequest, timestamp: base, requestID: "req-1", payload: map[string]any{}},
		{eventType: protocol.EventResponse, timestamp: base + 4000, requestID: "req-1", payload: map[string]any{}},
	})
	require.NoError(t, h.service.HandleDispute(context.Background(), disputeID))

	ts := httptest.NewServer(NewServer(h.service, nil).Handler())
	defer ts.Close()

	resp, list := judgeGet(t, ts, "/verdicts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, list["count"])

	resp, verdict := judgeGet(t, ts, "/verdicts/1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, h.consumerAddr, verdict["winner"])

	// The /api/ alias serves the same document.
	_, aliased := judgeGet(t, ts, "/api/verdicts/1")
	assert.Equal(t, verdict["verdictId"], aliased["verdictId"])

	resp, _ = judgeGet(t, ts, "/verdicts/99")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, problem := judgeGet(t, ts, "/verdicts/first")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, problem["detail"], "integer")

	resp, health := judgeGet(t, ts, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])
	capabilities := health["capabilities"].(map[string]any)
	assert.Equal(t, true, capabilities["submitRuling"])
}
