package orchestrator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcourt/verdict/pkg/protocol"
)

func providerGet(t *testing.T, ts *httptest.Server, path string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestProviderPaymentModes(t *testing.T) {
	assert.Equal(t, "mock", NewProviderServer(true, "", nil).PaymentMode())
	assert.Equal(t, "disabled", NewProviderServer(false, "", nil).PaymentMode())
	assert.Equal(t, "wire", NewProviderServer(false, "0xseller", nil).PaymentMode())
}

func TestProviderMockGate(t *testing.T) {
	ts := httptest.NewServer(NewProviderServer(true, "", nil).Handler())
	defer ts.Close()

	resp, body := providerGet(t, ts, "/api/data", nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Contains(t, body["hint"], "x-mock-x402")

	resp, body = providerGet(t, ts, "/api/data", http.Header{"x-mock-x402": []string{"1"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "some_data", body["result"])

	// The evidence hash header commits to the exact payload served.
	hash, err := protocol.HashCanonical(body)
	require.NoError(t, err)
	assert.Equal(t, hash, resp.Header.Get("X-Evidence-Hash"))
}

func TestProviderBadPathDegrades(t *testing.T) {
	if testing.Short() {
		t.Skip("bad path sleeps past the latency threshold")
	}
	ts := httptest.NewServer(NewProviderServer(true, "", nil).Handler())
	defer ts.Close()

	start := time.Now()
	resp, body := providerGet(t, ts, "/api/data?bad=true", http.Header{"x-mock-x402": []string{"1"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, time.Since(start), badPathDelay)
	assert.Equal(t, "degraded", body["quality"])

	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "bad_format", result["unexpected"])
}

func TestProviderRequiresSellerWalletOffMock(t *testing.T) {
	ts := httptest.NewServer(NewProviderServer(false, "", nil).Handler())
	defer ts.Close()

	resp, body := providerGet(t, ts, "/api/data", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body["error"], "seller wallet")
}

func TestProviderHealth(t *testing.T) {
	ts := httptest.NewServer(NewProviderServer(true, "", nil).Handler())
	defer ts.Close()

	resp, body := providerGet(t, ts, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "mock", body["x402_mode"])
}
