package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/e2e-core/internal/bus"
	"github.com/barrhawk/e2e-core/internal/config"
	"github.com/barrhawk/e2e-core/internal/doctor"
)

type fakeBusClient struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeBusClient) Send(target, msgType string, payload any) (bus.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msgType)
	return bus.Message{}, nil
}

func (f *fakeBusClient) Request(ctx context.Context, target, msgType string, payload any) (bus.Message, error) {
	return bus.Message{}, context.DeadlineExceeded
}

func (f *fakeBusClient) On(msgType string, h bus.Handler) {}

func (f *fakeBusClient) Connected() bool { return true }

func testConfig() config.Doctor {
	return config.Doctor{
		MaxActivePlans:          50,
		FailureThresholdForTool: 2,
		RateLimitRequestsPerSec: 100,
		RateLimitBurst:          100,
		AllowLocalhost:          true,
	}
}

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc := doctor.NewService(testConfig(), &fakeBusClient{}, nil, nil, nil, nil)
	svc.RegisterHandlers()
	srv := NewServer(svc, nil)
	return httptest.NewServer(srv.Handler)
}

func TestHandleHealthReportsFullShape(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	for _, key := range []string{
		"status", "version", "uptime", "pid", "bridgeConnected",
		"planLimits", "reconnection", "experience", "igors",
	} {
		assert.Contains(t, body, key)
	}
}

func TestHandleSubmitPlanReturns200OnSuccess(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t)
	defer ts.Close()

	body, err := json.Marshal(map[string]string{
		"intent": "navigate to http://localhost:8080",
	})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/plan", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleSubmitPlanReturns400OnValidationFailure(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t)
	defer ts.Close()

	body, err := json.Marshal(map[string]string{
		"intent": "navigate to ftp://example.com",
	})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/plan", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "validation_failed", payload["kind"])
}

func TestHandleSubmitPlanReturns503OnOverload(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxActivePlans = 1
	svc := doctor.NewService(cfg, &fakeBusClient{}, nil, nil, nil, nil)
	svc.RegisterHandlers()
	srv := NewServer(svc, nil)
	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	body, err := json.Marshal(map[string]string{"intent": "navigate to https://example.com"})
	require.NoError(t, err)

	resp1, err := http.Post(ts.URL+"/plan", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp1.Body.Close()
	assert.Equal(t, http.StatusOK, resp1.StatusCode)

	resp2, err := http.Post(ts.URL+"/plan", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&payload))
	assert.Equal(t, "overload", payload["kind"])
}

func TestHandleSubmitPlanSuppressesBranchingWhenForced(t *testing.T) {
	t.Parallel()
	ts := startTestServer(t)
	defer ts.Close()

	forceFalse := false
	body, err := json.Marshal(map[string]any{
		"intent":         "sign up as an admin or a guest user",
		"url":            "https://example.com",
		"forceBranching": &forceFalse,
	})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/plan", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.NotContains(t, payload, "branchingPlan")
	assert.Contains(t, payload, "plan")
}
