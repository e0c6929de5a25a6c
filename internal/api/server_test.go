// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mrt46/my-freqtrade/internal/api"
	"github.com/mrt46/my-freqtrade/internal/config"
	"github.com/mrt46/my-freqtrade/internal/data"
	"github.com/mrt46/my-freqtrade/internal/metrics"
	"github.com/mrt46/my-freqtrade/internal/orchestrator"
	"go.uber.org/zap"
)

func setupTestServer(t *testing.T, mutate ...func(*config.ServerConfig)) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()

	cfg := orchestrator.DefaultConfig()
	cfg.Pairs = []string{"BTC/USDT", "ETH/USDT"}
	rec := metrics.New()
	orch, err := orchestrator.New(logger, nil, cfg, orchestrator.WithMetrics(rec))
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	serverCfg := config.Default().Server
	serverCfg.RateLimit = 1000
	serverCfg.RateBurst = 1000
	for _, m := range mutate {
		m(&serverCfg)
	}
	server := api.NewServer(logger, serverCfg, orch, rec.Handler())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		orch.Stop(context.Background())
	})
	return server, ts
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	decode(t, resp, &result)
	if result["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", result["status"])
	}
	if result["pairs"] != float64(2) {
		t.Errorf("Expected 2 pairs, got %v", result["pairs"])
	}
}

func TestPairEndpoints(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/pairs")
	if err != nil {
		t.Fatalf("Pairs request failed: %v", err)
	}
	var list struct {
		Count int `json:"count"`
	}
	decode(t, resp, &list)
	if list.Count != 2 {
		t.Errorf("Expected 2 pairs, got %d", list.Count)
	}

	resp, err = http.Get(ts.URL + "/api/v1/pairs/btc-usdt")
	if err != nil {
		t.Fatalf("Pair request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var snap struct {
		Pair  string `json:"pair"`
		Ready bool   `json:"ready"`
	}
	decode(t, resp, &snap)
	if snap.Pair != "BTC/USDT" || snap.Ready {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	resp, err = http.Get(ts.URL + "/api/v1/pairs/SOL-USDT")
	if err != nil {
		t.Fatalf("Pair request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestSubmitBar(t *testing.T) {
	_, ts := setupTestServer(t)
	bar := data.Sideways(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour, 1, 100)[0]
	body, _ := json.Marshal(bar)

	resp := postJSON(t, ts.URL+"/api/v1/pairs/BTC_USDT/bars", string(body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var res struct {
		Outcome string `json:"outcome"`
	}
	decode(t, resp, &res)
	if res.Outcome != "not_ready" {
		t.Errorf("Expected not_ready, got %s", res.Outcome)
	}

	resp = postJSON(t, ts.URL+"/api/v1/pairs/BTC_USDT/bars", string(body))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409 for a repeated bar, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/pairs/BTC_USDT/bars", `{"timestamp":"2024-01-02T00:00:00Z","open":"10","high":"9","low":"8","close":"9","volume":"1"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a malformed bar, got %d", resp.StatusCode)
	}
}

func TestRecordOutcome(t *testing.T) {
	_, ts := setupTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/outcomes", `{"strategyId":"grid","pair":"BTC/USDT","realizedProfitFraction":0.05}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}

	get, err := http.Get(ts.URL + "/api/v1/pairs/BTC-USDT")
	if err != nil {
		t.Fatalf("Pair request failed: %v", err)
	}
	var snap struct {
		Weights map[string]float64 `json:"weights"`
	}
	decode(t, get, &snap)
	if w := snap.Weights["grid"]; w < 1.0499 || w > 1.0501 {
		t.Errorf("Expected grid weight 1.05, got %f", w)
	}

	cases := map[string]int{
		`{"strategyId":"grid","pair":"SOL/USDT","realizedProfitFraction":0.01}`: http.StatusNotFound,
		`{"strategyId":"grid"}`:  http.StatusBadRequest,
		`nonsense`:               http.StatusBadRequest,
	}
	for body, want := range cases {
		resp := postJSON(t, ts.URL+"/api/v1/outcomes", body)
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("Body %s: expected status %d, got %d", body, want, resp.StatusCode)
		}
	}

	metricsResp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	defer metricsResp.Body.Close()
	text, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(text), `decision_engine_outcomes_total{pair="BTC/USDT",result="win",strategy="grid"} 1`) {
		t.Errorf("Expected outcome counter in metrics output")
	}
}

func TestRateLimit(t *testing.T) {
	_, ts := setupTestServer(t, func(c *config.ServerConfig) {
		c.RateLimit = 0.001
		c.RateBurst = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/api/v1/health")
		if err != nil {
			t.Fatalf("Health request failed: %v", err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected [200 200 429], got %v", codes)
	}
}

func TestWebSocketStreamsSubscribedEvents(t *testing.T) {
	server, ts := setupTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Hub().Run(ctx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?channels=outcome"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for server.Hub().ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("Client was never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := postJSON(t, ts.URL+"/api/v1/outcomes", `{"strategyId":"mean_reversion","pair":"ETH/USDT","realizedProfitFraction":-0.01}`)
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read message: %v", err)
		}
		var msg api.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("Failed to decode message: %v", err)
		}
		if msg.Type == api.MsgTypeHeartbeat {
			continue
		}
		if msg.Type != api.MsgTypeOutcome || msg.Channel != "outcome" {
			t.Fatalf("Expected an outcome message, got %s on %s", msg.Type, msg.Channel)
		}
		var ev struct {
			Pair string `json:"pair"`
		}
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("Failed to decode event: %v", err)
		}
		if ev.Pair != "ETH/USDT" {
			t.Errorf("Expected ETH/USDT, got %s", ev.Pair)
		}
		return
	}
}
