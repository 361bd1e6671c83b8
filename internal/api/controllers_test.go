package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpa-trader/internal/events"
	"vpa-trader/internal/exchange"
	"vpa-trader/internal/journal"
	"vpa-trader/internal/monitor"
	"vpa-trader/internal/order"
	"vpa-trader/internal/position"
	"vpa-trader/internal/risk"
	"vpa-trader/internal/signal"
	"vpa-trader/pkg/db"
)

const (
	testSecret   = "test-secret"
	testAdminKey = "test-admin"
	analysisText = "Strong bullish spring. Entry: 3000 stop: 2940 target: 3180"
)

type testEnv struct {
	ts   *httptest.Server
	ex   *exchange.Exchange
	risk *risk.Manager
	sink *journal.SQLite
	bus  *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	sink := journal.NewSQLite(database, nil)
	tracker := journal.NewTracker(sink, nil)

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	ex := exchange.New(exchange.Config{InitialBalance: 10000, DefaultLeverage: 10}, nil, bus, metrics)
	ex.UpdateMarketPrice("ETHUSDT", 3000)
	om := order.NewManager(ex, 0, nil, bus, metrics)
	pm := position.NewManager(ex, nil)
	ex.OnFill(pm.OnFill)
	ex.OnFill(tracker.OnFill)
	rm := risk.NewManager(ex, risk.Moderate, nil, bus, metrics).WithJournal(tracker).WithPerformance(pm)
	sx := signal.NewExecutor(ex, om, pm, rm, signal.DefaultSettings(), nil, bus, metrics).WithJournal(tracker)

	server := NewServer(Deps{
		Exchange:  ex,
		Orders:    om,
		Positions: pm,
		Risk:      rm,
		Signals:   sx,
		DB:        database,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: testSecret,
		AdminKey:  testAdminKey,
	})
	ts := httptest.NewServer(server.Router)
	t.Cleanup(func() {
		ts.Close()
		_ = sink.Close()
		_ = database.Close()
	})
	return &testEnv{ts: ts, ex: ex, risk: rm, sink: sink, bus: bus}
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

func (e *testEnv) token(t *testing.T) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	status := doJSONRequest(t, e.ts.Client(), http.MethodPost, e.ts.URL+"/api/auth/token", "", map[string]string{"admin_key": testAdminKey}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()

	var health map[string]any
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/health", "", nil, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["emergency_stop"])
	assert.Equal(t, "confirm", health["execution_mode"])
	prices, ok := health["prices"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), prices["symbols"])
	assert.Empty(t, prices["stale"])

	resp, err := client.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "vpa_account_equity")
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()

	var e errorBody
	status := doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/auth/token", "", map[string]string{"admin_key": "wrong"}, &e)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_CREDENTIALS", e.Code)

	status = doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/risk/emergency-stop", "", nil, &e)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "MISSING_TOKEN", e.Code)

	status = doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/risk/emergency-stop", "not-a-jwt", nil, &e)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_TOKEN", e.Code)

	forged, err := generateToken(adminSubject, "other-secret", time.Now().Add(time.Hour))
	require.NoError(t, err)
	status = doJSONRequest(t, client, http.MethodPost, env.ts.URL+"/api/risk/emergency-stop", forged, nil, &e)
	assert.Equal(t, http.StatusUnauthorized, status)

	subject, err := parseToken(env.token(t), testSecret)
	require.NoError(t, err)
	assert.Equal(t, adminSubject, subject)
}

func TestSignalConfirmAndClose(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()
	token := env.token(t)
	base := env.ts.URL + "/api"

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, doJSONRequest(t, client, http.MethodPost, base+"/signals", token, map[string]string{"symbol": "ETHUSDT"}, &e))

	var processed struct {
		Action string `json:"action"`
		Reason string `json:"reason"`
		Signal struct {
			ID       string `json:"signal_id"`
			Strength string `json:"strength"`
		} `json:"signal"`
	}
	status := doJSONRequest(t, client, http.MethodPost, base+"/signals", token, map[string]any{
		"analysis_text": analysisText,
		"symbol":        "ethusdt",
		"current_price": 3000,
	}, &processed)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "awaiting_confirmation", processed.Action, processed.Reason)
	assert.Equal(t, "strong", processed.Signal.Strength)

	var listed struct {
		History []map[string]any `json:"history"`
		Pending []map[string]any `json:"pending"`
	}
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, base+"/signals", "", nil, &listed))
	assert.Len(t, listed.History, 1)
	assert.Len(t, listed.Pending, 1)

	assert.Equal(t, http.StatusNotFound, doJSONRequest(t, client, http.MethodPost, base+"/signals/confirm", token, map[string]string{"signal_id": "nope"}, &e))

	var exec struct {
		Success  bool    `json:"success"`
		Quantity float64 `json:"quantity"`
		GroupID  string  `json:"group_id"`
	}
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPost, base+"/signals/confirm", token, map[string]string{"signal_id": processed.Signal.ID}, &exec))
	assert.True(t, exec.Success)
	assert.InDelta(t, 3.333333, exec.Quantity, 1e-9)
	assert.NotEmpty(t, exec.GroupID)

	var positions struct {
		Positions []exchange.Position `json:"positions"`
	}
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, base+"/positions", "", nil, &positions))
	require.Len(t, positions.Positions, 1)
	assert.Equal(t, exchange.Long, positions.Positions[0].Side)

	var assessment map[string]any
	assert.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, base+"/positions/ethusdt/risk", "", nil, &assessment))
	assert.Equal(t, http.StatusNotFound, doJSONRequest(t, client, http.MethodGet, base+"/positions/BTCUSDT/risk", "", nil, &e))

	var active map[string]any
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, base+"/orders/conditional", "", nil, &active))

	var closed exchange.PlaceResult
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPost, base+"/positions/ETHUSDT/close", token, nil, &closed))
	assert.True(t, closed.Accepted)
	assert.Empty(t, env.ex.GetPositions())
	assert.Equal(t, http.StatusNotFound, doJSONRequest(t, client, http.MethodPost, base+"/positions/ETHUSDT/close", token, nil, &e))

	require.NoError(t, env.sink.Flush())
	var trades struct {
		Trades []map[string]any `json:"trades"`
	}
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, base+"/journal/trades", "", nil, &trades))
	require.Len(t, trades.Trades, 1)

	var stats struct {
		Signals signal.Stats `json:"signals"`
	}
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, base+"/stats/execution", "", nil, &stats))
	assert.Equal(t, 1, stats.Signals.SuccessfulExecutions)
}

func TestConfirmAfterEmergencyStopIsRejected(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()
	token := env.token(t)
	base := env.ts.URL + "/api"

	var processed struct {
		Action string `json:"action"`
		Signal struct {
			ID string `json:"signal_id"`
		} `json:"signal"`
	}
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPost, base+"/signals", token, map[string]any{
		"analysis_text": analysisText,
		"symbol":        "ETHUSDT",
		"current_price": 3000,
	}, &processed))
	require.Equal(t, "awaiting_confirmation", processed.Action)

	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPost, base+"/risk/emergency-stop", token, map[string]string{"reason": "maintenance"}, nil))

	var e errorBody
	assert.Equal(t, http.StatusConflict, doJSONRequest(t, client, http.MethodPost, base+"/signals/confirm", token, map[string]string{"signal_id": processed.Signal.ID}, &e))
	assert.Equal(t, "SIGNAL_REJECTED", e.Code)
	assert.Empty(t, env.ex.GetPositions())
	assert.Equal(t, http.StatusNotFound, doJSONRequest(t, client, http.MethodPost, base+"/signals/confirm", token, map[string]string{"signal_id": processed.Signal.ID}, &e))
}

func TestRiskAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()
	token := env.token(t)
	base := env.ts.URL + "/api"

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, doJSONRequest(t, client, http.MethodPut, base+"/risk/level", token, map[string]string{"level": "reckless"}, &e))
	assert.Equal(t, "INVALID_LEVEL", e.Code)

	var lvl map[string]any
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPut, base+"/risk/level", token, map[string]string{"level": "Aggressive"}, &lvl))
	assert.Equal(t, risk.Aggressive, env.risk.Level())

	var stop risk.StopResult
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPost, base+"/risk/emergency-stop", token, map[string]string{"reason": "maintenance"}, &stop))
	assert.False(t, stop.AlreadyActive)
	assert.True(t, env.risk.EmergencyStopActive())

	assert.Equal(t, http.StatusBadRequest, doJSONRequest(t, client, http.MethodPost, base+"/risk/emergency-reset", token, map[string]string{"confirmation": "yes"}, &e))
	assert.Equal(t, "INVALID_CONFIRMATION", e.Code)
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPost, base+"/risk/emergency-reset", token, map[string]string{"confirmation": risk.ResetConfirmation}, nil))
	assert.False(t, env.risk.EmergencyStopActive())

	var report struct {
		Summary risk.Summary `json:"summary"`
		Report  risk.Report  `json:"report"`
	}
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, base+"/risk/report", "", nil, &report))
	assert.Equal(t, risk.Aggressive, report.Report.Level)
	assert.Equal(t, 1, report.Report.Stats.EmergencyStops)

	require.NoError(t, env.sink.Flush())
	var riskEvents struct {
		Events []map[string]any `json:"risk_events"`
	}
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, base+"/journal/risk-events", "", nil, &riskEvents))
	assert.Len(t, riskEvents.Events, 3)

	var mode signal.Settings
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPut, base+"/signals/mode", token, map[string]string{"mode": "signal_only"}, &mode))
	assert.Equal(t, signal.ModeSignalOnly, mode.Mode)
	assert.Equal(t, http.StatusBadRequest, doJSONRequest(t, client, http.MethodPut, base+"/signals/mode", token, map[string]string{"mode": "yolo"}, &e))
}

func TestOrderEndpoints(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()
	token := env.token(t)
	base := env.ts.URL + "/api"

	var e errorBody
	assert.Equal(t, http.StatusBadRequest, doJSONRequest(t, client, http.MethodGet, base+"/orders?status=bogus", "", nil, &e))
	assert.Equal(t, http.StatusNotFound, doJSONRequest(t, client, http.MethodPost, base+"/orders/missing/cancel", token, nil, &e))

	placed := env.ex.PlaceOrder(exchange.PlaceRequest{Symbol: "ETHUSDT", Side: exchange.Buy, Type: exchange.Limit, Quantity: 1, Price: 2900})
	require.True(t, placed.Accepted)

	var orders struct {
		Orders []exchange.Order `json:"orders"`
	}
	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodGet, base+"/orders?status=pending", "", nil, &orders))
	require.Len(t, orders.Orders, 1)

	require.Equal(t, http.StatusOK, doJSONRequest(t, client, http.MethodPost, base+"/orders/"+placed.OrderID+"/cancel", token, nil, nil))
	assert.Equal(t, http.StatusConflict, doJSONRequest(t, client, http.MethodPost, base+"/orders/"+placed.OrderID+"/cancel", token, nil, &e))
}

func TestWebsocketStreamsEvents(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handler subscribes after the upgrade; retry until it is listening.
	var msg events.Envelope
	deadline := time.Now().Add(2 * time.Second)
	got := make(chan events.Envelope, 1)
	go func() {
		var m events.Envelope
		if err := conn.ReadJSON(&m); err == nil {
			got <- m
		}
	}()
	for msg.Topic == "" && time.Now().Before(deadline) {
		env.bus.Publish(events.EventRiskLevelChanged, risk.LevelChange{From: risk.Moderate, To: risk.Conservative, Reason: "test"})
		select {
		case msg = <-got:
		case <-time.After(20 * time.Millisecond):
		}
	}
	assert.Equal(t, events.EventRiskLevelChanged, msg.Topic)
}
