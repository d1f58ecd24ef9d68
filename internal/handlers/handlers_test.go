package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asset-monitor/internal/models"
	"asset-monitor/internal/services"
	"asset-monitor/internal/store"
)

const testSecret = "test-secret"

type staticFeed map[string]float64

func (f staticFeed) FetchPrice(_ context.Context, symbol string, _ models.AssetClass) (float64, bool) {
	p, ok := f[symbol]
	return p, ok
}

func (f staticFeed) FetchPrices(ctx context.Context, keys []services.SymbolKey) map[services.SymbolKey]float64 {
	out := make(map[services.SymbolKey]float64)
	for _, k := range keys {
		if p, ok := f.FetchPrice(ctx, k.Symbol, k.Class); ok {
			out[k] = p
		}
	}
	return out
}

func (f staticFeed) Quote(ctx context.Context, symbol string, class models.AssetClass) (models.Quote, bool) {
	symbol = store.NormalizeSymbol(symbol)
	if class == "" {
		class = services.DetectAssetClass(symbol)
	}
	p, ok := f.FetchPrice(ctx, symbol, class)
	return models.Quote{Symbol: symbol, AssetClass: class, Price: p}, ok
}

type testServer struct {
	router  *gin.Engine
	store   *store.Memory
	engine  *services.PolicyEngine
	monitor *services.Monitor
	watch   *services.WatchlistService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	feed := staticFeed{"AAPL": 80, "MSFT": 410, "BTC": 65000}
	hub := services.NewAlertHub(nil, nil)
	engine := services.NewPolicyEngine(services.PolicyDeps{Store: st, Hub: hub}, services.PolicyOptions{})
	monitor := services.NewMonitor(st, feed, hub, engine, nil, nil, services.MonitorOptions{})
	watch := services.NewWatchlistService(st, feed, nil)

	router := gin.New()
	router.Use(CORSMiddleware())
	Routes{
		Auth:       NewAuthHandler(testSecret),
		Market:     NewMarketHandler(feed),
		Watchlist:  NewWatchlistHandler(watch),
		Portfolio:  NewPortfolioHandler(watch),
		Agent:      NewAgentHandler(services.NewAgentService(st, monitor, models.AgentConfig{}, nil)),
		Executions: NewExecutionHandler(st, engine),
	}.Mount(router)

	return &testServer{router: router, store: st, engine: engine, monitor: monitor, watch: watch}
}

func token(t *testing.T, userID, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userID": userID,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID, testSecret))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodGet, "/api/watchlist", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodGet, "/api/watchlist", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "u1", "other-secret"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	code, body := s.do(t, http.MethodGet, "/api/auth/me", "u1", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "u1", body["user"].(map[string]any)["id"])

	code, _ = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/watchlist", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestWatchlistRoutes(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, "/api/watchlist", "u1", map[string]any{"symbol": "aapl", "alertThreshold": 3})
	require.Equal(t, http.StatusCreated, code)
	item := body["item"].(map[string]any)
	assert.Equal(t, "AAPL", item["symbol"])
	id := item["id"].(string)

	code, _ = s.do(t, http.MethodPost, "/api/watchlist", "u1", map[string]any{"symbol": "AAPL", "alertThreshold": 5})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(t, http.MethodPost, "/api/watchlist", "u1", map[string]any{"symbol": "AAPL", "alertThreshold": -2})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/watchlist", "u1", map[string]any{"symbol": "NOPE", "alertThreshold": 2})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = s.do(t, http.MethodGet, "/api/watchlist", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["watchlist"], 1)

	code, _ = s.do(t, http.MethodDelete, "/api/watchlist/"+id, "u2", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = s.do(t, http.MethodDelete, "/api/watchlist/missing", "u1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = s.do(t, http.MethodDelete, "/api/watchlist/"+id, "u1", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestPortfolioRoutes(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, "/api/portfolio", "u1", map[string]any{"symbol": "AAPL", "quantity": 3, "boughtPrice": 100})
	require.Equal(t, http.StatusCreated, code)
	pos := body["position"].(map[string]any)
	assert.Equal(t, "critical", pos["riskLevel"])

	code, _ = s.do(t, http.MethodPost, "/api/portfolio", "u1", map[string]any{"symbol": "XYZ", "quantity": 2, "boughtPrice": 10})
	require.Equal(t, http.StatusCreated, code)

	code, body = s.do(t, http.MethodGet, "/api/portfolio", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	summary := body["summary"].(map[string]any)
	assert.Equal(t, 320.0, summary["invested"])
	assert.Equal(t, 260.0, summary["currentValue"])
	assert.Equal(t, -60.0, summary["profitLoss"])
	assert.Equal(t, -18.75, summary["profitLossPercent"])

	code, _ = s.do(t, http.MethodGet, "/api/portfolio/"+pos["id"].(string), "u2", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestQuoteRoute(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/api/quotes/btc", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "crypto", body["assetClass"])
	assert.Equal(t, 65000.0, body["price"])

	code, _ = s.do(t, http.MethodGet, "/api/quotes/NOPE", "u1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = s.do(t, http.MethodGet, "/api/quotes/AAPL?class=bond", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAgentRoutes(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodGet, "/api/agent", "u1", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := s.do(t, http.MethodPut, "/api/agent", "u1", map[string]any{"executionMode": "ask_permission", "riskThreshold": 60})
	require.Equal(t, http.StatusOK, code)
	agent := body["agent"].(map[string]any)
	assert.Equal(t, "ask_permission", agent["config"].(map[string]any)["executionMode"])
	assert.Equal(t, 1, s.monitor.Users())

	code, _ = s.do(t, http.MethodPut, "/api/agent", "u1", map[string]any{"executionMode": "yolo"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestExecutionApprovalRoutes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	pos, err := s.watch.AddPosition(ctx, "u1", services.PositionInput{Symbol: "AAPL", Quantity: 3, BoughtPrice: 100})
	require.NoError(t, err)
	cfg := models.AgentConfig{ExecutionMode: models.ModeAskPermission}.WithDefaults()
	exec, err := s.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	require.NotNil(t, exec)

	code, body := s.do(t, http.MethodGet, "/api/executions?status=pending_approval", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["executions"], 1)

	code, _ = s.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/approve", "u2", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = s.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/approve", "u1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "executed", body["execution"].(map[string]any)["status"])

	code, _ = s.do(t, http.MethodPost, "/api/executions/"+exec.ID+"/reject", "u1", nil)
	assert.Equal(t, http.StatusConflict, code)

	_, err = s.store.GetPosition(ctx, "u1", pos.ID)
	require.NoError(t, err)
	list, err := s.watch.Positions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
