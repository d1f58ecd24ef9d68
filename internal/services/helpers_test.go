package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"asset-monitor/internal/models"
	"asset-monitor/internal/risk"
	"asset-monitor/internal/store"
)

type fakeFeed struct {
	mu      sync.Mutex
	prices  map[SymbolKey]float64
	calls   int
	batches int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{prices: make(map[SymbolKey]float64)}
}

func (f *fakeFeed) set(symbol string, class models.AssetClass, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[SymbolKey{Symbol: symbol, Class: class}] = price
}

func (f *fakeFeed) FetchPrice(_ context.Context, symbol string, class models.AssetClass) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	p, ok := f.prices[SymbolKey{Symbol: symbol, Class: class}]
	return p, ok
}

func (f *fakeFeed) FetchPrices(_ context.Context, keys []SymbolKey) map[SymbolKey]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	out := make(map[SymbolKey]float64)
	for _, k := range keys {
		f.calls++
		if p, ok := f.prices[k]; ok {
			out[k] = p
		}
	}
	return out
}

func (f *fakeFeed) counts() (calls, batches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.batches
}

type recordingNotifier struct {
	mu        sync.Mutex
	risk      []models.RiskAlert
	sells     []AutoSellNotice
	approvals []ApprovalRequest
}

func (n *recordingNotifier) SendRiskAlert(_ context.Context, a models.RiskAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.risk = append(n.risk, a)
}

func (n *recordingNotifier) SendAutoSellNotice(_ context.Context, s AutoSellNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sells = append(n.sells, s)
}

func (n *recordingNotifier) SendApprovalRequest(_ context.Context, r ApprovalRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approvals = append(n.approvals, r)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (a *recordingAudit) Record(_ context.Context, e models.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAudit) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Kind)
	}
	return out
}

type stubExplainer struct {
	out Explanation
	err error
}

func (s stubExplainer) Explain(context.Context, models.PortfolioPosition) (Explanation, error) {
	return s.out, s.err
}

// flakyStore fails list calls while broken is set. The counters make the
// next n calls of a single-record method fail.
type flakyStore struct {
	*store.Memory
	mu     sync.Mutex
	broken bool

	getExecutionErrs int
	updateStatusErrs int
	getPositionErrs  int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Memory: store.NewMemory()}
}

func (s *flakyStore) setBroken(v bool) {
	s.mu.Lock()
	s.broken = v
	s.mu.Unlock()
}

func (s *flakyStore) isBroken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *flakyStore) failNext(counter *int, n int) {
	s.mu.Lock()
	*counter = n
	s.mu.Unlock()
}

func (s *flakyStore) take(counter *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *counter == 0 {
		return false
	}
	*counter--
	return true
}

func (s *flakyStore) ListWatchlist(ctx context.Context, userID string) ([]models.WatchlistItem, error) {
	if s.isBroken() {
		return nil, errors.New("store down")
	}
	return s.Memory.ListWatchlist(ctx, userID)
}

func (s *flakyStore) ListPositions(ctx context.Context, userID string) ([]models.PortfolioPosition, error) {
	if s.isBroken() {
		return nil, errors.New("store down")
	}
	return s.Memory.ListPositions(ctx, userID)
}

func (s *flakyStore) GetExecution(ctx context.Context, userID, id string) (models.AgentExecution, error) {
	if s.take(&s.getExecutionErrs) {
		return models.AgentExecution{}, errors.New("store down")
	}
	return s.Memory.GetExecution(ctx, userID, id)
}

func (s *flakyStore) UpdateExecutionStatus(ctx context.Context, userID, id string, from, to models.ExecutionStatus, metadata map[string]any) error {
	if s.take(&s.updateStatusErrs) {
		return errors.New("store down")
	}
	return s.Memory.UpdateExecutionStatus(ctx, userID, id, from, to, metadata)
}

func (s *flakyStore) GetPosition(ctx context.Context, userID, id string) (models.PortfolioPosition, error) {
	if s.take(&s.getPositionErrs) {
		return models.PortfolioPosition{}, errors.New("store down")
	}
	return s.Memory.GetPosition(ctx, userID, id)
}

// addPricedPosition stores a position already valued at price.
func addPricedPosition(t *testing.T, st store.Store, userID, symbol string, class models.AssetClass, qty, bought, price float64) models.PortfolioPosition {
	t.Helper()
	ctx := context.Background()
	pos := models.PortfolioPosition{UserID: userID, Symbol: symbol, AssetClass: class, Quantity: qty, BoughtPrice: bought}
	require.NoError(t, st.AddPosition(ctx, &pos))
	pos.Revalue(price)
	pos.RiskLevel, pos.RiskScore = risk.Score(pos.ProfitLossPercent, pos.AssetClass)
	require.NoError(t, st.UpdatePosition(ctx, userID, pos))
	return pos
}
