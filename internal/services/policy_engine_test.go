package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asset-monitor/internal/models"
	"asset-monitor/internal/risk"
	"asset-monitor/internal/store"
)

type engineFixture struct {
	flaky    *flakyStore
	store    *store.Memory
	hub      *AlertHub
	notifier *recordingNotifier
	audit    *recordingAudit
	engine   *PolicyEngine
	now      time.Time
}

func newEngineFixture(t *testing.T, explainer Explainer, opts PolicyOptions) *engineFixture {
	t.Helper()
	flaky := newFlakyStore()
	f := &engineFixture{
		flaky:    flaky,
		store:    flaky.Memory,
		hub:      NewAlertHub(nil, nil),
		notifier: &recordingNotifier{},
		audit:    &recordingAudit{},
		now:      time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	f.engine = NewPolicyEngine(PolicyDeps{
		Store:     f.flaky,
		Hub:       f.hub,
		Notifier:  f.notifier,
		Audit:     f.audit,
		Explainer: explainer,
	}, opts).WithClock(func() time.Time { return f.now })
	return f
}

func TestEvaluateAutoSellsImmediately(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{})
	ctx := context.Background()
	pos := addPricedPosition(t, f.store, "u1", "AAPL", models.AssetStock, 3, 100, 80)
	require.Equal(t, -20.0, pos.ProfitLossPercent)

	cfg := models.AgentConfig{ExecutionMode: models.ModeAuto, MaxLossPercent: 20}
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	require.NotNil(t, exec)

	assert.Equal(t, models.ExecutionExecuted, exec.Status)
	assert.Equal(t, 80.0, exec.Metadata["sell_price"])
	assert.Equal(t, 3.0, exec.Metadata["sell_quantity"])
	assert.Equal(t, -60.0, exec.Metadata["realized_pl"])
	assert.Equal(t, "sell 3 units of AAPL at price 80.00", exec.Action)

	stored, err := f.store.GetExecution(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, stored.Status)

	sold, err := f.store.GetPosition(ctx, "u1", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionSold, sold.Status)
	assert.Equal(t, 80.0, sold.SoldPrice)

	require.Len(t, f.notifier.sells, 1)
	assert.True(t, f.notifier.sells[0].Executed())
	assert.Contains(t, f.audit.kinds(), AuditSellExecuted)
}

func TestEvaluateBelowGateDoesNothing(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{})
	pos := addPricedPosition(t, f.store, "u1", "AAPL", models.AssetStock, 1, 100, 95)

	exec, err := f.engine.Evaluate(context.Background(), "u1", models.AgentConfig{ExecutionMode: models.ModeAuto}, pos)
	require.NoError(t, err)
	assert.Nil(t, exec)
	assert.Empty(t, f.notifier.sells)
	assert.Empty(t, f.audit.kinds())
}

func TestEvaluateNotifyUsesFallbackAndCooldown(t *testing.T) {
	f := newEngineFixture(t, stubExplainer{err: errors.New("model unavailable")}, PolicyOptions{AlertCooldown: 30 * time.Minute})
	ctx := context.Background()
	pos := addPricedPosition(t, f.store, "u1", "TSLA", models.AssetStock, 2, 100, 78)

	var hubAlerts []models.RiskAlert
	f.hub.SubscribeRisk("u1", func(a models.RiskAlert) { hubAlerts = append(hubAlerts, a) })

	cfg := models.AgentConfig{ExecutionMode: models.ModeNotify}
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	assert.Nil(t, exec)

	require.Len(t, f.notifier.risk, 1)
	alert := f.notifier.risk[0]
	assert.Equal(t, models.RiskCritical, alert.RiskLevel)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, risk.RecommendProtectCapital, alert.Recommendation)
	require.Len(t, hubAlerts, 1)
	assert.Equal(t, []string{AuditRiskAlert}, f.audit.kinds())

	// Inside the cooldown nothing is repeated.
	f.now = f.now.Add(10 * time.Minute)
	_, err = f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	assert.Len(t, f.notifier.risk, 1)

	f.now = f.now.Add(25 * time.Minute)
	_, err = f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	assert.Len(t, f.notifier.risk, 2)

	// The position itself is untouched in notify mode.
	stored, err := f.store.GetPosition(ctx, "u1", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionOpen, stored.Status)
}

func TestEvaluateUsesExplainerText(t *testing.T) {
	f := newEngineFixture(t, stubExplainer{out: Explanation{Reason: "Earnings miss.", Recommendation: "Trim now."}}, PolicyOptions{})
	pos := addPricedPosition(t, f.store, "u1", "NFLX", models.AssetStock, 1, 100, 70)

	_, err := f.engine.Evaluate(context.Background(), "u1", models.AgentConfig{}, pos)
	require.NoError(t, err)
	require.Len(t, f.notifier.risk, 1)
	assert.Equal(t, "Earnings miss.", f.notifier.risk[0].Reason)
	assert.Equal(t, "Trim now.", f.notifier.risk[0].Recommendation)
}

func TestAskPermissionApproveAndReject(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{ApprovalsBaseURL: "http://host/api/executions/"})
	ctx := context.Background()
	cfg := models.AgentConfig{ExecutionMode: models.ModeAskPermission}

	pos := addPricedPosition(t, f.store, "u1", "BTC", models.AssetCrypto, 0.5, 60000, 30000)
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, models.ExecutionPendingApproval, exec.Status)
	assert.True(t, exec.RequiresApproval)

	require.Len(t, f.notifier.approvals, 1)
	req := f.notifier.approvals[0]
	assert.Equal(t, "http://host/api/executions/"+exec.ID+"/approve", req.ApprovalLink)
	assert.Equal(t, "sell 0.5 units of BTC at price 30000.00", req.Action)

	// An open request blocks a second one for the same position.
	again, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	assert.Nil(t, again)

	_, err = f.engine.Approve(ctx, "u2", exec.ID)
	assert.ErrorIs(t, err, store.ErrForbidden)

	approved, err := f.engine.Approve(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, approved.Status)
	assert.Equal(t, 30000.0, approved.Metadata["sell_price"])

	_, err = f.engine.Approve(ctx, "u1", exec.ID)
	assert.ErrorIs(t, err, ErrExecutionState)
	_, err = f.engine.Reject(ctx, "u1", exec.ID)
	assert.ErrorIs(t, err, ErrExecutionState)
	stored, err := f.store.GetExecution(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, stored.Status)

	sold, err := f.store.GetPosition(ctx, "u1", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionSold, sold.Status)

	other := addPricedPosition(t, f.store, "u1", "ETH", models.AssetCrypto, 2, 4000, 2000)
	pending, err := f.engine.Evaluate(ctx, "u1", cfg, other)
	require.NoError(t, err)
	require.NotNil(t, pending)

	rejected, err := f.engine.Reject(ctx, "u1", pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRejected, rejected.Status)

	open, err := f.store.GetPosition(ctx, "u1", other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionOpen, open.Status)
	assert.Contains(t, f.audit.kinds(), AuditExecutionReject)
}

func TestScheduledSellFiresOnce(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{})
	ctx := context.Background()
	cfg := models.AgentConfig{ExecutionMode: models.ModeAuto, EmailBeforeSell: true, WaitTimeMinutes: 30}

	pos := addPricedPosition(t, f.store, "u1", "AMD", models.AssetStock, 10, 100, 75)
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, models.ExecutionScheduled, exec.Status)
	require.NotNil(t, exec.ScheduledFor)
	assert.Equal(t, f.now.Add(30*time.Minute), *exec.ScheduledFor)
	assert.Equal(t, 1, f.engine.Pending())

	require.Len(t, f.notifier.sells, 1)
	assert.False(t, f.notifier.sells[0].Executed())

	assert.Equal(t, 0, f.engine.ProcessDue(ctx, f.now.Add(29*time.Minute)))

	// The latest stored price is used for the sell.
	pos.Revalue(72)
	require.NoError(t, f.store.UpdatePosition(ctx, "u1", pos))

	assert.Equal(t, 1, f.engine.ProcessDue(ctx, f.now.Add(30*time.Minute)))
	assert.Equal(t, 0, f.engine.ProcessDue(ctx, f.now.Add(2*time.Hour)))
	assert.Equal(t, 0, f.engine.Pending())

	done, err := f.store.GetExecution(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, done.Status)
	assert.Equal(t, 72.0, done.Metadata["sell_price"])
	assert.Len(t, f.notifier.sells, 2)
}

func TestScheduledSellCancelledWhenPositionGone(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{})
	ctx := context.Background()
	cfg := models.AgentConfig{ExecutionMode: models.ModeAuto, EmailBeforeSell: true, WaitTimeMinutes: 5}

	pos := addPricedPosition(t, f.store, "u1", "AMD", models.AssetStock, 10, 100, 75)
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	require.NoError(t, f.store.RemovePosition(ctx, "u1", pos.ID))

	assert.Equal(t, 0, f.engine.ProcessDue(ctx, f.now.Add(time.Hour)))
	done, err := f.store.GetExecution(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, done.Status)
}

func TestRejectScheduledSellRemovesItFromQueue(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{})
	ctx := context.Background()
	cfg := models.AgentConfig{ExecutionMode: models.ModeAuto, EmailBeforeSell: true, WaitTimeMinutes: 5}

	pos := addPricedPosition(t, f.store, "u1", "AMD", models.AssetStock, 10, 100, 75)
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)

	cancelled, err := f.engine.Reject(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, cancelled.Status)
	assert.Equal(t, 0, f.engine.Pending())
	assert.Equal(t, 0, f.engine.ProcessDue(ctx, f.now.Add(time.Hour)))
}

func TestRestoreReloadsScheduledSells(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{})
	ctx := context.Background()
	cfg := models.AgentConfig{ExecutionMode: models.ModeAuto, EmailBeforeSell: true, WaitTimeMinutes: 15}

	pos := addPricedPosition(t, f.store, "u1", "INTC", models.AssetStock, 4, 50, 35)
	_, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)

	restarted := NewPolicyEngine(PolicyDeps{Store: f.store, Notifier: f.notifier}, PolicyOptions{}).
		WithClock(func() time.Time { return f.now })
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The restored position is not evaluated a second time.
	again, err := restarted.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	assert.Nil(t, again)

	assert.Equal(t, 1, restarted.ProcessDue(ctx, f.now.Add(15*time.Minute)))
}

func TestScheduledSellSurvivesFailedLookup(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{})
	ctx := context.Background()
	cfg := models.AgentConfig{ExecutionMode: models.ModeAuto, EmailBeforeSell: true, WaitTimeMinutes: 5}

	pos := addPricedPosition(t, f.store, "u1", "AMD", models.AssetStock, 10, 100, 75)
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	require.NotNil(t, exec)

	f.flaky.failNext(&f.flaky.getExecutionErrs, 1)
	assert.Equal(t, 0, f.engine.ProcessDue(ctx, f.now.Add(10*time.Minute)))
	assert.Equal(t, 1, f.engine.Pending())

	// The position stays reserved while the sell is outstanding.
	again, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	assert.Nil(t, again)

	assert.Equal(t, 1, f.engine.ProcessDue(ctx, f.now.Add(20*time.Minute)))
	assert.Equal(t, 0, f.engine.Pending())

	done, err := f.store.GetExecution(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, done.Status)
	sold, err := f.store.GetPosition(ctx, "u1", pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionSold, sold.Status)
}

func TestScheduledSellRetriesWhenPositionUnreadable(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{RetryDelay: time.Minute})
	ctx := context.Background()
	cfg := models.AgentConfig{ExecutionMode: models.ModeAuto, EmailBeforeSell: true, WaitTimeMinutes: 5}

	pos := addPricedPosition(t, f.store, "u1", "AMD", models.AssetStock, 10, 100, 75)
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)

	f.flaky.failNext(&f.flaky.getPositionErrs, 1)
	assert.Equal(t, 0, f.engine.ProcessDue(ctx, f.now.Add(5*time.Minute)))
	pending, err := f.store.GetExecution(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionScheduled, pending.Status)
	assert.Equal(t, 1, f.engine.Pending())

	assert.Equal(t, 0, f.engine.ProcessDue(ctx, f.now.Add(5*time.Minute+30*time.Second)))
	assert.Equal(t, 1, f.engine.ProcessDue(ctx, f.now.Add(6*time.Minute)))

	done, err := f.store.GetExecution(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, done.Status)
}

func TestRejectKeepsScheduledSellWhenUpdateFails(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{})
	ctx := context.Background()
	cfg := models.AgentConfig{ExecutionMode: models.ModeAuto, EmailBeforeSell: true, WaitTimeMinutes: 5}

	pos := addPricedPosition(t, f.store, "u1", "AMD", models.AssetStock, 10, 100, 75)
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)

	f.flaky.failNext(&f.flaky.updateStatusErrs, 1)
	_, err = f.engine.Reject(ctx, "u1", exec.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExecutionState)

	stored, err := f.store.GetExecution(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionScheduled, stored.Status)
	assert.Equal(t, 1, f.engine.Pending())
	assert.NotContains(t, f.audit.kinds(), AuditExecutionReject)

	assert.Equal(t, 1, f.engine.ProcessDue(ctx, f.now.Add(5*time.Minute)))
}

func TestApproveRevertsWhenPositionUnreadable(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{})
	ctx := context.Background()
	cfg := models.AgentConfig{ExecutionMode: models.ModeAskPermission}

	pos := addPricedPosition(t, f.store, "u1", "BTC", models.AssetCrypto, 0.5, 60000, 30000)
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	require.NotNil(t, exec)

	f.flaky.failNext(&f.flaky.getPositionErrs, 1)
	_, err = f.engine.Approve(ctx, "u1", exec.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExecutionState)

	stored, err := f.store.GetExecution(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPendingApproval, stored.Status)

	approved, err := f.engine.Approve(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, approved.Status)
}

func TestConcurrentApproveSellsOnce(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{})
	ctx := context.Background()
	cfg := models.AgentConfig{ExecutionMode: models.ModeAskPermission}

	pos := addPricedPosition(t, f.store, "u1", "BTC", models.AssetCrypto, 0.5, 60000, 30000)
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	require.NotNil(t, exec)

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Approve(ctx, "u1", exec.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrExecutionState)
	}
	assert.Equal(t, 1, ok)

	stored, err := f.store.GetExecution(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, stored.Status)
}

func TestRestoreReopensInterruptedApproval(t *testing.T) {
	f := newEngineFixture(t, nil, PolicyOptions{})
	ctx := context.Background()
	cfg := models.AgentConfig{ExecutionMode: models.ModeAskPermission}

	pos := addPricedPosition(t, f.store, "u1", "BTC", models.AssetCrypto, 0.5, 60000, 30000)
	exec, err := f.engine.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	require.NotNil(t, exec)
	require.NoError(t, f.store.UpdateExecutionStatus(ctx, "u1", exec.ID, models.ExecutionPendingApproval, models.ExecutionApproved, nil))

	restarted := NewPolicyEngine(PolicyDeps{Store: f.store, Notifier: f.notifier}, PolicyOptions{}).
		WithClock(func() time.Time { return f.now })
	_, err = restarted.Restore(ctx)
	require.NoError(t, err)

	stored, err := f.store.GetExecution(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPendingApproval, stored.Status)

	again, err := restarted.Evaluate(ctx, "u1", cfg, pos)
	require.NoError(t, err)
	assert.Nil(t, again)

	approved, err := restarted.Approve(ctx, "u1", exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionExecuted, approved.Status)
}

func TestTriggered(t *testing.T) {
	cfg := models.AgentConfig{}.WithDefaults()
	assert.True(t, Triggered(cfg, models.PortfolioPosition{RiskScore: 75}))
	assert.True(t, Triggered(cfg, models.PortfolioPosition{RiskScore: 10, ProfitLossPercent: -20}))
	assert.False(t, Triggered(cfg, models.PortfolioPosition{RiskScore: 74.9, ProfitLossPercent: -19.99}))
}
