package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"asset-monitor/internal/models"
	"asset-monitor/internal/risk"
	"asset-monitor/internal/store"
)

// PolicyOptions tunes the engine. Zero values pick the defaults.
type PolicyOptions struct {
	ExplainTimeout   time.Duration
	AlertCooldown    time.Duration
	ApprovalsBaseURL string
	// RetryDelay is how long a scheduled sell waits after a store failure.
	RetryDelay time.Duration
}

// PolicyDeps are the engine's collaborators. Explainer may be nil.
type PolicyDeps struct {
	Store     store.Store
	Hub       *AlertHub
	Notifier  Notifier
	Audit     AuditLog
	Explainer Explainer
	Broker    Broker
	Metrics   *Metrics
	Log       *zap.Logger
}

// PolicyEngine decides what happens to a position whose risk crossed the
// agent's limits: notify, ask for approval, or sell.
type PolicyEngine struct {
	deps PolicyDeps
	opts PolicyOptions
	now  func() time.Time

	mu        sync.Mutex
	queue     *deferredQueue
	open      map[string]string    // position id -> open execution id
	lastAlert map[string]time.Time // position id -> last evaluation that acted
	claimed   map[string]struct{}  // execution ids being resolved
}

func NewPolicyEngine(deps PolicyDeps, opts PolicyOptions) *PolicyEngine {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Broker == nil {
		deps.Broker = NewSimulatedBroker()
	}
	if deps.Notifier == nil {
		// A dispatcher without channels drops every message.
		deps.Notifier = NewDispatcher("", 0, deps.Log)
	}
	if opts.ExplainTimeout <= 0 {
		opts.ExplainTimeout = 8 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	return &PolicyEngine{
		deps:      deps,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		queue:     newDeferredQueue(),
		open:      make(map[string]string),
		lastAlert: make(map[string]time.Time),
		claimed:   make(map[string]struct{}),
	}
}

// WithClock replaces the engine's time source.
func (e *PolicyEngine) WithClock(now func() time.Time) *PolicyEngine {
	e.now = now
	return e
}

// Triggered reports whether a position enters the engine under cfg.
func Triggered(cfg models.AgentConfig, pos models.PortfolioPosition) bool {
	return pos.RiskScore >= cfg.RiskThreshold || math.Abs(pos.ProfitLossPercent) >= cfg.MaxLossPercent
}

// Evaluate applies cfg to a freshly revalued position. It returns the
// execution record it created, or nil when the position needed no record
// or was skipped.
func (e *PolicyEngine) Evaluate(ctx context.Context, userID string, cfg models.AgentConfig, pos models.PortfolioPosition) (*models.AgentExecution, error) {
	cfg = cfg.WithDefaults()
	if !Triggered(cfg, pos) || pos.CurrentPrice == nil {
		return nil, nil
	}
	if !e.admit(pos.ID) {
		return nil, nil
	}

	expl := e.explain(ctx, pos)
	alert := e.riskAlert(userID, pos, expl)
	if e.deps.Hub != nil {
		e.deps.Hub.EmitRisk(alert)
	}
	e.deps.Metrics.riskAlert(string(alert.RiskLevel))

	switch cfg.ExecutionMode {
	case models.ModeAskPermission:
		return e.requestApproval(ctx, userID, pos, expl)
	case models.ModeAuto:
		if cfg.EmailBeforeSell {
			return e.scheduleSell(ctx, userID, cfg, pos, expl)
		}
		return e.sellNow(ctx, userID, pos, expl)
	default:
		e.notify(ctx, alert)
		return nil, nil
	}
}

// admit applies the duplicate rules: no second decision while one is open,
// and at most one decision per cooldown window.
func (e *PolicyEngine) admit(positionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.open[positionID]; busy {
		return false
	}
	now := e.now()
	if last, ok := e.lastAlert[positionID]; ok && e.opts.AlertCooldown > 0 && now.Sub(last) < e.opts.AlertCooldown {
		return false
	}
	e.lastAlert[positionID] = now
	return true
}

func (e *PolicyEngine) explain(ctx context.Context, pos models.PortfolioPosition) Explanation {
	fallback := Explanation{
		Reason:         risk.FallbackReason(pos),
		Recommendation: risk.FallbackRecommendation(pos.RiskLevel, pos.LossPercent()),
	}
	if e.deps.Explainer == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.ExplainTimeout)
	defer cancel()
	out, err := e.deps.Explainer.Explain(ctx, pos)
	if err != nil {
		e.deps.Log.Debug("explainer fallback", zap.String("symbol", pos.Symbol), zap.Error(err))
		return fallback
	}
	return out
}

func (e *PolicyEngine) riskAlert(userID string, pos models.PortfolioPosition, expl Explanation) models.RiskAlert {
	return models.RiskAlert{
		UserID:            userID,
		PositionID:        pos.ID,
		Symbol:            pos.Symbol,
		AssetClass:        pos.AssetClass,
		RiskLevel:         pos.RiskLevel,
		RiskScore:         pos.RiskScore,
		CurrentPrice:      *pos.CurrentPrice,
		BoughtPrice:       pos.BoughtPrice,
		ProfitLoss:        pos.ProfitLoss,
		ProfitLossPercent: pos.ProfitLossPercent,
		Reason:            expl.Reason,
		Recommendation:    expl.Recommendation,
		Severity:          risk.Severity(pos.RiskLevel),
		Timestamp:         e.now(),
	}
}

func (e *PolicyEngine) notify(ctx context.Context, alert models.RiskAlert) {
	e.deps.Notifier.SendRiskAlert(ctx, alert)
	e.record(ctx, models.AuditEvent{
		UserID:  alert.UserID,
		Kind:    AuditRiskAlert,
		Symbol:  alert.Symbol,
		Message: fmt.Sprintf("%s risk on %s: %s", alert.RiskLevel, alert.Symbol, alert.Recommendation),
		Metadata: map[string]any{
			"position_id": alert.PositionID,
			"risk_score":  alert.RiskScore,
			"loss":        alert.ProfitLossPercent,
		},
	})
	e.deps.Metrics.execution(string(models.ModeNotify), "notified")
}

func sellAction(pos models.PortfolioPosition, price float64) string {
	return fmt.Sprintf("sell %s units of %s at price %.2f",
		decimal.NewFromFloat(pos.Quantity).String(), pos.Symbol, price)
}

func (e *PolicyEngine) baseMetadata(pos models.PortfolioPosition) map[string]any {
	return map[string]any{
		"symbol":      pos.Symbol,
		"asset_class": string(pos.AssetClass),
		"quantity":    pos.Quantity,
		"price":       *pos.CurrentPrice,
		"risk_level":  string(pos.RiskLevel),
		"risk_score":  pos.RiskScore,
		"loss":        pos.ProfitLossPercent,
	}
}

func (e *PolicyEngine) requestApproval(ctx context.Context, userID string, pos models.PortfolioPosition, expl Explanation) (*models.AgentExecution, error) {
	exec := &models.AgentExecution{
		UserID:           userID,
		PositionID:       pos.ID,
		Action:           sellAction(pos, *pos.CurrentPrice),
		Details:          expl.Reason,
		Recommendation:   expl.Recommendation,
		RequiresApproval: true,
		Metadata:         e.baseMetadata(pos),
		Status:           models.ExecutionPendingApproval,
	}
	if err := e.deps.Store.CreateExecution(ctx, exec); err != nil {
		e.forget(pos.ID)
		return nil, fmt.Errorf("create approval request: %w", err)
	}
	e.markOpen(pos.ID, exec.ID)

	e.deps.Notifier.SendApprovalRequest(ctx, ApprovalRequest{
		UserID:         userID,
		ExecutionID:    exec.ID,
		Symbol:         pos.Symbol,
		Action:         exec.Action,
		Details:        exec.Details,
		Recommendation: exec.Recommendation,
		ApprovalLink:   e.approvalLink(exec.ID),
	})
	e.record(ctx, models.AuditEvent{
		UserID:   userID,
		Kind:     AuditApprovalRequest,
		Symbol:   pos.Symbol,
		Message:  exec.Action,
		Metadata: map[string]any{"execution_id": exec.ID, "position_id": pos.ID},
	})
	e.deps.Metrics.execution(string(models.ModeAskPermission), string(exec.Status))
	return exec, nil
}

func (e *PolicyEngine) approvalLink(executionID string) string {
	base := strings.TrimRight(e.opts.ApprovalsBaseURL, "/")
	if base == "" {
		return executionID
	}
	return base + "/" + executionID + "/approve"
}

func (e *PolicyEngine) scheduleSell(ctx context.Context, userID string, cfg models.AgentConfig, pos models.PortfolioPosition, expl Explanation) (*models.AgentExecution, error) {
	due := e.now().Add(time.Duration(cfg.WaitTimeMinutes) * time.Minute)
	meta := e.baseMetadata(pos)
	meta["scheduled_for"] = due
	exec := &models.AgentExecution{
		UserID:         userID,
		PositionID:     pos.ID,
		Action:         sellAction(pos, *pos.CurrentPrice),
		Details:        expl.Reason,
		Recommendation: expl.Recommendation,
		Metadata:       meta,
		Status:         models.ExecutionScheduled,
		ScheduledFor:   &due,
	}
	if err := e.deps.Store.CreateExecution(ctx, exec); err != nil {
		e.forget(pos.ID)
		return nil, fmt.Errorf("create scheduled sell: %w", err)
	}

	e.mu.Lock()
	e.open[pos.ID] = exec.ID
	e.queue.push(deferredSell{executionID: exec.ID, userID: userID, positionID: pos.ID, due: due})
	queued := e.queue.Len()
	e.mu.Unlock()
	e.deps.Metrics.deferred(queued)

	e.deps.Notifier.SendAutoSellNotice(ctx, AutoSellNotice{
		UserID:       userID,
		ExecutionID:  exec.ID,
		Symbol:       pos.Symbol,
		Quantity:     pos.Quantity,
		Price:        *pos.CurrentPrice,
		Loss:         pos.ProfitLoss,
		LossPercent:  pos.ProfitLossPercent,
		ScheduledFor: &due,
	})
	e.record(ctx, models.AuditEvent{
		UserID:   userID,
		Kind:     AuditSellScheduled,
		Symbol:   pos.Symbol,
		Message:  fmt.Sprintf("%s after %d minutes", exec.Action, cfg.WaitTimeMinutes),
		Metadata: map[string]any{"execution_id": exec.ID, "scheduled_for": due},
	})
	e.deps.Metrics.execution(string(models.ModeAuto), string(exec.Status))
	return exec, nil
}

func (e *PolicyEngine) sellNow(ctx context.Context, userID string, pos models.PortfolioPosition, expl Explanation) (*models.AgentExecution, error) {
	price := *pos.CurrentPrice
	exec := &models.AgentExecution{
		UserID:         userID,
		PositionID:     pos.ID,
		Action:         sellAction(pos, price),
		Details:        expl.Reason,
		Recommendation: expl.Recommendation,
		Metadata:       e.baseMetadata(pos),
	}

	fill, sellErr := e.sell(ctx, userID, pos, price)
	if sellErr != nil {
		exec.Status = models.ExecutionFailed
		exec.Metadata["error"] = sellErr.Error()
	} else {
		exec.Status = models.ExecutionExecuted
		for k, v := range fillMetadata(fill, pos) {
			exec.Metadata[k] = v
		}
	}
	if err := e.deps.Store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("record sell: %w", err)
	}
	e.deps.Metrics.execution(string(models.ModeAuto), string(exec.Status))

	if sellErr != nil {
		e.record(ctx, models.AuditEvent{
			UserID:   userID,
			Kind:     AuditSellFailed,
			Symbol:   pos.Symbol,
			Message:  sellErr.Error(),
			Metadata: map[string]any{"execution_id": exec.ID, "position_id": pos.ID},
		})
		return exec, nil
	}
	e.afterSell(ctx, userID, exec.ID, pos, fill)
	return exec, nil
}

// sell fills the order and closes the position.
func (e *PolicyEngine) sell(ctx context.Context, userID string, pos models.PortfolioPosition, price float64) (Fill, error) {
	fill, err := e.deps.Broker.Sell(ctx, SellOrder{
		UserID:     userID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		AssetClass: pos.AssetClass,
		Quantity:   pos.Quantity,
		Price:      price,
	})
	if err != nil {
		return Fill{}, err
	}
	if err := e.deps.Store.MarkPositionSold(ctx, userID, pos.ID, fill.Price, fill.FilledAt); err != nil {
		e.deps.Log.Error("mark position sold",
			zap.String("user_id", userID),
			zap.String("position_id", pos.ID),
			zap.Error(err))
	}
	return fill, nil
}

func fillMetadata(fill Fill, pos models.PortfolioPosition) map[string]any {
	loss, _ := decimal.NewFromFloat(fill.Price).
		Sub(decimal.NewFromFloat(pos.BoughtPrice)).
		Mul(decimal.NewFromFloat(fill.Quantity)).
		Round(2).
		Float64()
	return map[string]any{
		"order_id":      fill.OrderID,
		"sell_price":    fill.Price,
		"sell_quantity": fill.Quantity,
		"proceeds":      fill.Proceeds,
		"realized_pl":   loss,
		"executed_at":   fill.FilledAt,
	}
}

func (e *PolicyEngine) afterSell(ctx context.Context, userID, executionID string, pos models.PortfolioPosition, fill Fill) {
	realized, _ := fillMetadata(fill, pos)["realized_pl"].(float64)
	pct := models.PercentChange(pos.BoughtPrice, fill.Price)
	e.deps.Notifier.SendAutoSellNotice(ctx, AutoSellNotice{
		UserID:      userID,
		ExecutionID: executionID,
		Symbol:      pos.Symbol,
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		Loss:        realized,
		LossPercent: pct,
	})
	e.record(ctx, models.AuditEvent{
		UserID:  userID,
		Kind:    AuditSellExecuted,
		Symbol:  pos.Symbol,
		Message: sellAction(pos, fill.Price),
		Metadata: map[string]any{
			"execution_id": executionID,
			"position_id":  pos.ID,
			"sell_price":   fill.Price,
			"realized_pl":  realized,
		},
	})
	e.deps.Log.Info("position sold",
		zap.String("user_id", userID),
		zap.String("symbol", pos.Symbol),
		zap.Float64("price", fill.Price),
		zap.Float64("quantity", fill.Quantity))
}

// ProcessDue runs every scheduled sell whose time has come. An item leaves
// the queue for good only once its execution reached a terminal status;
// when the store cannot be read it is queued again RetryDelay after now.
// It returns the number of sells executed.
func (e *PolicyEngine) ProcessDue(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	due := e.queue.popDue(now)
	queued := e.queue.Len()
	e.mu.Unlock()
	e.deps.Metrics.deferred(queued)

	executed := 0
	for _, item := range due {
		if e.runScheduled(ctx, item, now) {
			executed++
		}
	}
	return executed
}

func (e *PolicyEngine) runScheduled(ctx context.Context, item deferredSell, now time.Time) bool {
	if !e.claim(item.executionID) {
		// Approve or Reject holds it; look again after they finished.
		e.retry(item, now)
		return false
	}
	defer e.unclaim(item.executionID)

	exec, err := e.deps.Store.GetExecution(ctx, item.userID, item.executionID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrForbidden):
		e.forget(item.positionID)
		return false
	case err != nil:
		e.deps.Log.Warn("scheduled sell lookup",
			zap.String("execution_id", item.executionID),
			zap.Error(err))
		e.retry(item, now)
		return false
	}
	if exec.Status != models.ExecutionScheduled {
		e.forget(exec.PositionID)
		return false
	}

	executed, err := e.resolve(ctx, exec, models.ModeAuto)
	if err != nil {
		e.deps.Log.Warn("scheduled sell deferred",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
		e.retry(item, now)
		return false
	}
	e.forget(exec.PositionID)
	return executed
}

func (e *PolicyEngine) retry(item deferredSell, now time.Time) {
	item.due = now.Add(e.opts.RetryDelay)
	e.mu.Lock()
	e.queue.push(item)
	queued := e.queue.Len()
	e.mu.Unlock()
	e.deps.Metrics.deferred(queued)
}

// resolve sells the execution's position at its latest known price and
// moves the record from its current status to a terminal one. A non-nil
// error means nothing was sold or written and the caller may try again.
func (e *PolicyEngine) resolve(ctx context.Context, exec models.AgentExecution, mode models.ExecutionMode) (bool, error) {
	pos, err := e.deps.Store.GetPosition(ctx, exec.UserID, exec.PositionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && pos.Status == models.PositionSold) {
		if err := e.closeExecution(ctx, exec, models.ExecutionCancelled, map[string]any{"reason": "position closed"}, AuditSellCancelled); err != nil {
			return false, err
		}
		e.deps.Metrics.execution(string(mode), string(models.ExecutionCancelled))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load position: %w", err)
	}

	price := metaFloat(exec.Metadata, "price")
	if pos.CurrentPrice != nil && *pos.CurrentPrice > 0 {
		price = *pos.CurrentPrice
	}
	fill, err := e.sell(ctx, exec.UserID, pos, price)
	if err != nil {
		if err := e.closeExecution(ctx, exec, models.ExecutionFailed, map[string]any{"error": err.Error()}, AuditSellFailed); err != nil {
			return false, err
		}
		e.deps.Metrics.execution(string(mode), string(models.ExecutionFailed))
		return false, nil
	}
	// The sell happened; a failed write here must not cause a second one.
	if err := e.deps.Store.UpdateExecutionStatus(ctx, exec.UserID, exec.ID, exec.Status, models.ExecutionExecuted, fillMetadata(fill, pos)); err != nil {
		e.deps.Log.Error("record executed sell", zap.String("execution_id", exec.ID), zap.Error(err))
	}
	e.deps.Metrics.execution(string(mode), string(models.ExecutionExecuted))
	e.afterSell(ctx, exec.UserID, exec.ID, pos, fill)
	return true, nil
}

func (e *PolicyEngine) closeExecution(ctx context.Context, exec models.AgentExecution, status models.ExecutionStatus, meta map[string]any, kind string) error {
	err := e.deps.Store.UpdateExecutionStatus(ctx, exec.UserID, exec.ID, exec.Status, status, meta)
	switch {
	case errors.Is(err, store.ErrStaleStatus):
		// Someone else already closed it.
		return nil
	case err != nil:
		return fmt.Errorf("close execution: %w", err)
	}
	symbol, _ := exec.Metadata["symbol"].(string)
	e.record(ctx, models.AuditEvent{
		UserID:   exec.UserID,
		Kind:     kind,
		Symbol:   symbol,
		Message:  fmt.Sprintf("%s: %s", status, exec.Action),
		Metadata: map[string]any{"execution_id": exec.ID},
	})
	return nil
}

// Approve runs a sell the user confirmed. When the sell cannot be attempted
// the execution goes back to pending_approval and the error is returned.
func (e *PolicyEngine) Approve(ctx context.Context, userID, executionID string) (models.AgentExecution, error) {
	if !e.claim(executionID) {
		return models.AgentExecution{}, fmt.Errorf("%w: already being resolved", ErrExecutionState)
	}
	defer e.unclaim(executionID)

	exec, err := e.deps.Store.GetExecution(ctx, userID, executionID)
	if err != nil {
		return models.AgentExecution{}, err
	}
	if exec.Status != models.ExecutionPendingApproval {
		return models.AgentExecution{}, fmt.Errorf("%w: %s", ErrExecutionState, exec.Status)
	}

	err = e.deps.Store.UpdateExecutionStatus(ctx, userID, executionID, models.ExecutionPendingApproval, models.ExecutionApproved, map[string]any{"approved_at": e.now()})
	switch {
	case errors.Is(err, store.ErrStaleStatus):
		return models.AgentExecution{}, fmt.Errorf("%w: changed while approving", ErrExecutionState)
	case err != nil:
		return models.AgentExecution{}, fmt.Errorf("approve execution: %w", err)
	}
	exec.Status = models.ExecutionApproved
	if _, err := e.resolve(ctx, exec, models.ModeAskPermission); err != nil {
		if rerr := e.deps.Store.UpdateExecutionStatus(ctx, userID, executionID, models.ExecutionApproved, models.ExecutionPendingApproval, nil); rerr != nil {
			e.deps.Log.Error("revert approval", zap.String("execution_id", executionID), zap.Error(rerr))
		}
		return models.AgentExecution{}, fmt.Errorf("approve execution: %w", err)
	}
	e.record(ctx, models.AuditEvent{
		UserID:   userID,
		Kind:     AuditExecutionApprove,
		Message:  exec.Action,
		Metadata: map[string]any{"execution_id": executionID},
	})
	e.forget(exec.PositionID)
	return e.deps.Store.GetExecution(ctx, userID, executionID)
}

// Reject declines a pending approval or cancels a scheduled sell. The
// queue is only touched once the new status is stored.
func (e *PolicyEngine) Reject(ctx context.Context, userID, executionID string) (models.AgentExecution, error) {
	if !e.claim(executionID) {
		return models.AgentExecution{}, fmt.Errorf("%w: already being resolved", ErrExecutionState)
	}
	defer e.unclaim(executionID)

	exec, err := e.deps.Store.GetExecution(ctx, userID, executionID)
	if err != nil {
		return models.AgentExecution{}, err
	}
	var status models.ExecutionStatus
	switch exec.Status {
	case models.ExecutionPendingApproval:
		status = models.ExecutionRejected
	case models.ExecutionScheduled:
		status = models.ExecutionCancelled
	default:
		return models.AgentExecution{}, fmt.Errorf("%w: %s", ErrExecutionState, exec.Status)
	}

	err = e.deps.Store.UpdateExecutionStatus(ctx, userID, executionID, exec.Status, status, map[string]any{"resolved_at": e.now()})
	switch {
	case errors.Is(err, store.ErrStaleStatus):
		return models.AgentExecution{}, fmt.Errorf("%w: changed while rejecting", ErrExecutionState)
	case err != nil:
		return models.AgentExecution{}, fmt.Errorf("reject execution: %w", err)
	}

	e.mu.Lock()
	e.queue.remove(executionID)
	queued := e.queue.Len()
	e.mu.Unlock()
	e.deps.Metrics.deferred(queued)

	e.forget(exec.PositionID)
	e.record(ctx, models.AuditEvent{
		UserID:   userID,
		Kind:     AuditExecutionReject,
		Message:  exec.Action,
		Metadata: map[string]any{"execution_id": executionID, "status": string(status)},
	})
	return e.deps.Store.GetExecution(ctx, userID, executionID)
}

// Restore reloads open executions after a restart so scheduled sells still
// fire and positions with a pending decision are not re-evaluated. An
// approval that was in flight when the process stopped waits for the user
// again.
func (e *PolicyEngine) Restore(ctx context.Context) (int, error) {
	scheduled, err := e.deps.Store.ListExecutionsByStatus(ctx, models.ExecutionScheduled)
	if err != nil {
		return 0, fmt.Errorf("load scheduled executions: %w", err)
	}
	pending, err := e.deps.Store.ListExecutionsByStatus(ctx, models.ExecutionPendingApproval)
	if err != nil {
		return 0, fmt.Errorf("load pending executions: %w", err)
	}
	approved, err := e.deps.Store.ListExecutionsByStatus(ctx, models.ExecutionApproved)
	if err != nil {
		return 0, fmt.Errorf("load approved executions: %w", err)
	}
	for _, exec := range approved {
		err := e.deps.Store.UpdateExecutionStatus(ctx, exec.UserID, exec.ID, models.ExecutionApproved, models.ExecutionPendingApproval, nil)
		if err != nil {
			e.deps.Log.Warn("reopen approval", zap.String("execution_id", exec.ID), zap.Error(err))
			continue
		}
		pending = append(pending, exec)
	}

	e.mu.Lock()
	restored := 0
	for _, exec := range scheduled {
		due := e.now()
		if exec.ScheduledFor != nil {
			due = *exec.ScheduledFor
		}
		item := deferredSell{executionID: exec.ID, userID: exec.UserID, positionID: exec.PositionID, due: due}
		if e.queue.push(item) {
			restored++
		}
		e.open[exec.PositionID] = exec.ID
	}
	for _, exec := range pending {
		e.open[exec.PositionID] = exec.ID
	}
	queued := e.queue.Len()
	e.mu.Unlock()
	e.deps.Metrics.deferred(queued)
	return restored, nil
}

// Pending returns the number of scheduled sells still waiting.
func (e *PolicyEngine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

func (e *PolicyEngine) markOpen(positionID, executionID string) {
	e.mu.Lock()
	e.open[positionID] = executionID
	e.mu.Unlock()
}

// forget drops a position's open decision so it can be evaluated again.
func (e *PolicyEngine) forget(positionID string) {
	e.mu.Lock()
	delete(e.open, positionID)
	e.mu.Unlock()
}

func (e *PolicyEngine) claim(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.claimed[executionID]; busy {
		return false
	}
	e.claimed[executionID] = struct{}{}
	return true
}

func (e *PolicyEngine) unclaim(executionID string) {
	e.mu.Lock()
	delete(e.claimed, executionID)
	e.mu.Unlock()
}

func (e *PolicyEngine) record(ctx context.Context, event models.AuditEvent) {
	if e.deps.Audit == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = e.now()
	}
	e.deps.Audit.Record(ctx, event)
}

func metaFloat(meta map[string]any, key string) float64 {
	switch v := meta[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
