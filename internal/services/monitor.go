package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"asset-monitor/internal/logger"
	"asset-monitor/internal/models"
	"asset-monitor/internal/risk"
	"asset-monitor/internal/store"
)

// Evaluator receives positions whose risk escalated and runs deferred
// work once per cycle.
type Evaluator interface {
	Evaluate(ctx context.Context, userID string, cfg models.AgentConfig, pos models.PortfolioPosition) (*models.AgentExecution, error)
	ProcessDue(ctx context.Context, now time.Time) int
}

type MonitorOptions struct {
	Interval     time.Duration
	StoreTimeout time.Duration
	// LossEscalate is the loss percentage above which a position with an
	// unchanged risk level is still handed to the evaluator.
	LossEscalate float64
}

// Monitor polls prices for every monitored user's watchlist and positions.
// One cycle runs at a time and only cycles touch the caches.
type Monitor struct {
	store   store.Store
	feed    PriceFeed
	hub     *AlertHub
	engine  Evaluator
	metrics *Metrics
	log     *zap.Logger
	opts    MonitorOptions
	now     func() time.Time

	usersMu sync.RWMutex
	users   map[string]models.AgentConfig

	mu         sync.Mutex
	watchlists map[string][]models.WatchlistItem
	positions  map[string][]models.PortfolioPosition

	runMu   sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewMonitor(st store.Store, feed PriceFeed, hub *AlertHub, engine Evaluator, metrics *Metrics, log *zap.Logger, opts MonitorOptions) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.LossEscalate <= 0 {
		opts.LossEscalate = 15
	}
	return &Monitor{
		store:      st,
		feed:       feed,
		hub:        hub,
		engine:     engine,
		metrics:    metrics,
		log:        log,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		users:      make(map[string]models.AgentConfig),
		watchlists: make(map[string][]models.WatchlistItem),
		positions:  make(map[string][]models.PortfolioPosition),
	}
}

// Register adds userID to the monitored set, or replaces its policy.
func (m *Monitor) Register(userID string, cfg models.AgentConfig) {
	m.usersMu.Lock()
	m.users[userID] = cfg.WithDefaults()
	m.usersMu.Unlock()
}

// Unregister stops monitoring userID from the next cycle on.
func (m *Monitor) Unregister(userID string) {
	m.usersMu.Lock()
	delete(m.users, userID)
	m.usersMu.Unlock()
}

func (m *Monitor) Users() int {
	m.usersMu.RLock()
	defer m.usersMu.RUnlock()
	return len(m.users)
}

// Start runs one cycle immediately, then one every interval. Ticks that
// fire while a cycle is still running are skipped.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return nil
	}

	m.RunCycle(ctx)

	cl := logger.CronLogger{L: m.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.opts.Interval), func() { m.RunCycle(ctx) }); err != nil {
		return fmt.Errorf("schedule monitor: %w", err)
	}
	c.Start()
	m.cron = c
	m.running = true
	m.log.Info("monitor started", zap.Duration("interval", m.opts.Interval), zap.Int("users", m.Users()))
	return nil
}

// Stop prevents further cycles and waits for one in flight to finish.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
	m.running = false
	m.log.Info("monitor stopped")
}

func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

// RunCycle performs one full poll. Failures are logged; the cycle always
// continues with the remaining users and symbols.
func (m *Monitor) RunCycle(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	started := time.Now()

	if m.engine != nil {
		if n := m.engine.ProcessDue(ctx, m.now()); n > 0 {
			m.log.Info("deferred sells executed", zap.Int("count", n))
		}
	}

	users := m.snapshotUsers()
	m.prune(users)
	for userID := range users {
		m.reload(ctx, userID)
	}

	keys := m.symbolKeys()
	if len(keys) == 0 {
		m.metrics.cycle(started, 0)
		return
	}
	prices := m.feed.FetchPrices(ctx, keys)

	for userID, items := range m.watchlists {
		for i := range items {
			price, ok := prices[SymbolKey{Symbol: items[i].Symbol, Class: items[i].AssetClass}]
			if !ok {
				continue
			}
			m.checkWatchlistItem(ctx, userID, &items[i], price)
		}
	}

	for userID, list := range m.positions {
		cfg := users[userID]
		kept := list[:0]
		for i := range list {
			pos := list[i]
			price, ok := prices[SymbolKey{Symbol: pos.Symbol, Class: pos.AssetClass}]
			if ok && m.checkPosition(ctx, userID, cfg, &pos, price) {
				continue
			}
			kept = append(kept, pos)
		}
		m.positions[userID] = kept
	}

	m.metrics.cycle(started, len(keys))
	m.log.Debug("monitor cycle",
		zap.Int("users", len(users)),
		zap.Int("symbols", len(keys)),
		zap.Int("priced", len(prices)),
		zap.Duration("took", time.Since(started)))
}

func (m *Monitor) snapshotUsers() map[string]models.AgentConfig {
	m.usersMu.RLock()
	defer m.usersMu.RUnlock()
	out := make(map[string]models.AgentConfig, len(m.users))
	for id, cfg := range m.users {
		out[id] = cfg
	}
	return out
}

func (m *Monitor) prune(users map[string]models.AgentConfig) {
	for id := range m.watchlists {
		if _, ok := users[id]; !ok {
			delete(m.watchlists, id)
		}
	}
	for id := range m.positions {
		if _, ok := users[id]; !ok {
			delete(m.positions, id)
		}
	}
}

// reload refreshes one user's cache. On a store error the previous cache
// is kept.
func (m *Monitor) reload(ctx context.Context, userID string) {
	sctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	if items, err := m.store.ListWatchlist(sctx, userID); err != nil {
		m.log.Warn("reload watchlist", zap.String("user_id", userID), zap.Error(err))
	} else {
		m.watchlists[userID] = items
	}
	if list, err := m.store.ListPositions(sctx, userID); err != nil {
		m.log.Warn("reload positions", zap.String("user_id", userID), zap.Error(err))
	} else {
		m.positions[userID] = list
	}
}

// symbolKeys returns the distinct (symbol, class) pairs across every cached
// watchlist and position, sorted for stable fetch order.
func (m *Monitor) symbolKeys() []SymbolKey {
	seen := make(map[SymbolKey]struct{})
	for _, items := range m.watchlists {
		for _, it := range items {
			seen[SymbolKey{Symbol: it.Symbol, Class: it.AssetClass}] = struct{}{}
		}
	}
	for _, list := range m.positions {
		for _, p := range list {
			seen[SymbolKey{Symbol: p.Symbol, Class: p.AssetClass}] = struct{}{}
		}
	}
	keys := make([]SymbolKey, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol == keys[j].Symbol {
			return keys[i].Class < keys[j].Class
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys
}

func (m *Monitor) checkWatchlistItem(ctx context.Context, userID string, item *models.WatchlistItem, price float64) {
	last := item.LastPrice
	changed := item.CurrentPrice != price
	item.CurrentPrice = price

	switch {
	case last <= 0:
		// First observation sets the reference price.
		item.LastPrice = price
		changed = true
	default:
		if models.ReachesThreshold(last, price, item.AlertThreshold) {
			pct := models.PercentChange(last, price)
			dir := models.DirectionUp
			if pct < 0 {
				dir = models.DirectionDown
			}
			alert := models.PriceAlert{
				UserID:        userID,
				Symbol:        item.Symbol,
				AssetClass:    item.AssetClass,
				OldPrice:      last,
				NewPrice:      price,
				ChangePercent: pct,
				Direction:     dir,
				Timestamp:     m.now(),
			}
			if m.hub != nil {
				m.hub.EmitPrice(alert)
			}
			m.metrics.priceAlert()
			item.LastPrice = price
			changed = true
		}
	}
	if !changed {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()
	if err := m.store.UpdateWatchlistPrices(sctx, userID, item.ID, item.LastPrice, item.CurrentPrice); err != nil {
		m.log.Warn("persist watchlist prices",
			zap.String("user_id", userID),
			zap.String("symbol", item.Symbol),
			zap.Error(err))
	}
}

// checkPosition revalues and re-scores pos. It reports whether the
// position was sold and must leave the cache.
func (m *Monitor) checkPosition(ctx context.Context, userID string, cfg models.AgentConfig, pos *models.PortfolioPosition, price float64) bool {
	prev := pos.RiskLevel
	pos.Revalue(price)
	pos.RiskLevel, pos.RiskScore = risk.Score(pos.ProfitLossPercent, pos.AssetClass)

	sctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	err := m.store.UpdatePosition(sctx, userID, *pos)
	cancel()
	if err != nil {
		m.log.Warn("persist position",
			zap.String("user_id", userID),
			zap.String("symbol", pos.Symbol),
			zap.Error(err))
	}

	if m.engine == nil {
		return false
	}
	escalated := risk.Elevated(pos.RiskLevel) && pos.RiskLevel != prev
	sustained := pos.RiskLevel == prev && pos.LossPercent() > m.opts.LossEscalate
	if !escalated && !sustained {
		return false
	}

	exec, err := m.engine.Evaluate(ctx, userID, cfg, *pos)
	if err != nil {
		m.log.Error("evaluate position",
			zap.String("user_id", userID),
			zap.String("symbol", pos.Symbol),
			zap.Error(err))
		return false
	}
	return exec != nil && exec.Status == models.ExecutionExecuted
}
