package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"asset-monitor/internal/models"
)

// Memory is a process-local Store. It backs tests and runs without MongoDB.
type Memory struct {
	mu         sync.RWMutex
	watchlist  map[string]models.WatchlistItem
	positions  map[string]models.PortfolioPosition
	executions map[string]models.AgentExecution
	agents     map[string]models.Agent // by user id
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		watchlist:  make(map[string]models.WatchlistItem),
		positions:  make(map[string]models.PortfolioPosition),
		executions: make(map[string]models.AgentExecution),
		agents:     make(map[string]models.Agent),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) AddWatchlistItem(_ context.Context, item *models.WatchlistItem) error {
	item.Symbol = NormalizeSymbol(item.Symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.watchlist {
		if existing.UserID == item.UserID && existing.Symbol == item.Symbol {
			return ErrDuplicate
		}
	}
	now := m.now()
	item.ID = uuid.NewString()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	m.watchlist[item.ID] = *item
	return nil
}

func (m *Memory) RemoveWatchlistItem(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.watchlist[id]
	if !ok {
		return ErrNotFound
	}
	if item.UserID != userID {
		return ErrForbidden
	}
	delete(m.watchlist, id)
	return nil
}

func (m *Memory) ListWatchlist(_ context.Context, userID string) ([]models.WatchlistItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.WatchlistItem, 0)
	for _, item := range m.watchlist {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateWatchlistPrices(_ context.Context, userID, id string, lastPrice, currentPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.watchlist[id]
	if !ok {
		return ErrNotFound
	}
	if item.UserID != userID {
		return ErrForbidden
	}
	item.LastPrice = lastPrice
	item.CurrentPrice = currentPrice
	item.UpdatedAt = m.now()
	m.watchlist[id] = item
	return nil
}

func (m *Memory) AddPosition(_ context.Context, pos *models.PortfolioPosition) error {
	pos.Symbol = NormalizeSymbol(pos.Symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	pos.ID = uuid.NewString()
	if pos.PurchasedAt.IsZero() {
		pos.PurchasedAt = now
	}
	if pos.Status == "" {
		pos.Status = models.PositionOpen
	}
	pos.UpdatedAt = now
	m.positions[pos.ID] = *pos
	return nil
}

func (m *Memory) ListPositions(_ context.Context, userID string) ([]models.PortfolioPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PortfolioPosition, 0)
	for _, pos := range m.positions {
		if pos.UserID == userID && pos.Status != models.PositionSold {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchasedAt.Before(out[j].PurchasedAt) })
	return out, nil
}

func (m *Memory) GetPosition(_ context.Context, userID, id string) (models.PortfolioPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[id]
	if !ok {
		return models.PortfolioPosition{}, ErrNotFound
	}
	if pos.UserID != userID {
		return models.PortfolioPosition{}, ErrForbidden
	}
	return pos, nil
}

func (m *Memory) UpdatePosition(_ context.Context, userID string, pos models.PortfolioPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.positions[pos.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.UserID != userID {
		return ErrForbidden
	}
	cur.CurrentPrice = pos.CurrentPrice
	cur.CurrentValue = pos.CurrentValue
	cur.Invested = pos.Invested
	cur.ProfitLoss = pos.ProfitLoss
	cur.ProfitLossPercent = pos.ProfitLossPercent
	cur.RiskLevel = pos.RiskLevel
	cur.RiskScore = pos.RiskScore
	cur.UpdatedAt = m.now()
	m.positions[pos.ID] = cur
	return nil
}

func (m *Memory) RemovePosition(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return ErrNotFound
	}
	if pos.UserID != userID {
		return ErrForbidden
	}
	delete(m.positions, id)
	return nil
}

func (m *Memory) MarkPositionSold(_ context.Context, userID, id string, price float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[id]
	if !ok {
		return ErrNotFound
	}
	if pos.UserID != userID {
		return ErrForbidden
	}
	pos.Status = models.PositionSold
	pos.SoldPrice = price
	pos.SoldAt = &at
	pos.UpdatedAt = m.now()
	m.positions[id] = pos
	return nil
}

func (m *Memory) CreateExecution(_ context.Context, exec *models.AgentExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	exec.CreatedAt = now
	exec.UpdatedAt = now
	m.executions[exec.ID] = cloneExecution(*exec)
	return nil
}

func (m *Memory) GetExecution(_ context.Context, userID, id string) (models.AgentExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return models.AgentExecution{}, ErrNotFound
	}
	if exec.UserID != userID {
		return models.AgentExecution{}, ErrForbidden
	}
	return cloneExecution(exec), nil
}

func (m *Memory) ListExecutions(_ context.Context, userID string) ([]models.AgentExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AgentExecution, 0)
	for _, exec := range m.executions {
		if exec.UserID == userID {
			out = append(out, cloneExecution(exec))
		}
	}
	sortExecutions(out)
	return out, nil
}

func (m *Memory) ListExecutionsByStatus(_ context.Context, status models.ExecutionStatus) ([]models.AgentExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AgentExecution, 0)
	for _, exec := range m.executions {
		if exec.Status == status {
			out = append(out, cloneExecution(exec))
		}
	}
	sortExecutions(out)
	return out, nil
}

func (m *Memory) UpdateExecutionStatus(_ context.Context, userID, id string, from, to models.ExecutionStatus, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if exec.UserID != userID {
		return ErrForbidden
	}
	if exec.Status != from {
		return ErrStaleStatus
	}
	exec.Status = to
	if len(metadata) > 0 {
		merged := make(map[string]any, len(exec.Metadata)+len(metadata))
		for k, v := range exec.Metadata {
			merged[k] = v
		}
		for k, v := range metadata {
			merged[k] = v
		}
		exec.Metadata = merged
	}
	exec.UpdatedAt = m.now()
	m.executions[id] = exec
	return nil
}

func (m *Memory) UpsertAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.agents[agent.UserID]; ok {
		agent.ID = existing.ID
		agent.CreatedAt = existing.CreatedAt
	} else {
		agent.ID = uuid.NewString()
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	m.agents[agent.UserID] = *agent
	return nil
}

func (m *Memory) GetAgent(_ context.Context, userID string) (models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[userID]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	return agent, nil
}

func (m *Memory) ListActiveAgents(_ context.Context) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		if agent.Active {
			out = append(out, agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func cloneExecution(exec models.AgentExecution) models.AgentExecution {
	if exec.Metadata != nil {
		meta := make(map[string]any, len(exec.Metadata))
		for k, v := range exec.Metadata {
			meta[k] = v
		}
		exec.Metadata = meta
	}
	return exec
}

func sortExecutions(list []models.AgentExecution) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
