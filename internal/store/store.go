// Package store persists watchlists, positions, agents and agent
// executions. Every mutation is keyed by the record id and checked against
// the owning user.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"asset-monitor/internal/models"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrForbidden   = errors.New("record belongs to another user")
	ErrDuplicate   = errors.New("symbol already on watchlist")
	ErrStaleStatus = errors.New("execution status changed")
)

type WatchlistStore interface {
	AddWatchlistItem(ctx context.Context, item *models.WatchlistItem) error
	RemoveWatchlistItem(ctx context.Context, userID, id string) error
	ListWatchlist(ctx context.Context, userID string) ([]models.WatchlistItem, error)
	UpdateWatchlistPrices(ctx context.Context, userID, id string, lastPrice, currentPrice float64) error
}

type PositionStore interface {
	AddPosition(ctx context.Context, pos *models.PortfolioPosition) error
	// ListPositions returns the user's open positions.
	ListPositions(ctx context.Context, userID string) ([]models.PortfolioPosition, error)
	GetPosition(ctx context.Context, userID, id string) (models.PortfolioPosition, error)
	// UpdatePosition writes the price-derived fields of pos only.
	UpdatePosition(ctx context.Context, userID string, pos models.PortfolioPosition) error
	RemovePosition(ctx context.Context, userID, id string) error
	MarkPositionSold(ctx context.Context, userID, id string, price float64, at time.Time) error
}

type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.AgentExecution) error
	GetExecution(ctx context.Context, userID, id string) (models.AgentExecution, error)
	ListExecutions(ctx context.Context, userID string) ([]models.AgentExecution, error)
	ListExecutionsByStatus(ctx context.Context, status models.ExecutionStatus) ([]models.AgentExecution, error)
	// UpdateExecutionStatus moves an execution from status from to status to
	// and merges metadata. It returns ErrStaleStatus when the stored status
	// is no longer from.
	UpdateExecutionStatus(ctx context.Context, userID, id string, from, to models.ExecutionStatus, metadata map[string]any) error
}

type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, userID string) (models.Agent, error)
	ListActiveAgents(ctx context.Context) ([]models.Agent, error)
}

type Store interface {
	WatchlistStore
	PositionStore
	ExecutionStore
	AgentStore
}

// NormalizeSymbol upper-cases and trims a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
