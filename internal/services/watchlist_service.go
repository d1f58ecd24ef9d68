package services

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"asset-monitor/internal/models"
	"asset-monitor/internal/risk"
	"asset-monitor/internal/store"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,19}$`)

// WatchlistService validates user input before it reaches the store.
type WatchlistService struct {
	store store.Store
	feed  PriceFeed
	log   *zap.Logger
}

func NewWatchlistService(st store.Store, feed PriceFeed, log *zap.Logger) *WatchlistService {
	if log == nil {
		log = zap.NewNop()
	}
	return &WatchlistService{store: st, feed: feed, log: log}
}

func (s *WatchlistService) resolve(symbol string, class models.AssetClass) (string, models.AssetClass, error) {
	symbol = store.NormalizeSymbol(symbol)
	if !symbolPattern.MatchString(symbol) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if class == "" {
		class = DetectAssetClass(symbol)
	}
	if !class.Valid() {
		return "", "", fmt.Errorf("%w: unknown asset class %q", ErrInvalidSymbol, class)
	}
	return symbol, class, nil
}

// AddToWatchlist checks the symbol has a live price and stores it as the
// item's reference price.
func (s *WatchlistService) AddToWatchlist(ctx context.Context, userID, symbol string, class models.AssetClass, threshold float64) (models.WatchlistItem, error) {
	symbol, class, err := s.resolve(symbol, class)
	if err != nil {
		return models.WatchlistItem{}, err
	}
	if threshold <= 0 {
		return models.WatchlistItem{}, ErrInvalidThreshold
	}
	price, ok := s.feed.FetchPrice(ctx, symbol, class)
	if !ok {
		return models.WatchlistItem{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}

	item := models.WatchlistItem{
		UserID:         userID,
		Symbol:         symbol,
		AssetClass:     class,
		AlertThreshold: threshold,
		LastPrice:      price,
		CurrentPrice:   price,
	}
	if err := s.store.AddWatchlistItem(ctx, &item); err != nil {
		return models.WatchlistItem{}, err
	}
	s.log.Info("watchlist item added",
		zap.String("user_id", userID),
		zap.String("symbol", symbol),
		zap.Float64("threshold", threshold))
	return item, nil
}

func (s *WatchlistService) RemoveFromWatchlist(ctx context.Context, userID, id string) error {
	return s.store.RemoveWatchlistItem(ctx, userID, id)
}

func (s *WatchlistService) Watchlist(ctx context.Context, userID string) ([]models.WatchlistItem, error) {
	return s.store.ListWatchlist(ctx, userID)
}

// PositionInput is a holding as entered by the user.
type PositionInput struct {
	Symbol      string            `json:"symbol" binding:"required"`
	AssetClass  models.AssetClass `json:"assetClass"`
	Quantity    float64           `json:"quantity" binding:"required"`
	BoughtPrice float64           `json:"boughtPrice" binding:"required"`
	PurchasedAt time.Time         `json:"purchasedAt"`
}

// AddPosition stores a holding. When a live price is available the
// position is valued and scored right away.
func (s *WatchlistService) AddPosition(ctx context.Context, userID string, in PositionInput) (models.PortfolioPosition, error) {
	symbol, class, err := s.resolve(in.Symbol, in.AssetClass)
	if err != nil {
		return models.PortfolioPosition{}, err
	}
	if in.Quantity <= 0 {
		return models.PortfolioPosition{}, ErrInvalidQuantity
	}
	if in.BoughtPrice <= 0 {
		return models.PortfolioPosition{}, ErrInvalidPrice
	}

	pos := models.PortfolioPosition{
		UserID:      userID,
		Symbol:      symbol,
		AssetClass:  class,
		Quantity:    in.Quantity,
		BoughtPrice: in.BoughtPrice,
		PurchasedAt: in.PurchasedAt,
		Status:      models.PositionOpen,
	}
	if price, ok := s.feed.FetchPrice(ctx, symbol, class); ok {
		pos.Revalue(price)
		pos.RiskLevel, pos.RiskScore = risk.Score(pos.ProfitLossPercent, class)
	} else {
		pos.Revalue(in.BoughtPrice)
		pos.CurrentPrice = nil
		pos.RiskLevel = models.RiskLow
	}
	if err := s.store.AddPosition(ctx, &pos); err != nil {
		return models.PortfolioPosition{}, err
	}
	return pos, nil
}

func (s *WatchlistService) RemovePosition(ctx context.Context, userID, id string) error {
	return s.store.RemovePosition(ctx, userID, id)
}

func (s *WatchlistService) Positions(ctx context.Context, userID string) ([]models.PortfolioPosition, error) {
	return s.store.ListPositions(ctx, userID)
}

func (s *WatchlistService) Position(ctx context.Context, userID, id string) (models.PortfolioPosition, error) {
	return s.store.GetPosition(ctx, userID, id)
}
