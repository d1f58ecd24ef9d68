package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetCrypto AssetClass = "crypto"
)

func (c AssetClass) Valid() bool {
	return c == AssetStock || c == AssetCrypto
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityDanger   Severity = "danger"
	SeverityCritical Severity = "critical"
)

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

type PositionStatus string

const (
	PositionOpen PositionStatus = "open"
	PositionSold PositionStatus = "sold"
)

// WatchlistItem is a symbol a user wants price-change alerts for.
type WatchlistItem struct {
	ID             string     `bson:"_id,omitempty" json:"id"`
	UserID         string     `bson:"user_id" json:"userId"`
	Symbol         string     `bson:"symbol" json:"symbol"`
	AssetClass     AssetClass `bson:"asset_class" json:"assetClass"`
	AlertThreshold float64    `bson:"alert_threshold" json:"alertThreshold"` // percent
	LastPrice      float64    `bson:"last_price" json:"lastPrice"`           // last price an alert was measured from
	CurrentPrice   float64    `bson:"current_price" json:"currentPrice"`     // last observed price
	CreatedAt      time.Time  `bson:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `bson:"updated_at" json:"updatedAt"`
}

// PortfolioPosition is a holding with cost basis and cached valuation.
type PortfolioPosition struct {
	ID                string         `bson:"_id,omitempty" json:"id"`
	UserID            string         `bson:"user_id" json:"userId"`
	Symbol            string         `bson:"symbol" json:"symbol"`
	AssetClass        AssetClass     `bson:"asset_class" json:"assetClass"`
	Quantity          float64        `bson:"quantity" json:"quantity"`
	BoughtPrice       float64        `bson:"bought_price" json:"boughtPrice"`
	PurchasedAt       time.Time      `bson:"purchased_at" json:"purchasedAt"`
	CurrentPrice      *float64       `bson:"current_price,omitempty" json:"currentPrice"`
	CurrentValue      float64        `bson:"current_value" json:"currentValue"`
	Invested          float64        `bson:"invested" json:"invested"`
	ProfitLoss        float64        `bson:"profit_loss" json:"profitLoss"`
	ProfitLossPercent float64        `bson:"profit_loss_percent" json:"profitLossPercent"`
	RiskLevel         RiskLevel      `bson:"risk_level,omitempty" json:"riskLevel,omitempty"`
	RiskScore         float64        `bson:"risk_score" json:"riskScore"`
	Status            PositionStatus `bson:"status" json:"status"`
	SoldPrice         float64        `bson:"sold_price,omitempty" json:"soldPrice,omitempty"`
	SoldAt            *time.Time     `bson:"sold_at,omitempty" json:"soldAt,omitempty"`
	UpdatedAt         time.Time      `bson:"updated_at" json:"updatedAt"`
}

// Revalue recomputes every derived field from Quantity, BoughtPrice and
// price. Values are rounded to cents, percentages to two decimals.
func (p *PortfolioPosition) Revalue(price float64) {
	qty := decimal.NewFromFloat(p.Quantity)
	bought := decimal.NewFromFloat(p.BoughtPrice)
	current := decimal.NewFromFloat(price)

	invested := qty.Mul(bought)
	value := qty.Mul(current)
	pl := value.Sub(invested)

	pct := decimal.Zero
	if !invested.IsZero() {
		pct = pl.Div(invested).Mul(decimal.NewFromInt(100))
	}

	p.CurrentPrice = &price
	p.Invested, _ = invested.Round(2).Float64()
	p.CurrentValue, _ = value.Round(2).Float64()
	p.ProfitLoss, _ = pl.Round(2).Float64()
	p.ProfitLossPercent, _ = pct.Round(2).Float64()
}

// LossPercent is the magnitude of the loss side of ProfitLossPercent.
func (p PortfolioPosition) LossPercent() float64 {
	if p.ProfitLossPercent >= 0 {
		return 0
	}
	return -p.ProfitLossPercent
}

// PriceAlert is relayed to subscribers and never persisted.
type PriceAlert struct {
	UserID        string     `json:"userId"`
	Symbol        string     `json:"symbol"`
	AssetClass    AssetClass `json:"assetClass"`
	OldPrice      float64    `json:"oldPrice"`
	NewPrice      float64    `json:"newPrice"`
	ChangePercent float64    `json:"changePercent"`
	Direction     Direction  `json:"direction"`
	Timestamp     time.Time  `json:"timestamp"`
}

type RiskAlert struct {
	UserID            string     `json:"userId"`
	PositionID        string     `json:"positionId"`
	Symbol            string     `json:"symbol"`
	AssetClass        AssetClass `json:"assetClass"`
	RiskLevel         RiskLevel  `json:"riskLevel"`
	RiskScore         float64    `json:"riskScore"`
	CurrentPrice      float64    `json:"currentPrice"`
	BoughtPrice       float64    `json:"boughtPrice"`
	ProfitLoss        float64    `json:"profitLoss"`
	ProfitLossPercent float64    `json:"profitLossPercent"`
	Reason            string     `json:"reason"`
	Recommendation    string     `json:"recommendation"`
	Severity          Severity   `json:"severity"`
	Timestamp         time.Time  `json:"timestamp"`
}

// PercentChangeDecimal returns (newPrice-oldPrice)/oldPrice*100 without
// rounding. A zero oldPrice yields zero.
func PercentChangeDecimal(oldPrice, newPrice float64) decimal.Decimal {
	oldD := decimal.NewFromFloat(oldPrice)
	if oldD.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromFloat(newPrice).Sub(oldD).Div(oldD).Mul(decimal.NewFromInt(100))
}

// PercentChange is PercentChangeDecimal rounded to 4 places for display.
// Threshold checks use the unrounded value.
func PercentChange(oldPrice, newPrice float64) float64 {
	f, _ := PercentChangeDecimal(oldPrice, newPrice).Round(4).Float64()
	return f
}

// ReachesThreshold reports whether the move from oldPrice to newPrice is at
// least threshold percent in either direction.
func ReachesThreshold(oldPrice, newPrice, threshold float64) bool {
	return PercentChangeDecimal(oldPrice, newPrice).Abs().GreaterThanOrEqual(decimal.NewFromFloat(threshold))
}

// Quote is a single observed price, as returned by the quote lookup route.
type Quote struct {
	Symbol     string     `json:"symbol"`
	AssetClass AssetClass `json:"assetClass"`
	Price      float64    `json:"price"`
	Timestamp  time.Time  `json:"timestamp"`
}
