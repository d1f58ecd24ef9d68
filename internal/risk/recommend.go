package risk

import (
	"fmt"

	"asset-monitor/internal/models"
)

const (
	RecommendSellImmediately = "Sell immediately, potential catastrophic loss."
	RecommendProtectCapital  = "Sell to protect capital."
	RecommendLimitDownside   = "Sell to limit downside."
	RecommendLockIn          = "Consider selling, lock in capital."
	RecommendMonitor         = "Monitor closely, reduce position size."
)

// FallbackRecommendation is used when no text generator is configured or
// it fails. lossPercent is the loss magnitude.
func FallbackRecommendation(level models.RiskLevel, lossPercent float64) string {
	switch level {
	case models.RiskCritical:
		if lossPercent > 25 {
			return RecommendSellImmediately
		}
		return RecommendProtectCapital
	case models.RiskHigh:
		if lossPercent > 15 {
			return RecommendLimitDownside
		}
		return RecommendLockIn
	default:
		return RecommendMonitor
	}
}

// FallbackReason describes why a position was flagged.
func FallbackReason(p models.PortfolioPosition) string {
	price := p.BoughtPrice
	if p.CurrentPrice != nil {
		price = *p.CurrentPrice
	}
	return fmt.Sprintf("%s is at %.2f, %.2f%% from the %.2f cost basis (risk %s, score %.0f/100).",
		p.Symbol, price, p.ProfitLossPercent, p.BoughtPrice, p.RiskLevel, p.RiskScore)
}
