// Package risk maps a position's loss to a risk level and a 0-100 score.
package risk

import (
	"math"

	"asset-monitor/internal/models"
)

// Bands holds the loss percentages at which each level ends. A loss in
// [0, Low) is low, [Low, Medium) medium, [Medium, High) high and anything
// at or above High is critical. Critical saturates the score at 100.
type Bands struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

var (
	StockBands  = Bands{Low: 5, Medium: 10, High: 20, Critical: 30}
	CryptoBands = Bands{Low: 10, Medium: 20, High: 35, Critical: 50}
)

func BandsFor(class models.AssetClass) Bands {
	if class == models.AssetCrypto {
		return CryptoBands
	}
	return StockBands
}

// Score returns the risk level and score for a profit/loss percentage.
// Gains carry no risk.
func Score(profitLossPercent float64, class models.AssetClass) (models.RiskLevel, float64) {
	loss := math.Max(0, -profitLossPercent)
	if math.IsNaN(loss) {
		loss = 0
	}
	b := BandsFor(class)

	switch {
	case loss < b.Low:
		return models.RiskLow, inBand(loss*25/b.Low, 0, 25)
	case loss < b.Medium:
		return models.RiskMedium, inBand(25+(loss-b.Low)*25/(b.Medium-b.Low), 25, 50)
	case loss < b.High:
		return models.RiskHigh, inBand(50+(loss-b.Medium)*25/(b.High-b.Medium), 50, 75)
	default:
		extra := math.Min((loss-b.High)*25/(b.Critical-b.High), 25)
		return models.RiskCritical, math.Min(75+extra, 100)
	}
}

// inBand keeps s inside [lo, hi) so level and score never disagree on a
// boundary because of rounding.
func inBand(s, lo, hi float64) float64 {
	if s < lo {
		return lo
	}
	if s >= hi {
		return math.Nextafter(hi, lo)
	}
	return s
}

// LevelForScore is the inverse view of Score: the level a score belongs to.
func LevelForScore(score float64) models.RiskLevel {
	switch {
	case score >= 75:
		return models.RiskCritical
	case score >= 50:
		return models.RiskHigh
	case score >= 25:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// Elevated reports whether level is high or critical.
func Elevated(level models.RiskLevel) bool {
	return level == models.RiskHigh || level == models.RiskCritical
}

func Severity(level models.RiskLevel) models.Severity {
	switch level {
	case models.RiskCritical:
		return models.SeverityCritical
	case models.RiskHigh:
		return models.SeverityDanger
	default:
		return models.SeverityWarning
	}
}
