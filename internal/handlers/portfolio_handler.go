package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"asset-monitor/internal/models"
	"asset-monitor/internal/services"
)

type PortfolioHandler struct {
	service *services.WatchlistService
}

func NewPortfolioHandler(service *services.WatchlistService) *PortfolioHandler {
	return &PortfolioHandler{service: service}
}

// PortfolioSummary totals the open positions. Positions without a price
// are valued at cost.
type PortfolioSummary struct {
	Invested          float64 `json:"invested"`
	CurrentValue      float64 `json:"currentValue"`
	ProfitLoss        float64 `json:"profitLoss"`
	ProfitLossPercent float64 `json:"profitLossPercent"`
	Positions         int     `json:"positions"`
}

func summarize(positions []models.PortfolioPosition) PortfolioSummary {
	invested, value := decimal.Zero, decimal.Zero
	for _, p := range positions {
		invested = invested.Add(decimal.NewFromFloat(p.Invested))
		if p.CurrentPrice == nil {
			value = value.Add(decimal.NewFromFloat(p.Invested))
			continue
		}
		value = value.Add(decimal.NewFromFloat(p.CurrentValue))
	}
	pl := value.Sub(invested)
	pct := decimal.Zero
	if !invested.IsZero() {
		pct = pl.Div(invested).Mul(decimal.NewFromInt(100))
	}

	s := PortfolioSummary{Positions: len(positions)}
	s.Invested, _ = invested.Round(2).Float64()
	s.CurrentValue, _ = value.Round(2).Float64()
	s.ProfitLoss, _ = pl.Round(2).Float64()
	s.ProfitLossPercent, _ = pct.Round(2).Float64()
	return s
}

func (h *PortfolioHandler) AddPosition(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req services.PositionInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	pos, err := h.service.AddPosition(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"position": pos})
}

func (h *PortfolioHandler) GetPortfolio(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	positions, err := h.service.Positions(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch portfolio: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"summary":   summarize(positions),
	})
}

func (h *PortfolioHandler) GetPosition(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	pos, err := h.service.Position(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": pos})
}

func (h *PortfolioHandler) RemovePosition(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.service.RemovePosition(c.Request.Context(), userID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "position removed"})
}
