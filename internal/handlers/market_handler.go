package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"asset-monitor/internal/models"
)

// QuoteLookup is satisfied by services.MarketDataService.
type QuoteLookup interface {
	Quote(ctx context.Context, symbol string, class models.AssetClass) (models.Quote, bool)
}

type MarketHandler struct {
	quotes QuoteLookup
}

func NewMarketHandler(quotes QuoteLookup) *MarketHandler {
	return &MarketHandler{quotes: quotes}
}

// GetQuote returns the latest price for :symbol. The optional "class"
// query parameter overrides asset class detection.
func (h *MarketHandler) GetQuote(c *gin.Context) {
	class := models.AssetClass(c.Query("class"))
	if class != "" && !class.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "class must be stock or crypto"})
		return
	}

	quote, ok := h.quotes.Quote(c.Request.Context(), c.Param("symbol"), class)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no price available for " + c.Param("symbol")})
		return
	}
	c.JSON(http.StatusOK, quote)
}
