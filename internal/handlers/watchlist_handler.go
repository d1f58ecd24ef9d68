package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"asset-monitor/internal/models"
	"asset-monitor/internal/services"
)

type WatchlistHandler struct {
	service *services.WatchlistService
}

func NewWatchlistHandler(service *services.WatchlistService) *WatchlistHandler {
	return &WatchlistHandler{service: service}
}

type AddWatchlistRequest struct {
	Symbol         string            `json:"symbol" binding:"required"`
	AssetClass     models.AssetClass `json:"assetClass"`
	AlertThreshold float64           `json:"alertThreshold" binding:"required"`
}

func (h *WatchlistHandler) Add(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req AddWatchlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	item, err := h.service.AddToWatchlist(c.Request.Context(), userID, req.Symbol, req.AssetClass, req.AlertThreshold)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": item})
}

func (h *WatchlistHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	items, err := h.service.Watchlist(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"watchlist": items})
}

func (h *WatchlistHandler) Remove(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.service.RemoveFromWatchlist(c.Request.Context(), userID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "removed from watchlist"})
}
