package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"asset-monitor/internal/services"
	"asset-monitor/internal/store"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, services.ErrExecutionState):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvalidSymbol),
		errors.Is(err, services.ErrPriceUnavailable),
		errors.Is(err, services.ErrInvalidThreshold),
		errors.Is(err, services.ErrInvalidQuantity),
		errors.Is(err, services.ErrInvalidPrice),
		errors.Is(err, services.ErrInvalidAgentInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
