package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"asset-monitor/internal/models"
	"asset-monitor/internal/store"
)

// ExecutionReviewer resolves executions that wait on the user.
type ExecutionReviewer interface {
	Approve(ctx context.Context, userID, executionID string) (models.AgentExecution, error)
	Reject(ctx context.Context, userID, executionID string) (models.AgentExecution, error)
}

type ExecutionHandler struct {
	store    store.ExecutionStore
	reviewer ExecutionReviewer
}

func NewExecutionHandler(st store.ExecutionStore, reviewer ExecutionReviewer) *ExecutionHandler {
	return &ExecutionHandler{store: st, reviewer: reviewer}
}

func (h *ExecutionHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	list, err := h.store.ListExecutions(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	if status := models.ExecutionStatus(c.Query("status")); status != "" {
		filtered := make([]models.AgentExecution, 0, len(list))
		for _, e := range list {
			if e.Status == status {
				filtered = append(filtered, e)
			}
		}
		list = filtered
	}
	c.JSON(http.StatusOK, gin.H{"executions": list})
}

func (h *ExecutionHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	exec, err := h.store.GetExecution(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec})
}

func (h *ExecutionHandler) Approve(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	exec, err := h.reviewer.Approve(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec})
}

func (h *ExecutionHandler) Reject(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	exec, err := h.reviewer.Reject(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec})
}
