package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Routes groups the handlers mounted under /api.
type Routes struct {
	Auth       *AuthHandler
	Market     *MarketHandler
	Watchlist  *WatchlistHandler
	Portfolio  *PortfolioHandler
	Agent      *AgentHandler
	Executions *ExecutionHandler
	Alerts     *AlertHandler
}

func (r Routes) Mount(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "OK",
			"message": "Asset monitor API is running",
		})
	})

	api := router.Group("/api", r.Auth.AuthMiddleware())
	api.GET("/auth/me", r.Auth.GetCurrentUser)
	api.GET("/quotes/:symbol", r.Market.GetQuote)

	api.GET("/watchlist", r.Watchlist.List)
	api.POST("/watchlist", r.Watchlist.Add)
	api.DELETE("/watchlist/:id", r.Watchlist.Remove)

	api.GET("/portfolio", r.Portfolio.GetPortfolio)
	api.POST("/portfolio", r.Portfolio.AddPosition)
	api.GET("/portfolio/:id", r.Portfolio.GetPosition)
	api.DELETE("/portfolio/:id", r.Portfolio.RemovePosition)

	api.GET("/agent", r.Agent.Get)
	api.PUT("/agent", r.Agent.Configure)

	api.GET("/executions", r.Executions.List)
	api.GET("/executions/:id", r.Executions.Get)
	api.POST("/executions/:id/approve", r.Executions.Approve)
	api.POST("/executions/:id/reject", r.Executions.Reject)

	if r.Alerts != nil {
		router.GET("/ws", r.Auth.AuthMiddleware(), r.Alerts.Stream)
	}
}
