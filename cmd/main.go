package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"asset-monitor/config"
	"asset-monitor/internal/handlers"
	"asset-monitor/internal/logger"
	"asset-monitor/internal/models"
	"asset-monitor/internal/services"
	"asset-monitor/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("MONITOR_CONFIG_FILE"), os.Getenv("MONITOR_CONFIG_FILE") == "")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer zl.Sync()

	if cfg.Auth.JWTSecret == "" {
		zl.Fatal("auth.jwt_secret (JWT_SECRET) is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	var (
		st     store.Store
		audit  services.AuditLog = services.LogAuditLog{Log: zl}
		client *mongo.Client
	)
	if cfg.Mongo.URI != "" {
		client, err = config.ConnectDB(ctx, cfg.Mongo)
		if err != nil {
			zl.Fatal("connect mongo", zap.Error(err))
		}
		db := config.Database(client, cfg.Mongo)
		ms := store.NewMongo(db)
		if err := ms.EnsureIndexes(ctx); err != nil {
			zl.Fatal("ensure indexes", zap.Error(err))
		}
		st = ms
		audit = services.NewMongoAuditLog(db, zl)
		zl.Info("connected to mongo", zap.String("database", db.Name()))
	} else {
		st = store.NewMemory()
		zl.Warn("mongo.uri not set, using in-memory store")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(reg)

	// Services
	feed := services.NewMarketDataService(cfg.PriceFeed, metrics, zl)
	alerts := services.NewAlertHub(metrics, zl)
	wsHub := services.NewWebSocketHub(alerts, zl)
	go wsHub.Run(ctx)

	dispatcher := newDispatcher(cfg.Notifier, zl)
	engine := services.NewPolicyEngine(services.PolicyDeps{
		Store:     st,
		Hub:       alerts,
		Notifier:  dispatcher,
		Audit:     audit,
		Explainer: newExplainer(ctx, cfg.AI, zl),
		Metrics:   metrics,
		Log:       zl,
	}, services.PolicyOptions{
		ExplainTimeout:   cfg.AI.Timeout,
		AlertCooldown:    cfg.Agent.AlertCooldown,
		ApprovalsBaseURL: cfg.Monitor.ApprovalsBase,
	})
	if n, err := engine.Restore(ctx); err != nil {
		zl.Error("restore executions", zap.Error(err))
	} else if n > 0 {
		zl.Info("restored scheduled sells", zap.Int("count", n))
	}

	monitor := services.NewMonitor(st, feed, alerts, engine, metrics, zl, services.MonitorOptions{
		Interval:     cfg.Monitor.Interval,
		StoreTimeout: cfg.Monitor.StoreTimeout,
		LossEscalate: cfg.Monitor.LossEscalate,
	})
	agents := services.NewAgentService(st, monitor, agentDefaults(cfg.Agent), zl)
	if n, err := agents.RestoreActive(ctx); err != nil {
		zl.Error("restore agents", zap.Error(err))
	} else {
		zl.Info("monitoring users", zap.Int("count", n))
	}
	if cfg.Monitor.Enabled {
		if err := monitor.Start(ctx); err != nil {
			zl.Fatal("start monitor", zap.Error(err))
		}
	}

	// HTTP
	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), handlers.CORSMiddleware())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	watchlists := services.NewWatchlistService(st, feed, zl)
	handlers.Routes{
		Auth:       handlers.NewAuthHandler(cfg.Auth.JWTSecret),
		Market:     handlers.NewMarketHandler(feed),
		Watchlist:  handlers.NewWatchlistHandler(watchlists),
		Portfolio:  handlers.NewPortfolioHandler(watchlists),
		Agent:      handlers.NewAgentHandler(agents),
		Executions: handlers.NewExecutionHandler(st, engine),
		Alerts:     handlers.NewAlertHandler(wsHub, zl),
	}.Mount(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zl.Info("asset monitor listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("http shutdown", zap.Error(err))
	}
	monitor.Stop()
	// Notices queued by the last cycle still go out.
	dispatcher.Wait()
	if err := config.DisconnectDB(client); err != nil {
		zl.Error("disconnect mongo", zap.Error(err))
	}
}

func agentDefaults(c config.AgentConfig) models.AgentConfig {
	return models.AgentConfig{
		RiskThreshold:   c.RiskThreshold,
		MaxLossPercent:  c.MaxLossPercent,
		EmailBeforeSell: c.EmailBeforeSell,
		WaitTimeMinutes: c.WaitTimeMinutes,
		ExecutionMode:   models.ExecutionMode(c.ExecutionMode),
	}
}

func newDispatcher(c config.NotifierConfig, zl *zap.Logger) *services.Dispatcher {
	channels := []services.Channel{services.LogChannel{Log: zl}}
	if c.WebhookURL != "" {
		channels = append(channels, services.WebhookChannel{
			URL:    c.WebhookURL,
			Client: &http.Client{Timeout: c.Timeout},
		})
	}
	if c.TelegramBotToken != "" && c.TelegramChatID != "" {
		channels = append(channels, services.NewTelegramChannel(c.TelegramBotToken, c.TelegramChatID))
	}
	return services.NewDispatcher(c.Currency, c.Timeout, zl, channels...)
}

// newExplainer returns nil when AI text is disabled or the client cannot be
// built; the engine then uses its rule-based text.
func newExplainer(ctx context.Context, c config.AIConfig, zl *zap.Logger) services.Explainer {
	if !c.Enabled {
		return nil
	}
	client, err := genai.NewClient(ctx, nil)
	if err != nil {
		zl.Warn("gemini client unavailable, using rule-based explanations", zap.Error(err))
		return nil
	}
	return services.NewGeminiExplainer(client, c.Model)
}
