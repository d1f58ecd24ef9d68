package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"asset-monitor/internal/models"
	"asset-monitor/internal/store"
)

// AgentService keeps the stored agent definitions and the monitor's user
// set in step.
type AgentService struct {
	store    store.AgentStore
	monitor  *Monitor
	defaults models.AgentConfig
	log      *zap.Logger
}

func NewAgentService(st store.AgentStore, monitor *Monitor, defaults models.AgentConfig, log *zap.Logger) *AgentService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AgentService{store: st, monitor: monitor, defaults: defaults.WithDefaults(), log: log}
}

// AgentInput is a create-or-update request. Nil fields keep the stored
// value, or the configured default for a new agent.
type AgentInput struct {
	Name            string                `json:"name"`
	Active          *bool                 `json:"active"`
	RiskThreshold   *float64              `json:"riskThreshold"`
	MaxLossPercent  *float64              `json:"maxLossPercent"`
	EmailBeforeSell *bool                 `json:"emailBeforeSell"`
	WaitTimeMinutes *int                  `json:"waitTimeMinutes"`
	ExecutionMode   *models.ExecutionMode `json:"executionMode"`
}

func (s *AgentService) Configure(ctx context.Context, userID string, in AgentInput) (models.Agent, error) {
	agent, err := s.store.GetAgent(ctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		agent = models.Agent{UserID: userID, Name: "Risk agent", Config: s.defaults, Active: true}
	default:
		return models.Agent{}, err
	}

	if name := strings.TrimSpace(in.Name); name != "" {
		agent.Name = name
	}
	if in.Active != nil {
		agent.Active = *in.Active
	}
	if in.RiskThreshold != nil {
		agent.Config.RiskThreshold = *in.RiskThreshold
	}
	if in.MaxLossPercent != nil {
		agent.Config.MaxLossPercent = *in.MaxLossPercent
	}
	if in.EmailBeforeSell != nil {
		agent.Config.EmailBeforeSell = *in.EmailBeforeSell
	}
	if in.WaitTimeMinutes != nil {
		if *in.WaitTimeMinutes < 0 {
			return models.Agent{}, fmt.Errorf("%w: wait time must not be negative", ErrInvalidAgentInput)
		}
		agent.Config.WaitTimeMinutes = *in.WaitTimeMinutes
	}
	if in.ExecutionMode != nil {
		agent.Config.ExecutionMode = *in.ExecutionMode
	}
	if err := agent.Config.Validate(); err != nil {
		return models.Agent{}, fmt.Errorf("%w: %v", ErrInvalidAgentInput, err)
	}

	if err := s.store.UpsertAgent(ctx, &agent); err != nil {
		return models.Agent{}, err
	}
	s.apply(agent)
	s.log.Info("agent configured",
		zap.String("user_id", userID),
		zap.Bool("active", agent.Active),
		zap.String("mode", string(agent.Config.ExecutionMode)))
	return agent, nil
}

func (s *AgentService) Get(ctx context.Context, userID string) (models.Agent, error) {
	return s.store.GetAgent(ctx, userID)
}

// RestoreActive registers every active agent with the monitor.
func (s *AgentService) RestoreActive(ctx context.Context) (int, error) {
	agents, err := s.store.ListActiveAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active agents: %w", err)
	}
	for _, a := range agents {
		s.apply(a)
	}
	return len(agents), nil
}

func (s *AgentService) apply(agent models.Agent) {
	if s.monitor == nil {
		return
	}
	if agent.Active {
		s.monitor.Register(agent.UserID, agent.Config)
	} else {
		s.monitor.Unregister(agent.UserID)
	}
}
