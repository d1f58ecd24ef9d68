package models

import (
	"fmt"
	"time"
)

type ExecutionMode string

const (
	ModeNotify        ExecutionMode = "notify"
	ModeAskPermission ExecutionMode = "ask_permission"
	ModeAuto          ExecutionMode = "auto"
)

func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeNotify, ModeAskPermission, ModeAuto:
		return true
	}
	return false
}

const (
	DefaultRiskThreshold  = 75.0
	DefaultMaxLossPercent = 20.0
)

// AgentConfig is the sell policy of one agent. The monitor only reads it.
type AgentConfig struct {
	RiskThreshold   float64       `bson:"risk_threshold" json:"riskThreshold"`
	MaxLossPercent  float64       `bson:"max_loss_percent" json:"maxLossPercent"`
	EmailBeforeSell bool          `bson:"email_before_sell" json:"emailBeforeSell"`
	WaitTimeMinutes int           `bson:"wait_time_minutes" json:"waitTimeMinutes"`
	ExecutionMode   ExecutionMode `bson:"execution_mode" json:"executionMode"`
}

// WithDefaults fills zero fields with the documented defaults.
func (c AgentConfig) WithDefaults() AgentConfig {
	if c.RiskThreshold <= 0 {
		c.RiskThreshold = DefaultRiskThreshold
	}
	if c.MaxLossPercent <= 0 {
		c.MaxLossPercent = DefaultMaxLossPercent
	}
	if c.ExecutionMode == "" {
		c.ExecutionMode = ModeNotify
	}
	if c.WaitTimeMinutes < 0 {
		c.WaitTimeMinutes = 0
	}
	return c
}

func (c AgentConfig) Validate() error {
	if !c.ExecutionMode.Valid() {
		return fmt.Errorf("invalid execution mode %q", c.ExecutionMode)
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 100 {
		return fmt.Errorf("risk threshold %.2f out of range [0,100]", c.RiskThreshold)
	}
	if c.MaxLossPercent < 0 {
		return fmt.Errorf("max loss percent must not be negative")
	}
	return nil
}

// Agent binds a user to the policy the monitor applies to their positions.
// Active agents define the set of monitored users.
type Agent struct {
	ID        string      `bson:"_id,omitempty" json:"id"`
	UserID    string      `bson:"user_id" json:"userId"`
	Name      string      `bson:"name" json:"name"`
	Config    AgentConfig `bson:"config" json:"config"`
	Active    bool        `bson:"active" json:"active"`
	CreatedAt time.Time   `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time   `bson:"updated_at" json:"updatedAt"`
}

type ExecutionStatus string

const (
	ExecutionPendingApproval ExecutionStatus = "pending_approval"
	ExecutionScheduled       ExecutionStatus = "scheduled"
	ExecutionApproved        ExecutionStatus = "approved"
	ExecutionExecuted        ExecutionStatus = "executed"
	ExecutionRejected        ExecutionStatus = "rejected"
	ExecutionCancelled       ExecutionStatus = "cancelled"
	ExecutionFailed          ExecutionStatus = "failed"
)

// Open reports whether the execution still waits for approval or its due time.
func (s ExecutionStatus) Open() bool {
	return s == ExecutionPendingApproval || s == ExecutionScheduled || s == ExecutionApproved
}

// AgentExecution is the audit record of one policy decision.
type AgentExecution struct {
	ID               string          `bson:"_id,omitempty" json:"id"`
	UserID           string          `bson:"user_id" json:"userId"`
	PositionID       string          `bson:"position_id" json:"positionId"`
	Action           string          `bson:"action" json:"action"`
	Details          string          `bson:"details" json:"details"`
	Recommendation   string          `bson:"recommendation" json:"recommendation"`
	RequiresApproval bool            `bson:"requires_approval" json:"requiresApproval"`
	Metadata         map[string]any  `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Status           ExecutionStatus `bson:"status" json:"status"`
	ScheduledFor     *time.Time      `bson:"scheduled_for,omitempty" json:"scheduledFor,omitempty"`
	CreatedAt        time.Time       `bson:"created_at" json:"createdAt"`
	UpdatedAt        time.Time       `bson:"updated_at" json:"updatedAt"`
}

// AuditEvent is an append-only activity log entry.
type AuditEvent struct {
	ID        string         `bson:"_id,omitempty" json:"id"`
	UserID    string         `bson:"user_id" json:"userId"`
	Kind      string         `bson:"kind" json:"kind"`
	Symbol    string         `bson:"symbol,omitempty" json:"symbol,omitempty"`
	Message   string         `bson:"message" json:"message"`
	Metadata  map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt time.Time      `bson:"created_at" json:"createdAt"`
}
