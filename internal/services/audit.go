package services

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"asset-monitor/internal/models"
)

const (
	AuditRiskAlert        = "risk_alert"
	AuditApprovalRequest  = "approval_requested"
	AuditSellScheduled    = "sell_scheduled"
	AuditSellExecuted     = "sell_executed"
	AuditSellFailed       = "sell_failed"
	AuditSellCancelled    = "sell_cancelled"
	AuditExecutionApprove = "execution_approved"
	AuditExecutionReject  = "execution_rejected"
)

// AuditLog is an append-only activity trail. Record never fails the
// caller.
type AuditLog interface {
	Record(ctx context.Context, event models.AuditEvent)
}

// MongoAuditLog appends events to a collection.
type MongoAuditLog struct {
	coll *mongo.Collection
	log  *zap.Logger
}

func NewMongoAuditLog(db *mongo.Database, log *zap.Logger) *MongoAuditLog {
	if log == nil {
		log = zap.NewNop()
	}
	return &MongoAuditLog{coll: db.Collection("activity_log"), log: log}
}

func (a *MongoAuditLog) Record(ctx context.Context, event models.AuditEvent) {
	event.ID = primitive.NewObjectID().Hex()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if _, err := a.coll.InsertOne(context.WithoutCancel(ctx), event); err != nil {
		a.log.Warn("audit insert failed",
			zap.String("kind", event.Kind),
			zap.String("user_id", event.UserID),
			zap.Error(err))
	}
}

// LogAuditLog writes events to the structured log only.
type LogAuditLog struct {
	Log *zap.Logger
}

func (a LogAuditLog) Record(_ context.Context, event models.AuditEvent) {
	a.Log.Info("audit",
		zap.String("kind", event.Kind),
		zap.String("user_id", event.UserID),
		zap.String("symbol", event.Symbol),
		zap.String("message", event.Message),
		zap.Any("metadata", event.Metadata))
}
