package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"asset-monitor/internal/models"
)

const (
	watchlistCollection = "watchlist"
	positionCollection  = "portfolio"
	executionCollection = "agent_executions"
	agentCollection     = "agents"
)

// Mongo stores every entity as a document. Ids are ObjectID hex strings.
type Mongo struct {
	watchlist  *mongo.Collection
	positions  *mongo.Collection
	executions *mongo.Collection
	agents     *mongo.Collection
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		watchlist:  db.Collection(watchlistCollection),
		positions:  db.Collection(positionCollection),
		executions: db.Collection(executionCollection),
		agents:     db.Collection(agentCollection),
	}
}

// EnsureIndexes creates the unique (user_id, symbol) watchlist index and
// the lookup indexes the monitor relies on.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.watchlist.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "symbol", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("watchlist index: %w", err)
	}
	_, err = s.positions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("portfolio index: %w", err)
	}
	_, err = s.executions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduled_for", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("execution index: %w", err)
	}
	_, err = s.agents.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("agent index: %w", err)
	}
	return nil
}

func (s *Mongo) AddWatchlistItem(ctx context.Context, item *models.WatchlistItem) error {
	item.Symbol = NormalizeSymbol(item.Symbol)

	var existing models.WatchlistItem
	err := s.watchlist.FindOne(ctx, bson.M{"user_id": item.UserID, "symbol": item.Symbol}).Decode(&existing)
	if err == nil {
		return ErrDuplicate
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("check watchlist: %w", err)
	}

	now := time.Now().UTC()
	item.ID = primitive.NewObjectID().Hex()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if _, err := s.watchlist.InsertOne(ctx, item); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert watchlist item: %w", err)
	}
	return nil
}

func (s *Mongo) RemoveWatchlistItem(ctx context.Context, userID, id string) error {
	if err := s.checkOwner(ctx, s.watchlist, userID, id); err != nil {
		return err
	}
	if _, err := s.watchlist.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID}); err != nil {
		return fmt.Errorf("delete watchlist item: %w", err)
	}
	return nil
}

func (s *Mongo) ListWatchlist(ctx context.Context, userID string) ([]models.WatchlistItem, error) {
	cur, err := s.watchlist.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query watchlist: %w", err)
	}
	defer cur.Close(ctx)

	list := make([]models.WatchlistItem, 0)
	if err := cur.All(ctx, &list); err != nil {
		return nil, fmt.Errorf("decode watchlist: %w", err)
	}
	return list, nil
}

func (s *Mongo) UpdateWatchlistPrices(ctx context.Context, userID, id string, lastPrice, currentPrice float64) error {
	res, err := s.watchlist.UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID},
		bson.M{"$set": bson.M{
			"last_price":    lastPrice,
			"current_price": currentPrice,
			"updated_at":    time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("update watchlist prices: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.checkOwner(ctx, s.watchlist, userID, id)
	}
	return nil
}

func (s *Mongo) AddPosition(ctx context.Context, pos *models.PortfolioPosition) error {
	now := time.Now().UTC()
	pos.Symbol = NormalizeSymbol(pos.Symbol)
	pos.ID = primitive.NewObjectID().Hex()
	if pos.PurchasedAt.IsZero() {
		pos.PurchasedAt = now
	}
	if pos.Status == "" {
		pos.Status = models.PositionOpen
	}
	pos.UpdatedAt = now
	if _, err := s.positions.InsertOne(ctx, pos); err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (s *Mongo) ListPositions(ctx context.Context, userID string) ([]models.PortfolioPosition, error) {
	cur, err := s.positions.Find(ctx,
		bson.M{"user_id": userID, "status": bson.M{"$ne": models.PositionSold}},
		options.Find().SetSort(bson.D{{Key: "purchased_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer cur.Close(ctx)

	list := make([]models.PortfolioPosition, 0)
	if err := cur.All(ctx, &list); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return list, nil
}

func (s *Mongo) GetPosition(ctx context.Context, userID, id string) (models.PortfolioPosition, error) {
	var pos models.PortfolioPosition
	err := s.positions.FindOne(ctx, bson.M{"_id": id}).Decode(&pos)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.PortfolioPosition{}, ErrNotFound
	}
	if err != nil {
		return models.PortfolioPosition{}, fmt.Errorf("find position: %w", err)
	}
	if pos.UserID != userID {
		return models.PortfolioPosition{}, ErrForbidden
	}
	return pos, nil
}

func (s *Mongo) UpdatePosition(ctx context.Context, userID string, pos models.PortfolioPosition) error {
	res, err := s.positions.UpdateOne(ctx,
		bson.M{"_id": pos.ID, "user_id": userID},
		bson.M{"$set": bson.M{
			"current_price":       pos.CurrentPrice,
			"current_value":       pos.CurrentValue,
			"invested":            pos.Invested,
			"profit_loss":         pos.ProfitLoss,
			"profit_loss_percent": pos.ProfitLossPercent,
			"risk_level":          pos.RiskLevel,
			"risk_score":          pos.RiskScore,
			"updated_at":          time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.checkOwner(ctx, s.positions, userID, pos.ID)
	}
	return nil
}

func (s *Mongo) RemovePosition(ctx context.Context, userID, id string) error {
	if err := s.checkOwner(ctx, s.positions, userID, id); err != nil {
		return err
	}
	if _, err := s.positions.DeleteOne(ctx, bson.M{"_id": id, "user_id": userID}); err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

func (s *Mongo) MarkPositionSold(ctx context.Context, userID, id string, price float64, at time.Time) error {
	res, err := s.positions.UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID},
		bson.M{"$set": bson.M{
			"status":     models.PositionSold,
			"sold_price": price,
			"sold_at":    at,
			"updated_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("mark position sold: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.checkOwner(ctx, s.positions, userID, id)
	}
	return nil
}

func (s *Mongo) CreateExecution(ctx context.Context, exec *models.AgentExecution) error {
	now := time.Now().UTC()
	if exec.ID == "" {
		exec.ID = primitive.NewObjectID().Hex()
	}
	exec.CreatedAt = now
	exec.UpdatedAt = now
	if _, err := s.executions.InsertOne(ctx, exec); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Mongo) GetExecution(ctx context.Context, userID, id string) (models.AgentExecution, error) {
	var exec models.AgentExecution
	err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&exec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.AgentExecution{}, ErrNotFound
	}
	if err != nil {
		return models.AgentExecution{}, fmt.Errorf("find execution: %w", err)
	}
	if exec.UserID != userID {
		return models.AgentExecution{}, ErrForbidden
	}
	return exec, nil
}

func (s *Mongo) ListExecutions(ctx context.Context, userID string) ([]models.AgentExecution, error) {
	return s.findExecutions(ctx, bson.M{"user_id": userID})
}

func (s *Mongo) ListExecutionsByStatus(ctx context.Context, status models.ExecutionStatus) ([]models.AgentExecution, error) {
	return s.findExecutions(ctx, bson.M{"status": status})
}

func (s *Mongo) findExecutions(ctx context.Context, filter bson.M) ([]models.AgentExecution, error) {
	cur, err := s.executions.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer cur.Close(ctx)

	list := make([]models.AgentExecution, 0)
	if err := cur.All(ctx, &list); err != nil {
		return nil, fmt.Errorf("decode executions: %w", err)
	}
	return list, nil
}

func (s *Mongo) UpdateExecutionStatus(ctx context.Context, userID, id string, from, to models.ExecutionStatus, metadata map[string]any) error {
	set := bson.M{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range metadata {
		set["metadata."+k] = v
	}
	res, err := s.executions.UpdateOne(ctx, bson.M{"_id": id, "user_id": userID, "status": from}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if res.MatchedCount == 0 {
		if err := s.checkOwner(ctx, s.executions, userID, id); err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

func (s *Mongo) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	agent.UpdatedAt = now
	res := s.agents.FindOneAndUpdate(ctx,
		bson.M{"user_id": agent.UserID},
		bson.M{
			"$set": bson.M{
				"name":       agent.Name,
				"config":     agent.Config,
				"active":     agent.Active,
				"updated_at": now,
			},
			"$setOnInsert": bson.M{
				"_id":        primitive.NewObjectID().Hex(),
				"created_at": now,
			},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var saved models.Agent
	if err := res.Decode(&saved); err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	*agent = saved
	return nil
}

func (s *Mongo) GetAgent(ctx context.Context, userID string) (models.Agent, error) {
	var agent models.Agent
	err := s.agents.FindOne(ctx, bson.M{"user_id": userID}).Decode(&agent)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Agent{}, ErrNotFound
	}
	if err != nil {
		return models.Agent{}, fmt.Errorf("find agent: %w", err)
	}
	return agent, nil
}

func (s *Mongo) ListActiveAgents(ctx context.Context) ([]models.Agent, error) {
	cur, err := s.agents.Find(ctx, bson.M{"active": true})
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer cur.Close(ctx)

	list := make([]models.Agent, 0)
	if err := cur.All(ctx, &list); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return list, nil
}

// checkOwner distinguishes a missing document from one owned by someone else.
func (s *Mongo) checkOwner(ctx context.Context, coll *mongo.Collection, userID, id string) error {
	var doc struct {
		UserID string `bson:"user_id"`
	}
	err := coll.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"user_id": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find %s: %w", coll.Name(), err)
	}
	if doc.UserID != userID {
		return ErrForbidden
	}
	return nil
}

var _ Store = (*Mongo)(nil)
var _ Store = (*Memory)(nil)
