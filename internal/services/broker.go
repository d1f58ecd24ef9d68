package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"asset-monitor/internal/models"
)

// SellOrder closes a whole position at a market price.
type SellOrder struct {
	UserID     string
	PositionID string
	Symbol     string
	AssetClass models.AssetClass
	Quantity   float64
	Price      float64
}

type Fill struct {
	OrderID  string
	Price    float64
	Quantity float64
	Proceeds float64
	FilledAt time.Time
}

// Broker executes sells on behalf of the agent.
type Broker interface {
	Sell(ctx context.Context, order SellOrder) (Fill, error)
}

// SimulatedBroker fills every order in full at the requested price.
type SimulatedBroker struct {
	now func() time.Time
}

func NewSimulatedBroker() *SimulatedBroker {
	return &SimulatedBroker{now: func() time.Time { return time.Now().UTC() }}
}

func (b *SimulatedBroker) Sell(ctx context.Context, order SellOrder) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if order.Quantity <= 0 {
		return Fill{}, fmt.Errorf("%w: %g", ErrInvalidQuantity, order.Quantity)
	}
	if order.Price <= 0 {
		return Fill{}, fmt.Errorf("invalid sell price %g for %s", order.Price, order.Symbol)
	}
	proceeds, _ := decimal.NewFromFloat(order.Quantity).
		Mul(decimal.NewFromFloat(order.Price)).
		Round(2).
		Float64()
	return Fill{
		OrderID:  uuid.NewString(),
		Price:    order.Price,
		Quantity: order.Quantity,
		Proceeds: proceeds,
		FilledAt: b.now(),
	}, nil
}
