package services

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"asset-monitor/internal/models"
)

type PriceAlertHandler func(models.PriceAlert)

type RiskAlertHandler func(models.RiskAlert)

type subscription struct {
	seq    uint64
	userID string
	price  PriceAlertHandler
	risk   RiskAlertHandler
}

// AlertHub routes alerts to the handlers registered for the alert's user.
// Handlers run on the emitting goroutine, outside the hub lock, so a
// handler may subscribe or unregister without deadlocking. Handlers for a
// user run in the order they subscribed.
type AlertHub struct {
	mu      sync.RWMutex
	subs    map[string]subscription
	nextSeq uint64
	metrics *Metrics
	log     *zap.Logger
}

func NewAlertHub(metrics *Metrics, log *zap.Logger) *AlertHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &AlertHub{
		subs:    make(map[string]subscription),
		metrics: metrics,
		log:     log,
	}
}

func (h *AlertHub) SubscribePrice(userID string, fn PriceAlertHandler) string {
	return h.add(subscription{userID: userID, price: fn})
}

func (h *AlertHub) SubscribeRisk(userID string, fn RiskAlertHandler) string {
	return h.add(subscription{userID: userID, risk: fn})
}

func (h *AlertHub) add(sub subscription) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.nextSeq++
	sub.seq = h.nextSeq
	h.subs[id] = sub
	n := len(h.subs)
	h.mu.Unlock()
	h.metrics.subscribers(n)
	return id
}

// Unregister removes a handler. Alerts emitted after it returns never reach
// the handler, even when the emission already started.
func (h *AlertHub) Unregister(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()
	h.metrics.subscribers(n)
}

func (h *AlertHub) EmitPrice(alert models.PriceAlert) {
	for _, id := range h.snapshot(alert.UserID, true) {
		sub, ok := h.lookup(id)
		if !ok || sub.price == nil {
			continue
		}
		h.call(id, func() { sub.price(alert) })
	}
}

func (h *AlertHub) EmitRisk(alert models.RiskAlert) {
	for _, id := range h.snapshot(alert.UserID, false) {
		sub, ok := h.lookup(id)
		if !ok || sub.risk == nil {
			continue
		}
		h.call(id, func() { sub.risk(alert) })
	}
}

// Subscribers returns the number of registered handlers.
func (h *AlertHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *AlertHub) snapshot(userID string, price bool) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, 2)
	for id, sub := range h.subs {
		if sub.userID != userID {
			continue
		}
		if (price && sub.price != nil) || (!price && sub.risk != nil) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return h.subs[ids[i]].seq < h.subs[ids[j]].seq })
	return ids
}

func (h *AlertHub) lookup(id string) (subscription, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subs[id]
	return sub, ok
}

// call isolates one handler: a panic is logged and the remaining handlers
// still run.
func (h *AlertHub) call(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("alert handler panicked", zap.String("subscription", id), zap.Any("panic", r))
		}
	}()
	fn()
}
