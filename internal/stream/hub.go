// Package stream broadcasts per-order status transitions to live subscribers.
// At most one subscriber channel is registered per order (last writer wins);
// a newly-connected observer first receives a snapshot of the persisted state
// and a replay of the attempt history, in order, before any live event.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orderflow/internal/domain"
	"orderflow/internal/infra"
)

// sendBuffer bounds the per-subscriber outbound queue. A subscriber that
// falls this far behind is dropped rather than blocking publishers.
const sendBuffer = 64

// subscriber starts out pending: events published while the snapshot and
// replay are being loaded land on the backlog and flush after them. Once live,
// events go straight to the channel.
type subscriber struct {
	ch      chan []byte
	live    bool
	backlog [][]byte
}

// Hub owns the order -> subscriber registry. Safe for concurrent use from any
// number of workers. The registry lock is never held across storage reads; a
// subscribe in progress stalls no publisher.
type Hub struct {
	mu    sync.Mutex
	store domain.OrderStore
	subs  map[string]*subscriber
}

// NewHub creates a Hub reading snapshots and attempt history from store.
func NewHub(store domain.OrderStore) *Hub {
	return &Hub{
		store: store,
		subs:  make(map[string]*subscriber),
	}
}

// Subscription is one live registration. Close deregisters it; closing a
// subscription that was already replaced by a newer one is a no-op.
type Subscription struct {
	OrderID string
	C       <-chan []byte

	hub *Hub
	sub *subscriber
}

// Close removes this subscription from the hub if it is still the active one.
func (s *Subscription) Close() {
	s.hub.remove(s.OrderID, s.sub)
}

// Subscribe registers a channel for the order, replacing any previous
// registration. The channel is registered before the snapshot is read, so no
// event published meanwhile is lost: such events wait on the backlog and are
// delivered after the snapshot and the attempt replay, preserving the
// snapshot-first ordering.
func (h *Hub) Subscribe(orderID string) (*Subscription, error) {
	sub := &subscriber{ch: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if prev, ok := h.subs[orderID]; ok {
		close(prev.ch)
		infra.GlobalMetrics.DecrementSubscribers()
	}
	h.subs[orderID] = sub
	infra.GlobalMetrics.IncrementSubscribers()
	h.mu.Unlock()

	order, err := h.store.GetOrder(orderID)
	if err != nil {
		h.remove(orderID, sub)
		return nil, domain.NewInfraError("snapshot", err)
	}
	if order == nil {
		h.remove(orderID, sub)
		return nil, fmt.Errorf("subscribe %s: %w", orderID, domain.ErrOrderNotFound)
	}
	attempts, err := h.store.GetAttempts(orderID)
	if err != nil {
		h.remove(orderID, sub)
		return nil, domain.NewInfraError("replay", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// A competing subscribe may have replaced us while loading; the channel
	// is then already closed and the winner owns the registration.
	if h.subs[orderID] == sub {
		h.deliverLocked(orderID, sub, snapshotEnvelope(order))
		for i := range attempts {
			h.deliverLocked(orderID, sub, replayEnvelope(&attempts[i]))
		}
		for _, env := range sub.backlog {
			h.deliverLocked(orderID, sub, env)
		}
		sub.backlog = nil
		sub.live = true
	}

	slog.Debug("subscriber registered",
		slog.String("order_id", orderID),
		slog.Int("replayed_attempts", len(attempts)),
	)

	return &Subscription{OrderID: orderID, C: sub.ch, hub: h, sub: sub}, nil
}

// Unsubscribe removes the active registration for the order, if any.
// Removing an absent registration is not an error.
func (h *Hub) Unsubscribe(orderID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subs[orderID]; ok {
		close(sub.ch)
		delete(h.subs, orderID)
		infra.GlobalMetrics.DecrementSubscribers()
	}
}

// remove deregisters sub only if it is still the active registration.
func (h *Hub) remove(orderID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.subs[orderID]; ok && cur == sub {
		close(cur.ch)
		delete(h.subs, orderID)
		infra.GlobalMetrics.DecrementSubscribers()
	}
}

// Publish delivers a status envelope to the order's subscriber. With no
// active subscriber this is a silent no-op. A pending subscriber accumulates
// the event on its backlog; a live one receives it directly. A subscriber
// whose buffer is full is dropped so one slow reader never stalls the
// orchestrator.
func (h *Hub) Publish(orderID string, status domain.OrderStatus, payload map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[orderID]
	if !ok {
		return
	}

	env := statusEnvelope(orderID, status, payload)
	if !sub.live {
		if len(sub.backlog) >= sendBuffer {
			h.dropLocked(orderID, sub)
			return
		}
		sub.backlog = append(sub.backlog, env)
		infra.GlobalMetrics.RecordBroadcast()
		return
	}

	h.deliverLocked(orderID, sub, env)
}

// deliverLocked pushes one envelope onto a registered subscriber's channel,
// cutting the subscriber loose when the buffer is full. Caller holds the
// registry lock and has verified sub is the active registration.
func (h *Hub) deliverLocked(orderID string, sub *subscriber, env []byte) {
	if env == nil {
		return
	}
	if h.subs[orderID] != sub {
		return
	}

	select {
	case sub.ch <- env:
		infra.GlobalMetrics.RecordBroadcast()
	default:
		h.dropLocked(orderID, sub)
	}
}

// dropLocked evicts a subscriber that cannot keep up.
func (h *Hub) dropLocked(orderID string, sub *subscriber) {
	close(sub.ch)
	delete(h.subs, orderID)
	infra.GlobalMetrics.DecrementSubscribers()
	infra.GlobalMetrics.RecordBroadcastDropped()
	slog.Warn("dropping slow subscriber", slog.String("order_id", orderID))
}

// HasSubscriber reports whether the order currently has a live registration.
func (h *Hub) HasSubscriber(orderID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[orderID]
	return ok
}

// statusEnvelope serializes one wire message: the base fields plus the
// stage-specific payload merged flat.
func statusEnvelope(orderID string, status domain.OrderStatus, payload map[string]any) []byte {
	msg := map[string]any{
		"order_id":  orderID,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range payload {
		msg[k] = v
	}

	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal status envelope", slog.Any("error", err))
		return nil
	}
	return b
}

// snapshotEnvelope carries the order's last persisted state and result fields.
func snapshotEnvelope(order *domain.Order) []byte {
	payload := map[string]any{
		"snapshot":     true,
		"wallet_id":    order.WalletID,
		"token_in":     order.TokenIn,
		"token_out":    order.TokenOut,
		"amount_in":    order.AmountIn,
		"slippage_bps": order.SlippageBps,
	}
	if order.Venue != "" {
		payload["venue"] = order.Venue
	}
	if len(order.Quotes) > 0 {
		payload["quotes"] = json.RawMessage(order.Quotes)
	}
	if order.ExecutedPrice != nil {
		payload["executed_price"] = order.ExecutedPrice
	}
	if order.AmountOut != nil {
		payload["amount_out"] = order.AmountOut
	}
	if order.TxRef != "" {
		payload["tx_ref"] = order.TxRef
	}
	if order.ErrorMsg != "" {
		payload["error"] = order.ErrorMsg
	}
	return statusEnvelope(order.ID, order.Status, payload)
}

// replayEnvelope carries one historical attempt.
func replayEnvelope(a *domain.Attempt) []byte {
	payload := map[string]any{
		"replay":  true,
		"attempt": a.Number,
		"stage":   a.Stage,
	}
	if a.Venue != "" {
		payload["venue"] = a.Venue
	}
	if a.ErrorMsg != "" {
		payload["error"] = a.ErrorMsg
	}
	return statusEnvelope(a.OrderID, a.Stage, payload)
}
