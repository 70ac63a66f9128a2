// Package engine drives one order through its execution stages:
// pending -> routing -> building -> submitted -> confirmed, with failed as a
// side-exit from any non-terminal stage. Each transition is persisted and
// broadcast before the next stage begins, so persisted and observed state
// never diverge by more than one stage.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"orderflow/internal/domain"
	"orderflow/internal/infra"
	"orderflow/internal/queue"
	"orderflow/internal/venue"

	"gorm.io/datatypes"
)

// Config holds orchestrator tuning knobs.
type Config struct {
	// BuildDelay simulates the transaction-build step; no real artifact is
	// produced.
	BuildDelay time.Duration
}

// Orchestrator executes one queued attempt of an order. A retried attempt
// always restarts from pending and re-runs routing and building; the design
// does not resume mid-stage.
type Orchestrator struct {
	cfg       Config
	store     domain.OrderStore
	router    *venue.Router
	executor  *venue.Executor
	publisher domain.StatusPublisher
}

// NewOrchestrator wires the state machine to its collaborators.
func NewOrchestrator(cfg Config, store domain.OrderStore, router *venue.Router, executor *venue.Executor, publisher domain.StatusPublisher) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		router:    router,
		executor:  executor,
		publisher: publisher,
	}
}

// HandleTask is the queue handler for one dispatched attempt. Errors from the
// simulator and the persistence gateway are treated uniformly: recorded on the
// attempt and re-raised so the queue drives retry or dead-lettering.
func (o *Orchestrator) HandleTask(ctx context.Context, task queue.Task) error {
	order, err := o.store.GetOrder(task.OrderID)
	if err != nil {
		return o.failAttempt(task, nil, domain.StatusPending, domain.NewInfraError("get_order", err))
	}
	if order == nil {
		return o.failAttempt(task, nil, domain.StatusPending, domain.ErrOrderNotFound)
	}

	// Redelivered job for an order that already finished: replaying is a
	// no-op, and terminal broadcasts must not be duplicated.
	if order.Status.IsTerminal() {
		slog.Info("skipping redelivered job for terminal order",
			slog.String("order_id", order.ID),
			slog.String("status", string(order.Status)),
		)
		return nil
	}

	// Informational: every attempt announces itself from the top.
	o.publisher.Publish(order.ID, domain.StatusPending, map[string]any{"attempt": task.Attempt})

	// Routing: fan out quotes, pick the best venue.
	if err := o.transition(order, task, domain.StatusRouting, map[string]any{"attempt": task.Attempt}); err != nil {
		return o.failAttempt(task, order, domain.StatusRouting, err)
	}

	quotes, err := o.router.QuoteAll(ctx, order.TokenIn, order.TokenOut, order.AmountIn)
	if err != nil {
		return o.failAttempt(task, order, domain.StatusRouting, domain.NewInfraError("quote", err))
	}
	best, err := venue.SelectBest(quotes)
	if err != nil {
		return o.failAttempt(task, order, domain.StatusRouting, err)
	}

	order.Venue = best.Venue
	order.Quotes = quotesJSON(quotes)

	// Building: carry the selected venue and the competing prices.
	if err := o.transition(order, task, domain.StatusBuilding, map[string]any{
		"venue":  best.Venue,
		"quotes": quotePrices(quotes),
	}); err != nil {
		return o.failAttempt(task, order, domain.StatusBuilding, err)
	}

	select {
	case <-ctx.Done():
		return o.failAttempt(task, order, domain.StatusBuilding, ctx.Err())
	case <-time.After(o.cfg.BuildDelay):
	}

	// Submitted: hand off to execution.
	if err := o.transition(order, task, domain.StatusSubmitted, map[string]any{
		"venue":          best.Venue,
		"expected_price": best.Price,
	}); err != nil {
		return o.failAttempt(task, order, domain.StatusSubmitted, err)
	}

	res, err := o.executor.Execute(ctx, best.Venue, order.AmountIn, best.Price, order.SlippageBps)
	if err != nil {
		return o.failAttempt(task, order, domain.StatusSubmitted, err)
	}

	// Confirmed: persist the full execution result, then broadcast it.
	order.Status = domain.StatusConfirmed
	order.ExecutedPrice = &res.ExecutedPrice
	order.AmountOut = &res.AmountOut
	order.TxRef = res.TxRef
	if err := o.store.UpsertOrder(order); err != nil {
		return o.failAttempt(task, order, domain.StatusConfirmed, domain.NewInfraError("upsert_order", err))
	}
	o.recordAttempt(task, order, domain.StatusConfirmed, "")

	o.publisher.Publish(order.ID, domain.StatusConfirmed, map[string]any{
		"attempt":        task.Attempt,
		"venue":          order.Venue,
		"executed_price": res.ExecutedPrice,
		"amount_out":     res.AmountOut,
		"tx_ref":         res.TxRef,
		"slippage_bps":   res.SlippageBps,
	})

	infra.GlobalMetrics.RecordOrderConfirmed()
	slog.Info("order confirmed",
		slog.String("order_id", order.ID),
		slog.String("venue", order.Venue),
		slog.Int("attempt", task.Attempt),
	)
	return nil
}

// transition advances the order one stage: persist first, then broadcast,
// then durably note the stage on the attempt record.
func (o *Orchestrator) transition(order *domain.Order, task queue.Task, status domain.OrderStatus, payload map[string]any) error {
	order.Status = status
	if err := o.store.UpsertOrder(order); err != nil {
		return domain.NewInfraError("upsert_order", err)
	}
	o.recordAttempt(task, order, status, "")
	o.publisher.Publish(order.ID, status, payload)
	return nil
}

// failAttempt settles a failed try: the attempt record keeps the stage reached
// and the error text. On the final allowed attempt the order itself turns
// failed; otherwise its persisted status stays at the last reached stage and
// the error propagates so the queue schedules a retry.
func (o *Orchestrator) failAttempt(task queue.Task, order *domain.Order, stage domain.OrderStatus, cause error) error {
	o.recordAttempt(task, order, stage, cause.Error())

	if !task.Final {
		return cause
	}

	orderID := task.OrderID
	if order != nil {
		order.Status = domain.StatusFailed
		order.ErrorMsg = cause.Error()
		if err := o.store.UpsertOrder(order); err != nil {
			slog.Error("failed to persist terminal failure",
				slog.String("order_id", order.ID),
				slog.Any("error", err),
			)
		}
		orderID = order.ID
	}

	o.publisher.Publish(orderID, domain.StatusFailed, map[string]any{
		"attempt": task.Attempt,
		"error":   cause.Error(),
	})

	infra.GlobalMetrics.RecordOrderFailed()
	slog.Error("order failed terminally",
		slog.String("order_id", orderID),
		slog.Int("attempts", task.Attempt),
		slog.Any("error", cause),
	)
	return cause
}

// recordAttempt upserts the attempt row for this try. Attempt persistence is
// best-effort audit trail; a write failure must not mask the primary outcome.
func (o *Orchestrator) recordAttempt(task queue.Task, order *domain.Order, stage domain.OrderStatus, errMsg string) {
	attempt := &domain.Attempt{
		OrderID:  task.OrderID,
		Number:   task.Attempt,
		Stage:    stage,
		ErrorMsg: errMsg,
	}
	if order != nil {
		attempt.Venue = order.Venue
	}
	if err := o.store.UpsertAttempt(attempt); err != nil {
		slog.Error("failed to record attempt",
			slog.String("order_id", task.OrderID),
			slog.Int("attempt", task.Attempt),
			slog.Any("error", err),
		)
	}
}

// quotesJSON serializes the competing quotes onto the order record.
func quotesJSON(quotes []domain.Quote) datatypes.JSON {
	prices := quotePrices(quotes)
	b, err := json.Marshal(prices)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// quotePrices maps venue name to quoted unit price.
func quotePrices(quotes []domain.Quote) map[string]string {
	prices := make(map[string]string, len(quotes))
	for _, q := range quotes {
		prices[q.Venue] = q.Price.String()
	}
	return prices
}
