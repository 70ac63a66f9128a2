package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"orderflow/internal/domain"
	"orderflow/internal/infra/storage"
	"orderflow/internal/queue"
	"orderflow/internal/stream"
	"orderflow/internal/venue"

	"github.com/shopspring/decimal"
)

// stubRand plays back a fixed sequence of values, cycling when exhausted.
type stubRand struct {
	mu   sync.Mutex
	vals []float64
	i    int
}

func (s *stubRand) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return v
}

// capturedEvent is one publish observed by the fake broadcaster.
type capturedEvent struct {
	orderID string
	status  domain.OrderStatus
	payload map[string]any
}

type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (c *capturePublisher) Publish(orderID string, status domain.OrderStatus, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedEvent{orderID: orderID, status: status, payload: payload})
}

func (c *capturePublisher) statuses() []domain.OrderStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.OrderStatus, len(c.events))
	for i, e := range c.events {
		out[i] = e.status
	}
	return out
}

func testVenues() []venue.Venue {
	return []venue.Venue{
		{Name: "raydium", FeePct: decimal.NewFromFloat(0.30), VarianceFrac: 0.02},
		{Name: "meteora", FeePct: decimal.NewFromFloat(0.25), VarianceFrac: 0.015},
	}
}

// newTestOrchestrator builds an orchestrator over a temp sqlite store with the
// given random source. Zero delays keep tests fast.
func newTestOrchestrator(t *testing.T, rnd venue.Rand) (*Orchestrator, *storage.Storage, *capturePublisher) {
	t.Helper()

	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("failed to open test storage: %v", err)
	}

	venues := testVenues()
	router := venue.NewRouter(venue.RouterConfig{
		Venues:       venues,
		PairPrices:   map[string]decimal.Decimal{"SOL/USDC": decimal.NewFromInt(150)},
		DefaultPrice: decimal.NewFromInt(100),
	}, rnd)
	executor := venue.NewExecutor(venue.ExecutorConfig{SlippageSpread: 1.5}, venues, rnd)

	pub := &capturePublisher{}
	orch := NewOrchestrator(Config{BuildDelay: 0}, store, router, executor, pub)
	return orch, store, pub
}

func seedOrder(t *testing.T, store *storage.Storage, tolBps int64) *domain.Order {
	t.Helper()
	order := &domain.Order{
		ID:          "ord-1",
		WalletID:    "wallet-1",
		TokenIn:     "SOL",
		TokenOut:    "USDC",
		AmountIn:    decimal.NewFromFloat(1.5),
		SlippageBps: tolBps,
		Status:      domain.StatusPending,
	}
	if err := store.UpsertOrder(order); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	return order
}

func TestHandleTask_HappyPath(t *testing.T) {
	// 0.5 everywhere: zero quote variance, zero slippage.
	orch, store, pub := newTestOrchestrator(t, &stubRand{vals: []float64{0.5}})
	seedOrder(t, store, 100)

	task := queue.Task{JobID: 1, OrderID: "ord-1", Attempt: 1, Final: false}
	if err := orch.HandleTask(context.Background(), task); err != nil {
		t.Fatalf("HandleTask failed: %v", err)
	}

	order, _ := store.GetOrder("ord-1")
	if order.Status != domain.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", order.Status)
	}

	// Zero variance means prices tie at 150; meteora's lower fee wins.
	if order.Venue != "meteora" {
		t.Errorf("venue = %s, want meteora", order.Venue)
	}
	if order.ExecutedPrice == nil || !order.ExecutedPrice.Equal(decimal.NewFromInt(150)) {
		t.Errorf("executed price = %v, want 150", order.ExecutedPrice)
	}
	want := decimal.NewFromFloat(1.5).Mul(decimal.NewFromInt(150))
	if order.AmountOut == nil || !order.AmountOut.Equal(want) {
		t.Errorf("amountOut = %v, want %s", order.AmountOut, want)
	}
	if len(order.TxRef) != venue.TxRefLen {
		t.Errorf("tx ref length = %d, want %d", len(order.TxRef), venue.TxRefLen)
	}
	if len(order.Quotes) == 0 {
		t.Error("competing quotes should be persisted on the order")
	}

	// Stage transitions observed in strict forward order.
	wantSeq := []domain.OrderStatus{
		domain.StatusPending,
		domain.StatusRouting,
		domain.StatusBuilding,
		domain.StatusSubmitted,
		domain.StatusConfirmed,
	}
	got := pub.statuses()
	if len(got) != len(wantSeq) {
		t.Fatalf("broadcast sequence %v, want %v", got, wantSeq)
	}
	for i := range wantSeq {
		if got[i] != wantSeq[i] {
			t.Fatalf("broadcast sequence %v, want %v", got, wantSeq)
		}
	}

	attempts, _ := store.GetAttempts("ord-1")
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt record, got %d", len(attempts))
	}
	if attempts[0].Stage != domain.StatusConfirmed {
		t.Errorf("attempt stage = %s, want confirmed", attempts[0].Stage)
	}
	if attempts[0].Venue != "meteora" {
		t.Errorf("attempt venue = %s, want meteora", attempts[0].Venue)
	}
}

func TestHandleTask_OrderNotFound(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t, &stubRand{vals: []float64{0.5}})

	task := queue.Task{JobID: 1, OrderID: "missing", Attempt: 1, Final: false}
	err := orch.HandleTask(context.Background(), task)
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	// The failed try is still recorded against the retry ceiling.
	attempts, _ := store.GetAttempts("missing")
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt record, got %d", len(attempts))
	}
	if attempts[0].ErrorMsg == "" {
		t.Error("attempt should carry the error text")
	}
}

func TestHandleTask_SlippageFailureKeepsLastStage(t *testing.T) {
	// Quote draws 0.5 (no variance), execution draw 0.99 blows through the
	// tolerance. Sequence: 2 quote draws, then the execution draw.
	orch, store, pub := newTestOrchestrator(t, &stubRand{vals: []float64{0.5, 0.5, 0.99}})
	seedOrder(t, store, 1)

	task := queue.Task{JobID: 1, OrderID: "ord-1", Attempt: 1, Final: false}
	err := orch.HandleTask(context.Background(), task)

	var slip *domain.SlippageError
	if !errors.As(err, &slip) {
		t.Fatalf("expected SlippageError, got %v", err)
	}

	// Not the final attempt: order stays at its last reached stage.
	order, _ := store.GetOrder("ord-1")
	if order.Status != domain.StatusSubmitted {
		t.Errorf("status = %s, want submitted", order.Status)
	}
	if order.ErrorMsg != "" {
		t.Errorf("non-terminal failure should not set the order error, got %q", order.ErrorMsg)
	}

	attempts, _ := store.GetAttempts("ord-1")
	if len(attempts) != 1 || attempts[0].ErrorMsg == "" {
		t.Fatalf("expected 1 failed attempt record, got %+v", attempts)
	}

	// No terminal broadcast for a retryable failure.
	for _, s := range pub.statuses() {
		if s.IsTerminal() {
			t.Errorf("unexpected terminal broadcast %s", s)
		}
	}
}

func TestHandleTask_FinalAttemptMarksOrderFailed(t *testing.T) {
	orch, store, pub := newTestOrchestrator(t, &stubRand{vals: []float64{0.5, 0.5, 0.99}})
	seedOrder(t, store, 1)

	task := queue.Task{JobID: 1, OrderID: "ord-1", Attempt: 3, Final: true}
	if err := orch.HandleTask(context.Background(), task); err == nil {
		t.Fatal("expected error on final attempt")
	}

	order, _ := store.GetOrder("ord-1")
	if order.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", order.Status)
	}
	if order.ErrorMsg == "" {
		t.Error("terminal failure must carry a human-readable error")
	}

	got := pub.statuses()
	if got[len(got)-1] != domain.StatusFailed {
		t.Errorf("last broadcast = %s, want failed", got[len(got)-1])
	}

	last := pub.events[len(pub.events)-1]
	if last.payload["error"] == "" {
		t.Error("failed broadcast must carry the error text")
	}
}

func TestHandleTask_RetryRestartsFromPending(t *testing.T) {
	// First try fails on slippage, second try succeeds: draws are
	// [q, q, exec-fail] then [q, q, exec-ok, txref...].
	orch, store, pub := newTestOrchestrator(t, &stubRand{vals: []float64{0.5, 0.5, 0.99, 0.5, 0.5, 0.5}})
	seedOrder(t, store, 1)

	first := queue.Task{JobID: 1, OrderID: "ord-1", Attempt: 1, Final: false}
	if err := orch.HandleTask(context.Background(), first); err == nil {
		t.Fatal("first attempt should fail")
	}

	second := queue.Task{JobID: 1, OrderID: "ord-1", Attempt: 2, Final: true}
	if err := orch.HandleTask(context.Background(), second); err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}

	order, _ := store.GetOrder("ord-1")
	if order.Status != domain.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", order.Status)
	}

	attempts, _ := store.GetAttempts("ord-1")
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempt records, got %d", len(attempts))
	}
	if attempts[0].Number != 1 || attempts[1].Number != 2 {
		t.Errorf("attempt numbers = %d, %d; want 1, 2", attempts[0].Number, attempts[1].Number)
	}
	if attempts[0].ErrorMsg == "" {
		t.Error("first attempt should keep its failure text")
	}
	if attempts[1].Stage != domain.StatusConfirmed {
		t.Errorf("second attempt stage = %s, want confirmed", attempts[1].Stage)
	}

	// The retry re-announced pending: the full stage sequence ran twice.
	var pendings int
	for _, s := range pub.statuses() {
		if s == domain.StatusPending {
			pendings++
		}
	}
	if pendings != 2 {
		t.Errorf("pending broadcast %d times, want 2 (one per attempt)", pendings)
	}
}

func TestHandleTask_RedeliveredTerminalOrderIsNoop(t *testing.T) {
	orch, store, pub := newTestOrchestrator(t, &stubRand{vals: []float64{0.5}})
	order := seedOrder(t, store, 100)
	order.Status = domain.StatusConfirmed
	if err := store.UpsertOrder(order); err != nil {
		t.Fatalf("failed to finalize order: %v", err)
	}

	task := queue.Task{JobID: 1, OrderID: "ord-1", Attempt: 1, Final: false}
	if err := orch.HandleTask(context.Background(), task); err != nil {
		t.Fatalf("redelivered job should be a safe no-op, got %v", err)
	}

	if len(pub.statuses()) != 0 {
		t.Errorf("redelivery must not duplicate broadcasts, got %v", pub.statuses())
	}
}

// Full pipeline: queue engine dispatching to the orchestrator over one store,
// with the real broadcaster wired in. Five orders on five workers must all
// confirm in parallel, well under the serial wall-clock time.
func TestFiveOrdersConfirmConcurrently(t *testing.T) {
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("failed to open test storage: %v", err)
	}

	venues := testVenues()
	rnd := venue.NewSeededRand(17)
	router := venue.NewRouter(venue.RouterConfig{
		Venues:       venues,
		PairPrices:   map[string]decimal.Decimal{"SOL/USDC": decimal.NewFromInt(150)},
		DefaultPrice: decimal.NewFromInt(100),
	}, rnd)
	// Fixed 100ms execution delay and no perturbation: success is certain
	// and five serial runs would take at least 500ms.
	executor := venue.NewExecutor(venue.ExecutorConfig{
		ExecDelayMin:   100 * time.Millisecond,
		ExecDelayMax:   100 * time.Millisecond,
		SlippageSpread: 0,
	}, venues, rnd)

	hub := stream.NewHub(store)
	orch := NewOrchestrator(Config{}, store, router, executor, hub)

	eng := queue.NewEngine(queue.Config{
		Workers:      5,
		MaxAttempts:  3,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     time.Second,
		RatePerSec:   1000,
		RateBurst:    10,
		PollInterval: 10 * time.Millisecond,
	}, store, orch.HandleTask)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer eng.Stop()

	start := time.Now()
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = fmt.Sprintf("ord-%d", i)
		order := &domain.Order{
			ID:          ids[i],
			WalletID:    "wallet-1",
			TokenIn:     "SOL",
			TokenOut:    "USDC",
			AmountIn:    decimal.NewFromFloat(1.5),
			SlippageBps: 100,
			Status:      domain.StatusPending,
		}
		if err := store.UpsertOrder(order); err != nil {
			t.Fatalf("failed to seed order: %v", err)
		}
		if err := eng.Enqueue(ids[i], 0); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	allConfirmed := func() bool {
		for _, id := range ids {
			order, err := store.GetOrder(id)
			if err != nil || order == nil || order.Status != domain.StatusConfirmed {
				return false
			}
		}
		return true
	}
	deadline := time.Now().Add(3 * time.Second)
	for !allConfirmed() {
		if time.Now().After(deadline) {
			t.Fatal("orders did not all confirm in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	elapsed := time.Since(start)

	if elapsed > 450*time.Millisecond {
		t.Errorf("five orders took %v, suggesting serial execution", elapsed)
	}

	for _, id := range ids {
		order, _ := store.GetOrder(id)
		if len(order.TxRef) != venue.TxRefLen {
			t.Errorf("order %s tx ref length = %d, want %d", id, len(order.TxRef), venue.TxRefLen)
		}
		if order.ExecutedPrice == nil || order.AmountOut == nil {
			t.Fatalf("order %s missing execution fields", id)
		}
		want := order.AmountIn.Mul(*order.ExecutedPrice)
		if !order.AmountOut.Equal(want) {
			t.Errorf("order %s amountOut = %s, want %s", id, order.AmountOut, want)
		}
	}
}
