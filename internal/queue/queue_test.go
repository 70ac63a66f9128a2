package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"orderflow/internal/infra/storage"
)

func testStore(t *testing.T) *storage.Storage {
	s, err := storage.NewStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open test storage: %v", err)
	}
	return s
}

func testConfig() Config {
	return Config{
		Workers:      4,
		MaxAttempts:  3,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     time.Second,
		RatePerSec:   1000,
		RateBurst:    10,
		PollInterval: 10 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEngine_DeliversAfterInitialDelay(t *testing.T) {
	store := testStore(t)

	var calls atomic.Int32
	eng := NewEngine(testConfig(), store, func(ctx context.Context, task Task) error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer eng.Stop()

	if err := eng.Enqueue("ord-1", 150*time.Millisecond); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("job delivered before initial delay elapsed")
	}

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 1 })
}

func TestEngine_RetriesThenSucceeds(t *testing.T) {
	store := testStore(t)

	var calls atomic.Int32
	eng := NewEngine(testConfig(), store, func(ctx context.Context, task Task) error {
		if calls.Add(1) < 2 {
			return errors.New("transient failure")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer eng.Stop()

	if err := eng.Enqueue("ord-1", 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 2 })
}

func TestEngine_RetryCeiling(t *testing.T) {
	store := testStore(t)

	var calls atomic.Int32
	var finals atomic.Int32
	eng := NewEngine(testConfig(), store, func(ctx context.Context, task Task) error {
		calls.Add(1)
		if task.Final {
			finals.Add(1)
		}
		return errors.New("always failing")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer eng.Stop()

	if err := eng.Enqueue("ord-1", 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return calls.Load() == 3 })

	// Give the engine a chance to (incorrectly) dispatch a 4th attempt.
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Errorf("handler ran %d times, retry ceiling is 3", got)
	}
	if finals.Load() != 1 {
		t.Errorf("exactly one attempt should carry Final, got %d", finals.Load())
	}
}

func TestEngine_AttemptNumbersSequential(t *testing.T) {
	store := testStore(t)

	var mu sync.Mutex
	var attempts []int
	eng := NewEngine(testConfig(), store, func(ctx context.Context, task Task) error {
		mu.Lock()
		attempts = append(attempts, task.Attempt)
		mu.Unlock()
		return errors.New("fail")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer eng.Stop()

	eng.Enqueue("ord-1", 0)

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i, n := range attempts {
		if n != i+1 {
			t.Errorf("attempt %d has number %d", i, n)
		}
	}
}

func TestEngine_ConcurrencyCeiling(t *testing.T) {
	store := testStore(t)

	cfg := testConfig()
	cfg.Workers = 2

	var inflight atomic.Int32
	var peak atomic.Int32
	var done atomic.Int32
	eng := NewEngine(cfg, store, func(ctx context.Context, task Task) error {
		cur := inflight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		inflight.Add(-1)
		done.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer eng.Stop()

	for i := 0; i < 5; i++ {
		eng.Enqueue("ord", 0)
	}

	waitFor(t, 3*time.Second, func() bool { return done.Load() == 5 })

	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds worker ceiling 2", peak.Load())
	}
}

func TestEngine_DistinctJobsRunInParallel(t *testing.T) {
	store := testStore(t)

	cfg := testConfig()
	cfg.Workers = 5

	var done atomic.Int32
	eng := NewEngine(cfg, store, func(ctx context.Context, task Task) error {
		time.Sleep(100 * time.Millisecond)
		done.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer eng.Stop()

	start := time.Now()
	for i := 0; i < 5; i++ {
		eng.Enqueue("ord", 0)
	}

	waitFor(t, 2*time.Second, func() bool { return done.Load() == 5 })

	// Five 100ms jobs on five workers must finish well under the serial 500ms.
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("five jobs took %v, suggesting serial execution", elapsed)
	}
}
