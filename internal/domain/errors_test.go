package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestInfraError(t *testing.T) {
	baseErr := errors.New("database is locked")

	t.Run("retriable error", func(t *testing.T) {
		err := NewInfraError("upsert_order", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "upsert_order: database is locked" {
			t.Errorf("Error message = %q, want %q", err.Error(), "upsert_order: database is locked")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalInfraError("migrate", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to not be retriable")
		}
	})

	t.Run("IsRetriable helper", func(t *testing.T) {
		retriable := NewInfraError("append_attempt", baseErr)
		fatal := NewFatalInfraError("migrate", baseErr)
		plain := errors.New("plain error")

		if !IsRetriable(retriable) {
			t.Error("IsRetriable should return true for retriable error")
		}

		if IsRetriable(fatal) {
			t.Error("IsRetriable should return false for fatal error")
		}

		if IsRetriable(plain) {
			t.Error("IsRetriable should return false for plain error")
		}
	})
}

func TestSlippageError(t *testing.T) {
	err := &SlippageError{
		Expected:    decimal.NewFromInt(100),
		Executed:    decimal.NewFromFloat(102),
		RealizedBps: decimal.NewFromInt(200),
		LimitBps:    100,
	}

	if !err.IsRetriable() {
		t.Error("SlippageError should be retriable")
	}
	if !IsRetriable(err) {
		t.Error("IsRetriable should see SlippageError as retriable")
	}

	expected := "slippage exceeded: realized 200.00 bps > limit 100 bps (expected 100, executed 102)"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	terminal := []OrderStatus{StatusConfirmed, StatusFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	live := []OrderStatus{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
