package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTriggerRunsHooksInReverseOrder(t *testing.T) {
	h := NewHandler(time.Second)

	var order []string
	h.OnShutdown(func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	h.OnShutdown(func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	if err := h.Trigger(); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("hook order = %v, want [second first]", order)
	}

	select {
	case <-h.Done():
	default:
		t.Error("Done() not closed after Trigger")
	}
}

func TestTriggerContinuesPastFailures(t *testing.T) {
	h := NewHandler(time.Second)

	wantErr := errors.New("store close failed")
	var ran bool
	h.OnShutdown(func(context.Context) error {
		ran = true
		return wantErr
	})
	h.OnShutdown(func(context.Context) error {
		return errors.New("server close failed")
	})

	err := h.Trigger()
	if !errors.Is(err, wantErr) {
		t.Errorf("Trigger() = %v, want last hook error %v", err, wantErr)
	}
	if !ran {
		t.Error("earlier hook skipped after a failure")
	}
}

func TestHooksShareDeadline(t *testing.T) {
	h := NewHandler(50 * time.Millisecond)

	h.OnShutdown(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	start := time.Now()
	err := h.Trigger()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Trigger() took %v, hook ignored deadline", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Trigger() = %v, want deadline exceeded", err)
	}
}
