package queue

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatalf("failed to push %d: %v", id, err)
		}
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Fatalf("expected 3 queued, got %d", n)
	}

	for _, want := range []int64{1, 2, 3} {
		got, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			t.Fatalf("pop failed: ok=%v err=%v", ok, err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	_, ok, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("pop on empty failed: %v", err)
	}
	if ok {
		t.Error("expected empty queue")
	}
}

func TestMemoryQueueDedup(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	_ = q.Push(ctx, 7)
	_ = q.Push(ctx, 7)
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("expected dedup to keep 1 entry, got %d", n)
	}

	// Once popped, the id may be pushed again.
	_, _, _ = q.Pop(ctx)
	if err := q.Push(ctx, 7); err != nil {
		t.Fatalf("failed to re-push: %v", err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("expected re-push to enqueue, got %d", n)
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	_ = q.Push(ctx, 1)
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := q.Push(ctx, 2); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on push, got %v", err)
	}
	if _, _, err := q.Pop(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on pop, got %v", err)
	}
	if _, err := q.Len(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on len, got %v", err)
	}
}

func TestRedisURLValidation(t *testing.T) {
	if _, err := NewRedis("not-a-url", "k"); err == nil {
		t.Error("expected error for malformed redis url")
	}
}
