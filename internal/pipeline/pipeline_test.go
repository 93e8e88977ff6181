package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pdcaflow/internal/pipeline"
)

func TestSyncDispatchReturnsHandlerError(t *testing.T) {
	q := pipeline.NewQueue(4)
	want := errors.New("boom")
	q.Register("cmd", func(ctx context.Context, payload any) error {
		return want
	})
	if err := q.Dispatch(context.Background(), pipeline.Sync, "cmd", nil); !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestSyncDispatchWithoutHandlerFails(t *testing.T) {
	q := pipeline.NewQueue(4)
	if err := q.Dispatch(context.Background(), pipeline.Sync, "missing", nil); err == nil {
		t.Fatalf("expected error for missing handler")
	}
}

func TestAsyncDispatchDrainsOnClose(t *testing.T) {
	q := pipeline.NewQueue(16)
	var mu sync.Mutex
	var got []int
	q.Register("cmd", func(ctx context.Context, payload any) error {
		mu.Lock()
		got = append(got, payload.(int))
		mu.Unlock()
		return nil
	})
	q.Start()
	for i := 0; i < 10; i++ {
		if err := q.Dispatch(context.Background(), pipeline.Async, "cmd", i); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	q.Close()
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 10 {
		t.Fatalf("expected 10 deliveries, got %d", len(got))
	}
}

func TestAsyncHandlerErrorDoesNotStopWorker(t *testing.T) {
	q := pipeline.NewQueue(16)
	var mu sync.Mutex
	count := 0
	q.Register("cmd", func(ctx context.Context, payload any) error {
		mu.Lock()
		count++
		mu.Unlock()
		if payload.(int) == 0 {
			return errors.New("boom")
		}
		return nil
	})
	q.Start()
	for i := 0; i < 3; i++ {
		_ = q.Dispatch(context.Background(), pipeline.Async, "cmd", i)
	}
	q.Close()
	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Fatalf("expected 3 deliveries, got %d", count)
	}
}

func TestAsyncDispatchHonorsContext(t *testing.T) {
	q := pipeline.NewQueue(1)
	q.Register("cmd", func(ctx context.Context, payload any) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	// Fill the buffer without a running worker, then cancel.
	if err := q.Dispatch(ctx, pipeline.Async, "cmd", 1); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	cancel()
	if err := q.Dispatch(ctx, pipeline.Async, "cmd", 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	q := pipeline.NewQueue(4)
	q.Start()
	q.Close()
	q.Close()
}

func TestModeString(t *testing.T) {
	if pipeline.Async.String() != "async" || pipeline.Sync.String() != "sync" {
		t.Fatalf("mode names: %s %s", pipeline.Async, pipeline.Sync)
	}
}
