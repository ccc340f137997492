package future

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolveOnce(t *testing.T) {
	f := New()
	if f.Completed() {
		t.Fatal("new future already completed")
	}

	f.Resolve()
	f.Reject(errors.New("late"))

	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
	if f.Err() != nil {
		t.Errorf("Err() = %v, want nil", f.Err())
	}
}

func TestRejectReachesAllWaiters(t *testing.T) {
	f := New()
	want := errors.New("fetch failed")

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { results <- f.Wait(context.Background()) }()
	}

	f.Reject(want)
	for i := 0; i < 3; i++ {
		if err := <-results; !errors.Is(err, want) {
			t.Errorf("waiter %d got %v", i, err)
		}
	}
}

func TestWaitContext(t *testing.T) {
	f := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want deadline exceeded", err)
	}
	if f.Completed() {
		t.Error("cancelled wait completed the future")
	}
}

func TestAll(t *testing.T) {
	ctx := context.Background()

	if err := All(ctx); err != nil {
		t.Fatalf("All() with no futures = %v", err)
	}

	a, b := New(), New()
	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Resolve()
		a.Resolve()
	}()
	if err := All(ctx, a, b); err != nil {
		t.Fatalf("All() = %v", err)
	}

	want := errors.New("boom")
	pending := New()
	if err := All(ctx, Resolved(), Rejected(want), pending); !errors.Is(err, want) {
		t.Fatalf("All() = %v, want %v", err, want)
	}
}

func TestJoin(t *testing.T) {
	single := New()
	if Join(single) != single {
		t.Error("Join of one future should return it")
	}

	want := errors.New("boom")
	joined := Join(Resolved(), Rejected(want))
	if err := joined.Wait(context.Background()); !errors.Is(err, want) {
		t.Fatalf("joined.Wait() = %v", err)
	}

	ok := Join(Resolved(), Resolved())
	if err := ok.Wait(context.Background()); err != nil {
		t.Fatalf("joined.Wait() = %v", err)
	}
}
