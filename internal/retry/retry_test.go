package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Fixed(3, 0).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoReturnsLastError(t *testing.T) {
	want := errors.New("still broken")
	calls := 0
	err := Fixed(2, 0).Do(context.Background(), func(context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDoIfStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("permanent")
	calls := 0
	err := Fixed(5, 0).DoIf(context.Background(),
		func(context.Context) error {
			calls++
			return fatal
		},
		func(err error) bool { return !errors.Is(err, fatal) },
	)
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestLinearBackoffGrows(t *testing.T) {
	p := Linear(3, 2*time.Second)
	if p.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", p.Attempts)
	}
	for attempt, want := range map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 6 * time.Second,
	} {
		if got := p.Backoff(attempt); got != want {
			t.Fatalf("Backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Linear(10, time.Hour).Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after cancel")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
