package retrypolicy

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecute_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), Config{InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxRetries:      5,
	}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestExecute_ExhaustsMaxRetries(t *testing.T) {
	calls := 0
	wantErr := errors.New("still failing")
	err := Execute(context.Background(), Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxRetries:      3,
	}, func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls (1 + 3 retries), got %d", calls)
	}
}

func TestExecute_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Execute(ctx, DefaultConfig(), func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if calls > 1 {
		t.Fatalf("expected at most 1 call with cancelled context, got %d", calls)
	}
}
