package core

import (
	"context"
	"errors"
	"testing"
)

func TestRetryPolicy_CalculateDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100, MaxDelay: 350, BackoffRatio: 2}

	for attempt, want := range []int64{100, 200, 350, 350} {
		if got := p.calculateDelay(attempt); int64(got) != want {
			t.Errorf("calculateDelay(%d) = %d, want %d", attempt, got, want)
		}
	}
	if got := NoRetry().calculateDelay(3); got != 0 {
		t.Errorf("NoRetry delay = %v, want 0", got)
	}
}

func TestRetryOperation_GivesUpAfterMaxRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	calls := 0
	var handled string
	err := retryOperation(ctx, RetryPolicy{MaxRetries: 2, BackoffRatio: 1}, NewNoOpLogger(),
		func(taskID, operation string, err error) { handled = operation + "/" + taskID },
		"MarkCompleted", "t1",
		func(context.Context) error {
			calls++
			return errors.New("down")
		})

	if err == nil {
		t.Fatal("retryOperation error = nil, want failure")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if handled != "MarkCompleted/t1" {
		t.Errorf("error handler saw %q, want MarkCompleted/t1", handled)
	}
}
