package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	r := New(Policy{MaxRetries: 2, BaseDelay: time.Second})
	r.sleepFunc = func(time.Duration) { t.Fatal("slept before first attempt") }

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do error = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesWithLinearBackoff(t *testing.T) {
	var delays []time.Duration
	r := New(Policy{MaxRetries: 2, BaseDelay: time.Second})
	r.sleepFunc = func(d time.Duration) { delays = append(delays, d) }

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("status 500"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestDo_ExhaustedTransientIsErrorResponse(t *testing.T) {
	r := New(Policy{MaxRetries: 2, BaseDelay: 0})

	err := r.Do(context.Background(), func(context.Context) error {
		return Transient(errors.New("status 503"))
	})
	if !errors.Is(err, ErrErrorResponse) {
		t.Errorf("error = %v, want ErrErrorResponse", err)
	}
}

func TestDo_ExhaustedTransportIsNoResponse(t *testing.T) {
	r := New(Policy{MaxRetries: 2, BaseDelay: 0})

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})
	if !errors.Is(err, ErrNoResponse) {
		t.Errorf("error = %v, want ErrNoResponse", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	r := New(Policy{MaxRetries: 2, BaseDelay: 0})

	appErr := errors.New("validation failed")
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(appErr)
	})
	if !errors.Is(err, appErr) {
		t.Errorf("error = %v, want %v", err, appErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_CancelledContextStops(t *testing.T) {
	r := New(Policy{MaxRetries: 5, BaseDelay: 0})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
