package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Second, Max: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 5 * time.Second},
		{attempt: 40, want: 5 * time.Second},
	}

	for _, tc := range tests {
		tc := tc
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Fatalf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()

	b := Backoff{}
	if got := b.Delay(1); got != DefaultBase {
		t.Fatalf("Delay(1) = %v, want %v", got, DefaultBase)
	}
	if got := b.Delay(20); got != DefaultMax {
		t.Fatalf("Delay(20) = %v, want %v", got, DefaultMax)
	}
}

func TestBackoffJitter(t *testing.T) {
	t.Parallel()

	var gotN int
	b := NewBackoff(100*time.Millisecond, time.Second, 250*time.Millisecond).WithRand(func(n int) int {
		gotN = n
		return n - 1
	})

	if got, want := b.Delay(1), 350*time.Millisecond; got != want {
		t.Fatalf("Delay(1) = %v, want %v", got, want)
	}
	if gotN != 251 {
		t.Fatalf("randIntn called with %d, want 251", gotN)
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 10 * time.Millisecond, Max: time.Second}
	got := b.Schedule(3)
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("Schedule(3) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Schedule(3)[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if s := b.Schedule(1); s != nil {
		t.Fatalf("Schedule(1) = %v, want nil", s)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Sleep() should return immediately on a cancelled context")
	}

	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
}
