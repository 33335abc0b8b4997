package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelaySchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{2, time.Second},
		{3, 5 * time.Second},
		{8, 15 * time.Second},
		{9, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, c := range cases {
		if got := Delay(c.attempt); got != c.want {
			t.Fatalf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestRunWithReconnectStopsOnSuccess(t *testing.T) {
	calls := 0
	err := RunWithReconnect(context.Background(), true, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRunWithReconnectDisabledReturnsError(t *testing.T) {
	sentinel := errors.New("connect failed")
	calls := 0
	err := RunWithReconnect(context.Background(), false, func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRunWithReconnectHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sentinel := errors.New("connect failed")
	err := RunWithReconnect(ctx, true, func(context.Context) error {
		cancel()
		return sentinel
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
