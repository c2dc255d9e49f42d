package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeSleepAdvancesAndRecords(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c := Fake(start)

	if err := Sleep(context.Background(), c, 61*time.Second); err != nil {
		t.Fatalf("Sleep error: %v", err)
	}
	if got := c.Now(); !got.Equal(start.Add(61 * time.Second)) {
		t.Fatalf("unexpected now %v", got)
	}
	sleeps := c.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 61*time.Second {
		t.Fatalf("unexpected sleeps %v", sleeps)
	}
}

func TestSleepCancelled(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, c, 0); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
