package virtualtime

import (
	"context"
	"testing"
	"time"
)

func TestAfterFiresOnAdvance(t *testing.T) {
	r := New(time.Unix(0, 0))
	ch := r.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After() fired before Advance")
	default:
	}

	r.Advance(5 * time.Second)

	select {
	case <-ch:
	default:
		t.Fatal("After() did not fire after Advance")
	}
}

func TestSleepRespectsContextCancellation(t *testing.T) {
	r := New(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Sleep(ctx, time.Hour); err == nil {
		t.Error("expected Sleep to return an error for a canceled context")
	}
}

func TestNowAdvances(t *testing.T) {
	start := time.Unix(1000, 0)
	r := New(start)
	r.Advance(time.Minute)
	if got := r.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(time.Minute))
	}
}
