package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	ch := f.After(5 * time.Second)

	f.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	f.Advance(time.Second)
	select {
	case got := <-ch:
		if want := start.Add(5 * time.Second); !got.Equal(want) {
			t.Fatalf("fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if f.Pending() != 0 {
		t.Fatalf("Pending=%d, want 0", f.Pending())
	}
}

func TestFakeTickerRepeatsUntilStopped(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tk := f.NewTicker(time.Second)

	for i := 0; i < 3; i++ {
		f.Advance(time.Second)
		select {
		case <-tk.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	tk.Stop()
	f.Advance(time.Second)
	select {
	case <-tk.C:
		t.Fatal("tick after Stop")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-f.After(time.Minute)
		close(done)
	}()
	f.WaitForTimers(1)
	f.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine not released")
	}
}
