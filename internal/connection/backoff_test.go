package connection

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: -1, want: 100 * time.Millisecond},
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 200 * time.Millisecond},
		{attempt: 3, want: 800 * time.Millisecond},
		{attempt: 4, want: time.Second},
		{attempt: 60, want: time.Second},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_Jitter(t *testing.T) {
	b := Backoff{
		Base:   100 * time.Millisecond,
		Max:    time.Second,
		Jitter: 0.2,
		Rand:   func() float64 { return 0.5 },
	}
	if got, want := b.Delay(1), 210*time.Millisecond; got != want {
		t.Errorf("Delay(1) = %v, want %v", got, want)
	}
	if got := b.Delay(10); got != time.Second {
		t.Errorf("Delay(10) = %v, want cap", got)
	}
}

func TestBackoff_LargeAttemptsStayCapped(t *testing.T) {
	tests := []struct {
		name string
		b    Backoff
		want time.Duration
	}{
		{name: "explicit max", b: Backoff{Base: time.Second, Max: time.Minute}, want: time.Minute},
		{name: "unset max", b: Backoff{Base: time.Second}, want: DefaultMaxDelay},
		{name: "jitter", b: Backoff{Base: time.Second, Jitter: 0.5, Rand: func() float64 { return 0.99 }}, want: DefaultMaxDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, attempt := range []int{33, 34, 40, 70, 1100, 1 << 30} {
				if got := tt.b.Delay(attempt); got != tt.want {
					t.Errorf("Delay(%d) = %v, want %v", attempt, got, tt.want)
				}
			}
		})
	}
}

func TestNewManager_DefaultsBackoffMax(t *testing.T) {
	m := NewManager(Options{Logger: zerolog.Nop(), Backoff: Backoff{Base: 2 * time.Second}})
	defer m.Close()
	if got := m.opts.Backoff.Max; got != DefaultMaxDelay {
		t.Errorf("Backoff.Max = %v, want %v", got, DefaultMaxDelay)
	}

	m = NewManager(Options{Logger: zerolog.Nop(), Backoff: Backoff{Base: time.Minute, Max: time.Second}})
	defer m.Close()
	if got := m.opts.Backoff.Max; got != time.Minute {
		t.Errorf("Backoff.Max = %v, want it raised to Base", got)
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := newQueue[int]()
	for i := range 3 {
		if !q.push(i) {
			t.Fatalf("push(%d) rejected", i)
		}
	}
	for want := range 3 {
		got, ok := q.pop(nil)
		if !ok || got != want {
			t.Errorf("pop() = %d, %v, want %d, true", got, ok, want)
		}
	}
}

func TestQueue_PopWakesOnPush(t *testing.T) {
	q := newQueue[string]()
	got := make(chan string, 1)
	go func() {
		v, _ := q.pop(nil)
		got <- v
	}()

	time.Sleep(10 * time.Millisecond)
	q.push("late")

	select {
	case v := <-got:
		if v != "late" {
			t.Errorf("pop() = %q, want %q", v, "late")
		}
	case <-time.After(time.Second):
		t.Fatal("pop() did not wake")
	}
}

func TestQueue_Close(t *testing.T) {
	q := newQueue[int]()
	q.push(1)
	q.close()

	if _, ok := q.pop(nil); ok {
		t.Error("pop() after close returned an item")
	}
	if q.push(2) {
		t.Error("push() after close accepted")
	}

	done := make(chan struct{})
	close(done)
	if _, ok := newQueue[int]().pop(done); ok {
		t.Error("pop() with done fired returned an item")
	}
}

func TestQueue_SealDrains(t *testing.T) {
	q := newQueue[int]()
	q.push(1)
	q.push(2)
	q.seal()

	if q.push(3) {
		t.Error("push() after seal accepted")
	}
	for want := 1; want <= 2; want++ {
		got, ok := q.pop(nil)
		if !ok || got != want {
			t.Errorf("pop() = %d, %v, want %d, true", got, ok, want)
		}
	}
	if _, ok := q.pop(nil); ok {
		t.Error("pop() on a drained sealed queue returned an item")
	}
}
