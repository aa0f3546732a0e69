package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/labhub-core/internal/watchdog"
)

// photodiode is a settable sensor shared by the watchdogs of a test.
type photodiode struct {
	mu sync.Mutex
	v  float64
}

func (p *photodiode) Read(context.Context, string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.v, nil
}

func (p *photodiode) set(v float64) {
	p.mu.Lock()
	p.v = v
	p.mu.Unlock()
}

func addLockWatchdog(t *testing.T, h *Hub, pd *photodiode) *watchdog.Watchdog {
	t.Helper()
	w := watchdog.New(watchdog.Config{Name: "cavity", Channel: "pd0", Threshold: 0.5, Below: true}, pd)
	if err := h.AddWatchdog(w); err != nil {
		t.Fatalf("AddWatchdog() error = %v", err)
	}
	return w
}

func TestCheckLock_NoWatchdogsIsLocked(t *testing.T) {
	h := New(context.Background(), "bench", Options{})
	locked, err := h.CheckLock(context.Background(), true)
	if !locked || err != nil {
		t.Errorf("CheckLock() = %v, %v; want true, nil", locked, err)
	}
}

func TestCheckLock_NonBlockingNeverBlocks(t *testing.T) {
	h := New(context.Background(), "bench", Options{})
	addLockWatchdog(t, h, &photodiode{v: 0})

	start := time.Now()
	locked, err := h.CheckLock(context.Background(), false)
	if err != nil {
		t.Fatalf("CheckLock() error = %v", err)
	}
	if locked {
		t.Error("CheckLock() = true with a reacting watchdog")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("CheckLock(block=false) took %v", elapsed)
	}
}

func TestCheckLock_DisabledIsIgnored(t *testing.T) {
	h := New(context.Background(), "bench", Options{})
	w := addLockWatchdog(t, h, &photodiode{v: 0})

	h.EnableWatchdogs(false)
	if locked, _ := h.CheckLock(context.Background(), false); !locked {
		t.Error("CheckLock() = false with watchdogs disabled")
	}
	if w.Enabled() {
		t.Error("watchdog still enabled")
	}

	h.EnableWatchdogs(true)
	if locked, _ := h.CheckLock(context.Background(), false); locked {
		t.Error("CheckLock() = true after re-enabling a reacting watchdog")
	}
}

func TestCheckLock_BlocksUntilLocked(t *testing.T) {
	h := New(context.Background(), "bench", Options{LockPollInterval: 2 * time.Millisecond})
	pd := &photodiode{v: 0}
	addLockWatchdog(t, h, pd)

	go func() {
		time.Sleep(20 * time.Millisecond)
		pd.set(1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	locked, err := h.CheckLock(ctx, true)
	if !locked || err != nil {
		t.Errorf("CheckLock() = %v, %v; want true, nil", locked, err)
	}
}

func TestCheckLock_BlockingHonoursContext(t *testing.T) {
	h := New(context.Background(), "bench", Options{LockPollInterval: 2 * time.Millisecond})
	addLockWatchdog(t, h, &photodiode{v: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	locked, err := h.CheckLock(ctx, true)
	if locked || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CheckLock() = %v, %v; want false, %v", locked, err, context.DeadlineExceeded)
	}
}

func TestWatchdogs_Registry(t *testing.T) {
	h := New(context.Background(), "bench", Options{})
	pd := &photodiode{v: 1}
	addLockWatchdog(t, h, pd)

	dup := watchdog.New(watchdog.Config{Name: "cavity"}, pd)
	if err := h.AddWatchdog(dup); !errors.Is(err, ErrWatchdogExists) {
		t.Errorf("AddWatchdog(dup) error = %v, want %v", err, ErrWatchdogExists)
	}
	if _, ok := h.Watchdog("cavity"); !ok {
		t.Error("Watchdog(cavity) not found")
	}
	if err := h.RemoveWatchdog("cavity"); err != nil {
		t.Errorf("RemoveWatchdog() error = %v", err)
	}
	if err := h.RemoveWatchdog("cavity"); !errors.Is(err, ErrWatchdogNotFound) {
		t.Errorf("RemoveWatchdog() again error = %v, want %v", err, ErrWatchdogNotFound)
	}
}

func TestStartWatchdogs_Monitors(t *testing.T) {
	h := New(context.Background(), "bench", Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	pd := &photodiode{v: 0}
	w := watchdog.New(watchdog.Config{Name: "cavity", Channel: "pd0", Threshold: 0.5, Below: true, Interval: 2 * time.Millisecond}, pd)
	reacted := make(chan struct{}, 1)
	w.SetReaction(func(context.Context, *watchdog.Watchdog) error {
		pd.set(1)
		select {
		case reacted <- struct{}{}:
		default:
		}
		return nil
	})
	_ = h.AddWatchdog(w)

	if err := h.StartWatchdogs(); err != nil {
		t.Fatalf("StartWatchdogs() error = %v", err)
	}
	if !h.Runner().Running("watchdog:cavity") {
		t.Error("monitor task not registered")
	}

	select {
	case <-reacted:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never reacted")
	}

	h.StopWatchdogs()
	if h.Runner().Running("watchdog:cavity") {
		t.Error("monitor task still registered after StopWatchdogs")
	}
}
