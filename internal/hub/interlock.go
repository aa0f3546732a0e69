package hub

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nerrad567/labhub-core/internal/metrics"
	"github.com/nerrad567/labhub-core/internal/telemetry"
	"github.com/nerrad567/labhub-core/internal/watchdog"
)

const watchdogTaskPrefix = "watchdog:"

// AddWatchdog registers w with the hub. Its transitions are counted and
// broadcast.
func (h *Hub) AddWatchdog(w *watchdog.Watchdog) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watchdogs[w.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrWatchdogExists, w.Name())
	}
	w.SetLogger(h.logger)
	w.OnChange(h.watchdogChanged)
	h.watchdogs[w.Name()] = w
	return nil
}

// RemoveWatchdog unregisters a watchdog and stops its monitor.
func (h *Hub) RemoveWatchdog(name string) error {
	h.mu.Lock()
	_, ok := h.watchdogs[name]
	delete(h.watchdogs, name)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWatchdogNotFound, name)
	}
	h.runner.Stop(watchdogTaskPrefix + name)
	return nil
}

// Watchdog returns the named watchdog.
func (h *Hub) Watchdog(name string) (*watchdog.Watchdog, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.watchdogs[name]
	return w, ok
}

// Watchdogs returns the registered watchdogs sorted by name.
func (h *Hub) Watchdogs() []*watchdog.Watchdog {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*watchdog.Watchdog, 0, len(h.watchdogs))
	for _, w := range h.watchdogs {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// EnableWatchdogs switches every registered watchdog on or off.
func (h *Hub) EnableWatchdogs(on bool) {
	for _, w := range h.Watchdogs() {
		w.Enable(on)
	}
	h.logger.Debug("watchdogs switched", "hub", h.name, "enabled", on)
}

// CheckLock reports whether every enabled watchdog is Locked, checking
// each one afresh. Disabled watchdogs are ignored, so a hub with none
// enabled is locked. A failed check counts as Reacting.
//
// With block set, CheckLock polls every LockPollInterval until the hub
// is locked. There is no timeout other than ctx.
func (h *Hub) CheckLock(ctx context.Context, block bool) (bool, error) {
	locked := h.checkOnce(ctx)
	if locked || !block {
		return locked, nil
	}

	ticker := time.NewTicker(h.opts.LockPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
		if h.checkOnce(ctx) {
			return true, nil
		}
	}
}

func (h *Hub) checkOnce(ctx context.Context) bool {
	locked := true
	for _, w := range h.Watchdogs() {
		if !w.Enabled() {
			continue
		}
		ok, err := w.Check(ctx)
		if err != nil {
			h.logger.Warn("watchdog check failed", "hub", h.name, "watchdog", w.Name(), "error", err)
		}
		if !ok {
			locked = false
		}
	}
	return locked
}

// StartWatchdogs launches a monitor task for every registered watchdog
// that is not monitored yet.
func (h *Hub) StartWatchdogs() error {
	for _, w := range h.Watchdogs() {
		name := watchdogTaskPrefix + w.Name()
		if h.runner.Running(name) {
			continue
		}
		if _, err := h.runner.Run(name, w.Monitor); err != nil {
			return fmt.Errorf("starting %s: %w", name, err)
		}
	}
	return nil
}

// StopWatchdogs stops every monitor task.
func (h *Hub) StopWatchdogs() {
	for _, w := range h.Watchdogs() {
		h.runner.Stop(watchdogTaskPrefix + w.Name())
	}
}

func (h *Hub) watchdogChanged(w *watchdog.Watchdog, prev, next watchdog.State) {
	if next == watchdog.Reacting {
		metrics.RecordWatchdogTrip(h.name, w.Name())
	}
	h.emit.Emit(context.Background(), telemetry.Event{
		Name: telemetry.EventWatchdog,
		Hub:  h.name,
		Time: time.Now(),
		Payload: telemetry.WatchdogPayload{
			Name:  w.Name(),
			From:  string(prev),
			To:    string(next),
			Value: w.Value(),
		},
	})
}
