package hub

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/telemetry"
)

type memStore struct {
	mu    sync.Mutex
	snaps map[string]state.Snapshot
}

func (m *memStore) SaveSnapshot(_ context.Context, hub string, snap state.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps == nil {
		m.snaps = make(map[string]state.Snapshot)
	}
	m.snaps[hub] = snap
	return nil
}

func (m *memStore) LoadSnapshot(_ context.Context, hub string) (state.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[hub]
	if !ok {
		return nil, errors.New("no snapshot")
	}
	return snap, nil
}

func TestSnapshot_Fields(t *testing.T) {
	b := newBench(t, Options{})
	_ = b.hub.Actuate(context.Background(), state.State{"laser": {"power": 2.0}})

	snap := b.hub.Snapshot()
	p := snap["laser"]["power"]
	if p.State != 2.0 || p.DisplayName != "Power (W)" || *p.Min != 0 || *p.Max != 5 {
		t.Errorf("laser.power snapshot = %+v", p)
	}
	if s := snap["laser"]["shutter"]; s.Min != nil || s.State != false {
		t.Errorf("laser.shutter snapshot = %+v", s)
	}
}

func TestSaveLoad(t *testing.T) {
	store := &memStore{}
	var loads int
	emit := telemetry.Func(func(_ context.Context, ev telemetry.Event) {
		if ev.Name == telemetry.EventLoad {
			loads++
		}
	})
	b := newBench(t, Options{}, WithStore(store), WithBroadcaster(emit))
	ctx := context.Background()

	_ = b.hub.Actuate(ctx, state.State{"laser": {"power": 3.0}, "stage": {"x": 4.0}})
	_ = b.hub.SetRange("stage", "x", state.NewBounds(-5, 5))
	if err := b.hub.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	_ = b.hub.Actuate(ctx, state.State{"laser": {"power": 0.5}, "stage": {"x": -1.0}})
	_ = b.hub.SetRange("stage", "x", state.NewBounds(-10, 10))

	if err := b.hub.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := value(b.hub, "laser", "power"); got != 3.0 {
		t.Errorf("laser.power = %v, want 3", got)
	}
	if got := value(b.hub, "stage", "x"); got != 4.0 {
		t.Errorf("stage.x = %v, want 4", got)
	}
	if bnd, _ := b.hub.Range().Get("stage", "x"); *bnd.Min != -5 || *bnd.Max != 5 {
		t.Errorf("stage.x range = [%v, %v], want [-5, 5]", *bnd.Min, *bnd.Max)
	}
	if loads != 1 {
		t.Errorf("load events = %d, want 1", loads)
	}
}

func TestSaveLoad_NoStore(t *testing.T) {
	b := newBench(t, Options{})
	if err := b.hub.Save(context.Background()); !errors.Is(err, ErrNoStore) {
		t.Errorf("Save() error = %v, want %v", err, ErrNoStore)
	}
	if err := b.hub.Load(context.Background()); !errors.Is(err, ErrNoStore) {
		t.Errorf("Load() error = %v, want %v", err, ErrNoStore)
	}
}
