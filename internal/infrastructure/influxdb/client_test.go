package influxdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/labhub-core/internal/infrastructure/config"
	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/telemetry"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

func (f *fakeWriter) byMeasurement(name string) []*write.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*write.Point
	for _, p := range f.points {
		if p.Name() == name {
			out = append(out, p)
		}
	}
	return out
}

func tagValue(p *write.Point, key string) string {
	for _, t := range p.TagList() {
		if t.Key == key {
			return t.Value
		}
	}
	return ""
}

func fieldValue(p *write.Point, key string) (any, bool) {
	for _, f := range p.FieldList() {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want %v", err, ErrDisabled)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Connect(ctx, config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:1"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want %v", err, ErrConnectionFailed)
	}
}

func TestEmit_Actuate(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(w)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.Emit(context.Background(), telemetry.Event{
		Name: telemetry.EventActuate, Hub: "bench", Time: at,
		Payload: telemetry.ActuatePayload{Thing: "laser", State: map[string]any{
			"power": 2.5, "shutter": true, "mode": "cw",
		}},
	})

	knobs := w.byMeasurement(MeasurementKnob)
	if len(knobs) != 2 {
		t.Fatalf("knob points = %d, want 2 (string skipped)", len(knobs))
	}
	for _, p := range knobs {
		if tagValue(p, "hub") != "bench" || tagValue(p, "thing") != "laser" {
			t.Errorf("tags = %v", p.TagList())
		}
		if !p.Time().Equal(at) {
			t.Errorf("Time() = %v, want %v", p.Time(), at)
		}
		v, _ := fieldValue(p, "value")
		switch tagValue(p, "knob") {
		case "power":
			if v != 2.5 {
				t.Errorf("power value = %v, want 2.5", v)
			}
		case "shutter":
			if v != 1.0 {
				t.Errorf("shutter value = %v, want 1", v)
			}
		default:
			t.Errorf("unexpected knob %q", tagValue(p, "knob"))
		}
	}
}

func TestEmit_StateEvents(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(w)

	c.Emit(context.Background(), telemetry.Event{
		Name: telemetry.EventUndo, Hub: "bench",
		Payload: state.State{"laser": {"power": 0.0}, "stage": {"x": 1.0}},
	})
	if got := len(w.byMeasurement(MeasurementKnob)); got != 2 {
		t.Errorf("knob points = %d, want 2", got)
	}
}

func TestEmit_SamplerAndWatchdog(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(w)
	ctx := context.Background()

	c.Emit(ctx, telemetry.Event{
		Name: telemetry.EventSamplerPoint, Hub: "bench",
		Payload: telemetry.SamplerPayload{ID: "run-1", Experiment: "pd", Cost: 0.25, Point: map[string]any{"stage.x": 0.5}},
	})
	c.Emit(ctx, telemetry.Event{
		Name: telemetry.EventSamplerComplete, Hub: "bench",
		Payload: telemetry.SamplerPayload{ID: "run-1", Experiment: "pd", Cost: 0.25},
	})
	c.Emit(ctx, telemetry.Event{
		Name: telemetry.EventWatchdog, Hub: "bench",
		Payload: telemetry.WatchdogPayload{Name: "lock", From: "locked", To: "reacting", Value: 3.2},
	})
	c.Emit(ctx, telemetry.Event{Name: telemetry.EventTimestep, Hub: "bench", Payload: map[string]any{"step": 0}})

	samples := w.byMeasurement(MeasurementSampler)
	if len(samples) != 1 {
		t.Fatalf("sampler points = %d, want 1", len(samples))
	}
	if cost, _ := fieldValue(samples[0], "cost"); cost != 0.25 {
		t.Errorf("cost = %v, want 0.25", cost)
	}
	if x, ok := fieldValue(samples[0], "stage.x"); !ok || x != 0.5 {
		t.Errorf("stage.x = %v, want 0.5", x)
	}
	if tagValue(samples[0], "run") != "run-1" {
		t.Errorf("run tag = %q", tagValue(samples[0], "run"))
	}

	dogs := w.byMeasurement(MeasurementWatchdog)
	if len(dogs) != 1 {
		t.Fatalf("watchdog points = %d, want 1", len(dogs))
	}
	if locked, _ := fieldValue(dogs[0], "locked"); locked != false {
		t.Errorf("locked = %v, want false", locked)
	}
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	c := newClient(w)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	c.WriteKnob("bench", "laser", "power", 1.0, time.Time{})
	c.Flush()
	if len(w.points) != 0 || w.flushes != 1 {
		t.Errorf("writes after Close: points = %d, flushes = %d", len(w.points), w.flushes)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want %v", err, ErrNotConnected)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestOnError(t *testing.T) {
	c := newClient(&fakeWriter{})
	got := make(chan error, 1)
	c.SetOnError(func(err error) { got <- err })

	errs := make(chan error, 1)
	go c.forwardErrors(errs)
	boom := errors.New("write refused")
	errs <- boom
	close(errs)

	select {
	case err := <-got:
		if !errors.Is(err, boom) {
			t.Errorf("callback error = %v, want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatal("error callback not invoked")
	}
}
