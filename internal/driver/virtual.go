package driver

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"
)

// KindVirtual is the registry kind of the in-memory driver.
const KindVirtual = "virtual"

// VirtualParams configures a virtual driver.
type VirtualParams struct {
	// Latency is added to every actuation.
	Latency time.Duration `mapstructure:"latency"`

	// Fail lists knobs whose actuation always fails.
	Fail []string `mapstructure:"fail"`
}

// Virtual is an in-memory instrument. It remembers every actuation and
// answers queries with the last value written.
type Virtual struct {
	params VirtualParams

	mu        sync.Mutex
	connected bool
	values    map[string]any
	calls     []map[string]any
	failNext  error
}

// NewVirtual creates a disconnected virtual driver.
func NewVirtual(params VirtualParams) *Virtual {
	return &Virtual{params: params, values: make(map[string]any)}
}

func newVirtualFromParams(_ Deps, params map[string]any) (Driver, error) {
	var p VirtualParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return NewVirtual(p), nil
}

// Connect marks the driver online.
func (v *Virtual) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	v.connected = true
	v.mu.Unlock()
	return nil
}

// Actuate records state after the configured latency.
func (v *Virtual) Actuate(ctx context.Context, state map[string]any) error {
	if v.params.Latency > 0 {
		select {
		case <-time.After(v.params.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.connected {
		return ErrNotConnected
	}
	if err := v.failNext; err != nil {
		v.failNext = nil
		return err
	}
	for _, knob := range v.params.Fail {
		if _, ok := state[knob]; ok {
			return fmt.Errorf("virtual: knob %q rejected", knob)
		}
	}

	v.calls = append(v.calls, maps.Clone(state))
	maps.Copy(v.values, state)
	return nil
}

// Query returns the last value written to knob.
func (v *Virtual) Query(_ context.Context, knob string) (any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return nil, ErrNotConnected
	}
	return v.values[knob], nil
}

// FailNext makes the next actuation return err.
func (v *Virtual) FailNext(err error) {
	v.mu.Lock()
	v.failNext = err
	v.mu.Unlock()
}

// Calls returns copies of every successful actuation, oldest first.
func (v *Virtual) Calls() []map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]map[string]any, len(v.calls))
	for i, c := range v.calls {
		out[i] = maps.Clone(c)
	}
	return out
}

// Connected reports whether Connect succeeded.
func (v *Virtual) Connected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}
