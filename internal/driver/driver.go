// Package driver defines the device driver hook consumed by things, and
// provides the built-in drivers: an in-memory virtual instrument and an
// MQTT command driver for instruments served elsewhere on the network.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Domain errors for the driver package.
var (
	// ErrUnknownKind is returned when no factory is registered for a kind.
	ErrUnknownKind = errors.New("driver: unknown kind")

	// ErrNotConnected is returned when actuating a driver that is offline.
	ErrNotConnected = errors.New("driver: not connected")

	// ErrInvalidParams is returned when driver params cannot be decoded.
	ErrInvalidParams = errors.New("driver: invalid params")
)

// Driver is the hardware hook of a thing. Actuate receives knob values
// keyed by driver-side knob name. Errors are returned to the caller
// unmodified and never retried.
type Driver interface {
	Connect(ctx context.Context) error
	Actuate(ctx context.Context, state map[string]any) error
}

// Querier is implemented by drivers that can read a knob back.
type Querier interface {
	Query(ctx context.Context, knob string) (any, error)
}

// Closer is implemented by drivers holding resources.
type Closer interface {
	Close() error
}

// Publisher is the subset of the MQTT client used by network drivers.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Deps are the shared collaborators handed to driver factories.
type Deps struct {
	Hub   string
	Thing string
	MQTT  Publisher
}

// Factory builds a driver from its definition params.
type Factory func(deps Deps, params map[string]any) (Driver, error)

// Registry maps driver kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindVirtual, newVirtualFromParams)
	r.Register(KindMQTT, newMQTTFromParams)
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New builds a driver of the given kind.
func (r *Registry) New(kind string, deps Deps, params map[string]any) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f(deps, params)
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// decodeParams decodes loosely typed definition params into a struct.
func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return nil
}
