// Package state defines the composite apparatus state and range maps
// shared by the hub, sequencer and sampler.
//
// A State is keyed by thing name, then knob name:
//
//	state.State{"laser": {"power": 0.8, "shutter": true}}
//
// Values are opaque scalars. A nil value inside a Sub is a no-change
// marker and is dropped before reaching a driver.
package state

import (
	"reflect"
	"sort"
)

// Sub is the state of a single thing, keyed by knob name.
type Sub map[string]any

// State is the composite state of a hub, keyed by thing name.
type State map[string]Sub

// Bounds records the optional limits of one knob.
type Bounds struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Range mirrors State's shape with knob bounds in place of values.
type Range map[string]map[string]Bounds

// Copy returns a deep copy of the sub-state.
func (s Sub) Copy() Sub {
	if s == nil {
		return nil
	}
	cpy := make(Sub, len(s))
	for k, v := range s {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// DropNil returns a copy without no-change markers.
func (s Sub) DropNil() Sub {
	cpy := make(Sub, len(s))
	for k, v := range s {
		if v != nil {
			cpy[k] = deepCopyValue(v)
		}
	}
	return cpy
}

// Keys returns the knob names in sorted order.
func (s Sub) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copy returns a deep copy of the state.
func (s State) Copy() State {
	if s == nil {
		return nil
	}
	cpy := make(State, len(s))
	for thing, sub := range s {
		cpy[thing] = sub.Copy()
	}
	return cpy
}

// Things returns the thing names in sorted order.
func (s State) Things() []string {
	things := make([]string, 0, len(s))
	for k := range s {
		things = append(things, k)
	}
	sort.Strings(things)
	return things
}

// Get returns the value of thing.knob and whether it is present.
func (s State) Get(thing, knob string) (any, bool) {
	sub, ok := s[thing]
	if !ok {
		return nil, false
	}
	v, ok := sub[knob]
	return v, ok
}

// Set writes thing.knob, creating the thing entry if needed.
func (s State) Set(thing, knob string, value any) {
	sub, ok := s[thing]
	if !ok {
		sub = Sub{}
		s[thing] = sub
	}
	sub[knob] = value
}

// Merge writes every value of src into s.
func (s State) Merge(src State) {
	for thing, sub := range src {
		for knob, v := range sub {
			s.Set(thing, knob, deepCopyValue(v))
		}
	}
}

// Restrict returns the subset of s whose keys appear in keys.
// Keys absent from s are omitted.
func (s State) Restrict(keys State) State {
	out := State{}
	for thing, sub := range keys {
		for knob := range sub {
			if v, ok := s.Get(thing, knob); ok {
				out.Set(thing, knob, deepCopyValue(v))
			}
		}
	}
	return out
}

// Diff returns the entries of target whose value differs from (or is
// missing in) live. Only target's keys are considered.
func Diff(target, live State) State {
	out := State{}
	for thing, sub := range target {
		for knob, want := range sub {
			have, ok := live.Get(thing, knob)
			if !ok || !Equal(want, have) {
				out.Set(thing, knob, deepCopyValue(want))
			}
		}
	}
	return out
}

// Empty reports whether s holds no knob values.
func (s State) Empty() bool {
	for _, sub := range s {
		if len(sub) > 0 {
			return false
		}
	}
	return true
}

// Equal reports whether two values are the same. Numbers compare by
// value across int and float kinds so that decoded JSON (float64)
// matches values set from Go code.
func Equal(a, b any) bool {
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

// ToFloat converts numeric scalars to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Copy returns a deep copy of the range map.
func (r Range) Copy() Range {
	cpy := make(Range, len(r))
	for thing, knobs := range r {
		m := make(map[string]Bounds, len(knobs))
		for knob, b := range knobs {
			m[knob] = b.Copy()
		}
		cpy[thing] = m
	}
	return cpy
}

// Get returns the bounds of thing.knob.
func (r Range) Get(thing, knob string) (Bounds, bool) {
	knobs, ok := r[thing]
	if !ok {
		return Bounds{}, false
	}
	b, ok := knobs[knob]
	return b, ok
}

// Set records the bounds of thing.knob.
func (r Range) Set(thing, knob string, b Bounds) {
	knobs, ok := r[thing]
	if !ok {
		knobs = map[string]Bounds{}
		r[thing] = knobs
	}
	knobs[knob] = b.Copy()
}

// Delete removes thing.knob, and the thing entry once empty.
func (r Range) Delete(thing, knob string) {
	knobs, ok := r[thing]
	if !ok {
		return
	}
	delete(knobs, knob)
	if len(knobs) == 0 {
		delete(r, thing)
	}
}

// Copy returns bounds that share no pointers with b.
func (b Bounds) Copy() Bounds {
	var out Bounds
	if b.Min != nil {
		v := *b.Min
		out.Min = &v
	}
	if b.Max != nil {
		v := *b.Max
		out.Max = &v
	}
	return out
}

// Finite reports whether both limits are set.
func (b Bounds) Finite() bool {
	return b.Min != nil && b.Max != nil
}

// Normalize maps v into [0,1] using the bounds.
func (b Bounds) Normalize(v float64) float64 {
	if !b.Finite() || *b.Max == *b.Min {
		return v
	}
	return (v - *b.Min) / (*b.Max - *b.Min)
}

// Denormalize maps x in [0,1] back into the bounds.
func (b Bounds) Denormalize(x float64) float64 {
	if !b.Finite() {
		return x
	}
	return *b.Min + x*(*b.Max-*b.Min)
}

// NewBounds builds Bounds from plain limits.
func NewBounds(lo, hi float64) Bounds {
	return Bounds{Min: &lo, Max: &hi}
}

// CopyValue returns a deep copy of a knob value.
func CopyValue(v any) any { return deepCopyValue(v) }

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		cpy := make(map[string]any, len(val))
		for k, e := range val {
			cpy[k] = deepCopyValue(e)
		}
		return cpy
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	case []float64:
		cpy := make([]float64, len(val))
		copy(cpy, val)
		return cpy
	default:
		// Scalars are safe to copy by value.
		return v
	}
}
