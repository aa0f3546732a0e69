package state

// KnobSnapshot is the persisted form of one knob.
type KnobSnapshot struct {
	State       any      `json:"state" cbor:"state"`
	Min         *float64 `json:"min,omitempty" cbor:"min,omitempty"`
	Max         *float64 `json:"max,omitempty" cbor:"max,omitempty"`
	DisplayName string   `json:"display_name,omitempty" cbor:"display_name,omitempty"`
}

// Snapshot is the persisted form of a hub: thing name, then knob name.
type Snapshot map[string]map[string]KnobSnapshot

// State extracts the knob values of the snapshot.
func (s Snapshot) State() State {
	out := State{}
	for thing, knobs := range s {
		for knob, ks := range knobs {
			out.Set(thing, knob, deepCopyValue(ks.State))
		}
	}
	return out
}

// Range extracts the bounds recorded in the snapshot.
func (s Snapshot) Range() Range {
	out := Range{}
	for thing, knobs := range s {
		for knob, ks := range knobs {
			if ks.Min == nil && ks.Max == nil {
				continue
			}
			out.Set(thing, knob, Bounds{Min: ks.Min, Max: ks.Max}.Copy())
		}
	}
	return out
}
