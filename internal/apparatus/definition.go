package apparatus

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/labhub-core/internal/sequencer"
	"github.com/nerrad567/labhub-core/internal/state"
)

// Sensor kinds for watchdogs and sensor experiments.
const (
	SensorMQTT = "mqtt" // latest reading on labhub/sensor/{hub}/{channel}
	SensorKnob = "knob" // a knob value, channel "thing.knob"
)

// Experiment kinds.
const (
	ExperimentSensor    = "sensor"
	ExperimentQuadratic = "quadratic"
)

// ErrInvalidDefinition wraps every validation failure.
var ErrInvalidDefinition = errors.New("apparatus: invalid definition")

// Definition is the parsed apparatus file.
type Definition struct {
	Hub         string          `yaml:"hub"`
	CycleTime   time.Duration   `yaml:"cycle_time"`
	Things      []ThingDef      `yaml:"things"`
	Waveforms   []WaveformDef   `yaml:"waveforms"`
	Watchdogs   []WatchdogDef   `yaml:"watchdogs"`
	Experiments []ExperimentDef `yaml:"experiments"`
	Processes   []ProcessDef    `yaml:"processes"`
	Initial     state.State     `yaml:"initial"`
}

// ThingDef declares a thing.
type ThingDef struct {
	Name   string         `yaml:"name"`
	Driver string         `yaml:"driver"`
	Params map[string]any `yaml:"params"`
	Knobs  []KnobDef      `yaml:"knobs"`
}

// KnobDef declares a knob.
type KnobDef struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Min         *float64 `yaml:"min"`
	Max         *float64 `yaml:"max"`
	Initial     any      `yaml:"initial"`
}

// WaveformDef attaches a periodic waveform to a knob.
type WaveformDef struct {
	Thing  string            `yaml:"thing"`
	Knob   string            `yaml:"knob"`
	Points []sequencer.Point `yaml:"points"`
}

// WatchdogDef declares a threshold watchdog.
type WatchdogDef struct {
	Name      string        `yaml:"name"`
	Channel   string        `yaml:"channel"`
	Threshold float64       `yaml:"threshold"`
	Below     bool          `yaml:"below"`
	Interval  time.Duration `yaml:"interval"`
	Sensor    string        `yaml:"sensor"`
	Disabled  bool          `yaml:"disabled"`

	// React is actuated whenever a monitor check finds the watchdog
	// reacting, e.g. closing a shutter.
	React state.State `yaml:"react"`
}

// ExperimentDef declares a named cost function for optimization.
type ExperimentDef struct {
	Name     string        `yaml:"name"`
	Kind     string        `yaml:"kind"`
	Channel  string        `yaml:"channel"`
	Sensor   string        `yaml:"sensor"`
	Maximize bool          `yaml:"maximize"`
	Settle   time.Duration `yaml:"settle"`
	Center   state.State   `yaml:"center"`
}

// ProcessDef declares a helper subprocess started with the hub.
type ProcessDef struct {
	Name    string   `yaml:"name"`
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	WorkDir string   `yaml:"workdir"`
}

// Load reads and validates a definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading definition: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a definition. Unknown fields are errors.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parsing definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition for structural errors. All problems are
// reported together.
func (d *Definition) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if d.Hub == "" {
		add("hub name is required")
	}
	if d.CycleTime < 0 {
		add("cycle_time must not be negative")
	}

	knobs := make(map[string]map[string]bool)
	for i, t := range d.Things {
		switch {
		case t.Name == "":
			add("things[%d]: name is required", i)
			continue
		case knobs[t.Name] != nil:
			add("things[%d]: duplicate thing %q", i, t.Name)
			continue
		}
		if t.Driver == "" {
			add("thing %s: driver is required", t.Name)
		}
		names := make(map[string]bool)
		for j, k := range t.Knobs {
			if k.Name == "" {
				add("thing %s: knobs[%d]: name is required", t.Name, j)
				continue
			}
			if names[k.Name] {
				add("thing %s: duplicate knob %q", t.Name, k.Name)
			}
			names[k.Name] = true
			if k.Min != nil && k.Max != nil && *k.Min > *k.Max {
				add("knob %s.%s: min %v exceeds max %v", t.Name, k.Name, *k.Min, *k.Max)
			}
		}
		knobs[t.Name] = names
	}

	hasKnob := func(thing, knob string) bool { return knobs[thing][knob] }
	checkState := func(where string, s state.State) {
		for thing, sub := range s {
			for knob := range sub {
				if !hasKnob(thing, knob) {
					add("%s: unknown knob %s.%s", where, thing, knob)
				}
			}
		}
	}

	checkState("initial", d.Initial)

	for i, w := range d.Waveforms {
		if !hasKnob(w.Thing, w.Knob) {
			add("waveforms[%d]: unknown knob %s.%s", i, w.Thing, w.Knob)
		}
		for _, p := range w.Points {
			if p.Time < 0 || p.Time >= 1 {
				add("waveforms[%d]: point time %v outside [0,1)", i, p.Time)
			}
		}
	}

	dogs := make(map[string]bool)
	for i, w := range d.Watchdogs {
		name := w.Name
		if name == "" {
			name = w.Channel
		}
		if name == "" {
			add("watchdogs[%d]: name or channel is required", i)
			continue
		}
		if dogs[name] {
			add("watchdogs[%d]: duplicate watchdog %q", i, name)
		}
		dogs[name] = true
		d.checkSensor(fmt.Sprintf("watchdog %s", name), w.Sensor, w.Channel, hasKnob, add)
		checkState("watchdog "+name+" react", w.React)
	}

	exps := make(map[string]bool)
	for i, e := range d.Experiments {
		if e.Name == "" {
			add("experiments[%d]: name is required", i)
			continue
		}
		if exps[e.Name] {
			add("experiments[%d]: duplicate experiment %q", i, e.Name)
		}
		exps[e.Name] = true
		switch e.Kind {
		case ExperimentSensor:
			d.checkSensor("experiment "+e.Name, e.Sensor, e.Channel, hasKnob, add)
		case ExperimentQuadratic:
			if len(e.Center) == 0 {
				add("experiment %s: quadratic needs a center", e.Name)
			}
			checkState("experiment "+e.Name+" center", e.Center)
		default:
			add("experiment %s: unknown kind %q", e.Name, e.Kind)
		}
	}

	procs := make(map[string]bool)
	for i, p := range d.Processes {
		if p.Name == "" || p.Binary == "" {
			add("processes[%d]: name and binary are required", i)
			continue
		}
		if procs[p.Name] {
			add("processes[%d]: duplicate process %q", i, p.Name)
		}
		procs[p.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(errs...))
	}
	return nil
}

func (d *Definition) checkSensor(where, kind, channel string, hasKnob func(string, string) bool, add func(string, ...any)) {
	if channel == "" {
		add("%s: channel is required", where)
		return
	}
	switch kind {
	case SensorMQTT, "":
	case SensorKnob:
		thing, knob, ok := splitChannel(channel)
		if !ok || !hasKnob(thing, knob) {
			add("%s: knob sensor channel %q is not a known thing.knob", where, channel)
		}
	default:
		add("%s: unknown sensor %q", where, kind)
	}
}
