package apparatus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/labhub-core/internal/driver"
	"github.com/nerrad567/labhub-core/internal/hub"
	"github.com/nerrad567/labhub-core/internal/process"
	"github.com/nerrad567/labhub-core/internal/sampler"
	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/watchdog"
)

// Logger defines the logging interface used while building.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ErrNoSignals is returned when a definition uses MQTT sensors but no
// signal cache was supplied.
var ErrNoSignals = errors.New("apparatus: mqtt sensor without signal cache")

// Deps are the collaborators Build wires into the hub.
type Deps struct {
	// Options are the hub settings; CycleTime from the definition
	// overrides Options.Sequencer.CycleTime.
	Options    hub.Options
	HubOptions []hub.Option

	Drivers *driver.Registry
	MQTT    driver.Publisher

	// Signals serves mqtt sensors. It must belong to the same hub name.
	Signals *watchdog.SignalCache

	Logger Logger
}

// Build creates a hub from the definition: things and knobs, initial
// state, waveforms, watchdogs with their reactions, experiments and
// helper processes. Watchdog monitors are started; the hub is not
// connected.
//
// On error the partly built hub is closed.
func (d *Definition) Build(ctx context.Context, deps Deps) (_ *hub.Hub, err error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if deps.Drivers == nil {
		deps.Drivers = driver.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if d.CycleTime > 0 {
		deps.Options.Sequencer.CycleTime = d.CycleTime
	}

	h := hub.New(ctx, d.Hub, deps.Options, deps.HubOptions...)
	defer func() {
		if err != nil {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			err = errors.Join(err, h.Close(cctx))
		}
	}()

	for _, t := range d.Things {
		if err := d.addThing(ctx, h, t, deps); err != nil {
			return nil, err
		}
	}

	if !d.Initial.Empty() {
		if err := h.Actuate(ctx, d.Initial); err != nil {
			return nil, fmt.Errorf("actuating initial state: %w", err)
		}
	}

	for _, w := range d.Waveforms {
		if err := h.SetWaveform(ctx, w.Thing, w.Knob, w.Points); err != nil {
			return nil, fmt.Errorf("waveform %s.%s: %w", w.Thing, w.Knob, err)
		}
	}

	for _, w := range d.Watchdogs {
		if err := d.addWatchdog(h, w, deps); err != nil {
			return nil, err
		}
	}

	for _, e := range d.Experiments {
		exp, err := d.experiment(h, e, deps)
		if err != nil {
			return nil, err
		}
		h.AddExperiment(e.Name, exp)
	}

	for _, p := range d.Processes {
		_, err := h.Runner().RunProcess(p.Name, process.Config{
			Name:    p.Name,
			Binary:  p.Binary,
			Args:    p.Args,
			Env:     p.Env,
			WorkDir: p.WorkDir,
		})
		if err != nil {
			return nil, fmt.Errorf("starting process %s: %w", p.Name, err)
		}
	}

	if len(d.Watchdogs) > 0 {
		if err := h.StartWatchdogs(); err != nil {
			return nil, fmt.Errorf("starting watchdogs: %w", err)
		}
	}

	deps.Logger.Info("apparatus built",
		"hub", d.Hub,
		"things", len(d.Things),
		"watchdogs", len(d.Watchdogs),
		"experiments", len(d.Experiments),
		"processes", len(d.Processes),
	)
	return h, nil
}

func (d *Definition) addThing(ctx context.Context, h *hub.Hub, t ThingDef, deps Deps) error {
	drv, err := deps.Drivers.New(t.Driver, driver.Deps{Hub: d.Hub, Thing: t.Name, MQTT: deps.MQTT}, t.Params)
	if err != nil {
		return fmt.Errorf("thing %s: %w", t.Name, err)
	}

	knobs := make([]hub.KnobSpec, len(t.Knobs))
	for i, k := range t.Knobs {
		knobs[i] = hub.KnobSpec{
			Name:        k.Name,
			DisplayName: k.DisplayName,
			Min:         k.Min,
			Max:         k.Max,
			Initial:     k.Initial,
		}
	}

	if _, err := h.AddThing(ctx, hub.ThingConfig{
		Name:   t.Name,
		Driver: drv,
		Params: t.Params,
		Knobs:  knobs,
	}); err != nil {
		return fmt.Errorf("thing %s: %w", t.Name, err)
	}
	return nil
}

func (d *Definition) addWatchdog(h *hub.Hub, w WatchdogDef, deps Deps) error {
	sensor, err := d.sensor(h, w.Sensor, deps)
	if err != nil {
		return fmt.Errorf("watchdog %s: %w", w.Name, err)
	}

	wd := watchdog.New(watchdog.Config{
		Name:      w.Name,
		Channel:   w.Channel,
		Threshold: w.Threshold,
		Below:     w.Below,
		Interval:  w.Interval,
	}, sensor)
	if !w.React.Empty() {
		react := w.React.Copy()
		wd.SetReaction(func(ctx context.Context, _ *watchdog.Watchdog) error {
			return h.Actuate(ctx, react)
		})
	}
	if err := h.AddWatchdog(wd); err != nil {
		return err
	}
	if w.Disabled {
		wd.Enable(false)
	}
	return nil
}

func (d *Definition) experiment(h *hub.Hub, e ExperimentDef, deps Deps) (sampler.Experiment, error) {
	switch e.Kind {
	case ExperimentQuadratic:
		return sampler.QuadraticExperiment(e.Center), nil
	default:
		sensor, err := d.sensor(h, e.Sensor, deps)
		if err != nil {
			return nil, fmt.Errorf("experiment %s: %w", e.Name, err)
		}
		return sampler.SensorExperiment(sensor, e.Channel, e.Maximize, e.Settle), nil
	}
}

func (d *Definition) sensor(h *hub.Hub, kind string, deps Deps) (watchdog.Sensor, error) {
	if kind == SensorKnob {
		return KnobSensor{Hub: h}, nil
	}
	if deps.Signals == nil {
		return nil, ErrNoSignals
	}
	return deps.Signals, nil
}

// KnobSensor reads channels of the form "thing.knob" from the live state
// of a hub.
type KnobSensor struct {
	Hub *hub.Hub
}

// Read returns the numeric value of the knob named by channel.
func (s KnobSensor) Read(_ context.Context, channel string) (float64, error) {
	thing, knob, ok := splitChannel(channel)
	if !ok {
		return 0, fmt.Errorf("%w: %s", hub.ErrKnobNotFound, channel)
	}
	v, ok := s.Hub.State().Get(thing, knob)
	if !ok {
		return 0, fmt.Errorf("%w: %s", hub.ErrKnobNotFound, channel)
	}
	f, ok := state.ToFloat(v)
	if !ok {
		return 0, fmt.Errorf("apparatus: %s is not numeric", channel)
	}
	return f, nil
}

func splitChannel(channel string) (thing, knob string, ok bool) {
	thing, knob, ok = strings.Cut(channel, ".")
	return thing, knob, ok && thing != "" && knob != ""
}
