package hub

import (
	"context"
	"fmt"
	"sort"

	"github.com/nerrad567/labhub-core/internal/sampler"
	"github.com/nerrad567/labhub-core/internal/state"
)

const samplerTaskPrefix = "sampler:"

// OptimizeOptions selects how Optimize runs a session.
type OptimizeOptions struct {
	// Threaded runs the session as a background task and returns at once.
	Threaded bool

	// Algorithm and Params override the hub defaults when set.
	Algorithm string
	Params    map[string]any
}

// AddExperiment registers a named cost function for Optimize.
func (h *Hub) AddExperiment(name string, exp sampler.Experiment) {
	h.mu.Lock()
	h.experiments[name] = exp
	h.mu.Unlock()
}

// Experiments returns the registered experiment names, sorted.
func (h *Hub) Experiments() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.experiments))
	for n := range h.experiments {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Algorithms returns the optimization algorithm registry.
func (h *Hub) Algorithms() *sampler.Registry { return h.algorithms }

// Optimize starts an optimization session varying the knobs of st to
// minimize the named experiment.
//
// Watchdogs are disabled for the duration of the session, since trial
// points are expected to leave the locked region, and re-enabled when it
// ends however it ends. Unthreaded sessions return the session error;
// threaded ones report it through the sampler.
func (h *Hub) Optimize(ctx context.Context, st state.State, experiment string, opts OptimizeOptions) (*sampler.Sampler, error) {
	h.mu.RLock()
	exp, ok := h.experiments[experiment]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExperimentNotFound, experiment)
	}

	algName, params := opts.Algorithm, opts.Params
	if algName == "" {
		algName = h.opts.Algorithm
		if params == nil {
			params = h.opts.AlgorithmParams
		}
	}
	alg, err := h.algorithms.New(algName, params)
	if err != nil {
		return nil, err
	}

	s, err := sampler.New(h, sampler.Config{
		State:          st,
		ExperimentName: experiment,
		Experiment:     exp,
		AlgorithmName:  algName,
		Params:         params,
		Algorithm:      alg,
		Recorders:      h.recorders,
		Broadcaster:    h.emit,
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.samplers[s.ID()] = s
	h.mu.Unlock()

	run := func(ctx context.Context) error {
		h.EnableWatchdogs(false)
		defer h.EnableWatchdogs(true)
		defer h.retire(s.ID())
		return s.Run(ctx)
	}

	h.logger.Info("optimization started",
		"hub", h.name,
		"sampler", s.ID(),
		"experiment", experiment,
		"algorithm", algName,
		"threaded", opts.Threaded,
	)

	if !opts.Threaded {
		return s, run(ctx)
	}
	if _, err := h.runner.Run(samplerTaskPrefix+s.ID(), run); err != nil {
		h.mu.Lock()
		delete(h.samplers, s.ID())
		h.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// retire queues a finished sampler for eviction once more than
// SamplerRetention have finished.
func (h *Hub) retire(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, id)
	for len(h.finished) > h.opts.SamplerRetention {
		delete(h.samplers, h.finished[0])
		h.finished = h.finished[1:]
	}
}

// Terminate stops a running session and forgets it. Stopping a session
// that already finished only forgets it.
func (h *Hub) Terminate(id string) error {
	h.mu.Lock()
	_, ok := h.samplers[id]
	delete(h.samplers, id)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSamplerNotFound, id)
	}
	h.runner.Stop(samplerTaskPrefix + id)
	h.logger.Info("optimization terminated", "hub", h.name, "sampler", id)
	return nil
}

// Sampler returns the session with the given ID.
func (h *Hub) Sampler(id string) (*sampler.Sampler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.samplers[id]
	return s, ok
}

// Samplers returns the retained sessions, sorted by start time.
func (h *Hub) Samplers() []*sampler.Sampler {
	h.mu.RLock()
	out := make([]*sampler.Sampler, 0, len(h.samplers))
	for _, s := range h.samplers {
		out = append(out, s)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Info().Started.Before(out[j].Info().Started) })
	return out
}
