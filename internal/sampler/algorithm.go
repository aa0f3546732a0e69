package sampler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Built-in algorithm names.
const (
	AlgorithmGrid   = "grid"
	AlgorithmRandom = "random"
)

// Factory builds an algorithm from loosely typed params.
type Factory func(params map[string]any) (Algorithm, error)

// Registry maps algorithm names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in algorithms.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(AlgorithmGrid, newGrid)
	r.Register(AlgorithmRandom, newRandom)
	return r
}

// Register adds or replaces an algorithm.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// New builds the named algorithm.
func (r *Registry) New(name string, params map[string]any) (Algorithm, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return f(params)
}

// Names returns the registered algorithm names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return nil
}

// GridParams configures a grid search.
type GridParams struct {
	// Steps is the number of points per dimension, endpoints included.
	Steps int `mapstructure:"steps"`

	// MaxPoints caps Steps^dimensions; a larger grid is refused before
	// anything is actuated.
	MaxPoints int `mapstructure:"max_points"`
}

const defaultMaxGridPoints = 100_000

// Grid evaluates every point of a regular grid over the normalized
// parameter space, then leaves the apparatus at the best point found.
type Grid struct {
	params GridParams
}

func newGrid(params map[string]any) (Algorithm, error) {
	p := GridParams{Steps: 10, MaxPoints: defaultMaxGridPoints}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Steps < 2 {
		return nil, fmt.Errorf("%w: steps must be at least 2", ErrInvalidParams)
	}
	if p.MaxPoints < 1 {
		return nil, fmt.Errorf("%w: max_points must be positive", ErrInvalidParams)
	}
	return &Grid{params: p}, nil
}

// Run walks the grid in row-major order.
func (g *Grid) Run(ctx context.Context, s *Sampler) error {
	dims := len(s.Dimensions())
	if dims == 0 {
		return ErrEmptyState
	}
	if _, ok := gridPoints(g.params.Steps, dims, g.params.MaxPoints); !ok {
		return fmt.Errorf("%w: %d steps over %d dimensions exceeds max_points %d", ErrInvalidParams, g.params.Steps, dims, g.params.MaxPoints)
	}

	idx := make([]int, dims)
	x := make([]float64, dims)
	for {
		for i, n := range idx {
			x[i] = float64(n) / float64(g.params.Steps-1)
		}
		if _, err := s.EvaluateNormalized(ctx, x); err != nil {
			return err
		}

		// Odometer increment; done once the most significant digit wraps.
		i := dims - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < g.params.Steps {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return settleOnBest(ctx, s)
}

// gridPoints returns steps^dims, or false once it passes limit.
func gridPoints(steps, dims, limit int) (int, bool) {
	n := 1
	for range dims {
		if n > limit/steps {
			return 0, false
		}
		n *= steps
	}
	return n, n <= limit
}

// RandomParams configures a random search.
type RandomParams struct {
	Points int    `mapstructure:"points"`
	Seed   uint64 `mapstructure:"seed"`
}

// Random evaluates uniformly drawn points in the normalized space.
type Random struct {
	params RandomParams
}

func newRandom(params map[string]any) (Algorithm, error) {
	p := RandomParams{Points: 20}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Points < 1 {
		return nil, fmt.Errorf("%w: points must be positive", ErrInvalidParams)
	}
	return &Random{params: p}, nil
}

// Run draws and evaluates the configured number of points.
func (r *Random) Run(ctx context.Context, s *Sampler) error {
	dims := len(s.Dimensions())
	if dims == 0 {
		return ErrEmptyState
	}

	var rng *rand.Rand
	if r.params.Seed != 0 {
		rng = rand.New(rand.NewPCG(r.params.Seed, r.params.Seed))
	} else {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	x := make([]float64, dims)
	for range r.params.Points {
		for i := range x {
			x[i] = rng.Float64()
		}
		if _, err := s.EvaluateNormalized(ctx, x); err != nil {
			return err
		}
	}
	return settleOnBest(ctx, s)
}

// settleOnBest actuates the lowest-cost point without re-measuring it.
func settleOnBest(ctx context.Context, s *Sampler) error {
	best, ok := s.Best()
	if !ok {
		return nil
	}
	return s.target.Actuate(ctx, best.Point)
}
