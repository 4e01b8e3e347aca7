// Package catalog caches the backend's experiment metadata: projects,
// experiments, UI configurations and backend configurations.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/epirank/internal/provider"
	"github.com/kalambet/epirank/internal/sequence"
)

var (
	ErrUnknownExperiment = errors.New("unknown experiment")
	ErrUnknownUIConfig   = errors.New("unknown ui config")
	ErrNoUIConfigs       = errors.New("experiment has no ui configs")
)

// Source defines the backend reads the Catalog needs.
// Implemented by provider.Client.
type Source interface {
	Projects(ctx context.Context) ([]provider.Project, error)
	Experiments(ctx context.Context) ([]provider.Experiment, error)
	UIConfigs(ctx context.Context) ([]provider.UIConfig, error)
	BackendConfigs(ctx context.Context) ([]provider.BackendConfig, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Snapshot is one consistent read of the backend metadata.
type Snapshot struct {
	Projects       []provider.Project       `json:"projects"`
	Experiments    []provider.Experiment    `json:"experiments"`
	UIConfigs      []provider.UIConfig      `json:"ui_configs"`
	BackendConfigs []provider.BackendConfig `json:"backend_configs"`
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		Projects:       slices.Clone(s.Projects),
		Experiments:    slices.Clone(s.Experiments),
		UIConfigs:      slices.Clone(s.UIConfigs),
		BackendConfigs: slices.Clone(s.BackendConfigs),
	}
	for i := range out.Experiments {
		out.Experiments[i].UIConfigIDs = slices.Clone(out.Experiments[i].UIConfigIDs)
	}
	for i := range out.UIConfigs {
		out.UIConfigs[i].FeedbackComponents = slices.Clone(out.UIConfigs[i].FeedbackComponents)
	}
	return out
}

// Plan is everything needed to sequence one experiment.
type Plan struct {
	Experiment provider.Experiment
	UIConfigs  []provider.UIConfig // in experiment order
	Mode       sequence.Mode
}

// SequenceConfigs converts the plan's UI configs into sequencing inputs.
func (p Plan) SequenceConfigs() []sequence.Config {
	out := make([]sequence.Config, len(p.UIConfigs))
	for i, c := range p.UIConfigs {
		out[i] = sequence.Config{
			Ref:                sequence.UIConfigRef{ID: c.ID, Name: c.Name},
			MaxRankingElements: c.MaxRankingElements,
		}
	}
	return out
}

// Catalog provides TTL-cached access to the backend metadata.
type Catalog struct {
	src   Source
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *Snapshot
	cachedAt time.Time
}

// New creates a Catalog. A non-positive ttl defaults to five minutes.
func New(src Source, ttl time.Duration) *Catalog {
	return NewWithClock(src, realClock{}, ttl)
}

// NewWithClock creates a Catalog with a custom clock (for testing).
func NewWithClock(src Source, clock Clock, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{src: src, clock: clock, ttl: ttl}
}

func (c *Catalog) fresh() bool {
	return c.cached != nil && c.clock.Now().Before(c.cachedAt.Add(c.ttl))
}

// Snapshot returns the cached metadata, refreshing it from the backend
// once the TTL has passed.
func (c *Catalog) Snapshot(ctx context.Context) (Snapshot, error) {
	c.mu.RLock()
	if c.fresh() {
		s := c.cached.clone()
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fresh() {
		return c.cached.clone(), nil
	}

	var s Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		if s.Projects, err = c.src.Projects(gctx); err != nil {
			return fmt.Errorf("loading projects: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if s.Experiments, err = c.src.Experiments(gctx); err != nil {
			return fmt.Errorf("loading experiments: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if s.UIConfigs, err = c.src.UIConfigs(gctx); err != nil {
			return fmt.Errorf("loading ui configs: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if s.BackendConfigs, err = c.src.BackendConfigs(gctx); err != nil {
			return fmt.Errorf("loading backend configs: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	c.cached = &s
	c.cachedAt = c.clock.Now()
	return s.clone(), nil
}

// Invalidate drops the cached metadata.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

func (c *Catalog) Projects(ctx context.Context) ([]provider.Project, error) {
	s, err := c.Snapshot(ctx)
	return s.Projects, err
}

func (c *Catalog) Experiments(ctx context.Context) ([]provider.Experiment, error) {
	s, err := c.Snapshot(ctx)
	return s.Experiments, err
}

func (c *Catalog) UIConfigs(ctx context.Context) ([]provider.UIConfig, error) {
	s, err := c.Snapshot(ctx)
	return s.UIConfigs, err
}

func (c *Catalog) BackendConfigs(ctx context.Context) ([]provider.BackendConfig, error) {
	s, err := c.Snapshot(ctx)
	return s.BackendConfigs, err
}

// Experiment looks up one experiment by id.
func (c *Catalog) Experiment(ctx context.Context, id int) (provider.Experiment, error) {
	s, err := c.Snapshot(ctx)
	if err != nil {
		return provider.Experiment{}, err
	}
	for _, e := range s.Experiments {
		if e.ID == id {
			return e, nil
		}
	}
	return provider.Experiment{}, fmt.Errorf("%w: %d", ErrUnknownExperiment, id)
}

// Plan resolves an experiment's UI configs, in the order the experiment
// lists them, and its ordering mode.
func (c *Catalog) Plan(ctx context.Context, experimentID int) (Plan, error) {
	s, err := c.Snapshot(ctx)
	if err != nil {
		return Plan{}, err
	}
	idx := slices.IndexFunc(s.Experiments, func(e provider.Experiment) bool { return e.ID == experimentID })
	if idx < 0 {
		return Plan{}, fmt.Errorf("%w: %d", ErrUnknownExperiment, experimentID)
	}
	exp := s.Experiments[idx]
	if len(exp.UIConfigIDs) == 0 {
		return Plan{}, fmt.Errorf("%w: %d", ErrNoUIConfigs, experimentID)
	}

	byID := make(map[int]provider.UIConfig, len(s.UIConfigs))
	for _, cfg := range s.UIConfigs {
		byID[cfg.ID] = cfg
	}
	configs := make([]provider.UIConfig, 0, len(exp.UIConfigIDs))
	for _, id := range exp.UIConfigIDs {
		cfg, ok := byID[id]
		if !ok {
			return Plan{}, fmt.Errorf("%w: %d (experiment %d)", ErrUnknownUIConfig, id, experimentID)
		}
		configs = append(configs, cfg)
	}

	mode, err := sequence.ParseMode(exp.OrderingMode)
	if err != nil {
		return Plan{}, fmt.Errorf("experiment %d: %w", experimentID, err)
	}
	return Plan{Experiment: exp, UIConfigs: configs, Mode: mode}, nil
}
