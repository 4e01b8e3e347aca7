// Package session owns the labeling session state machine: which experiment
// step is current, which episodes are rankeable at that step and the rank
// board built from them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/epirank/internal/catalog"
	"github.com/kalambet/epirank/internal/episode"
	"github.com/kalambet/epirank/internal/outbox"
	"github.com/kalambet/epirank/internal/provider"
	"github.com/kalambet/epirank/internal/rankboard"
	"github.com/kalambet/epirank/internal/sequence"
	"github.com/kalambet/epirank/internal/storage"
)

var (
	// ErrBusy is returned by Reset while another session operation runs.
	ErrBusy = errors.New("session operation already in progress")

	// ErrNotActive is returned for board moves before a session is active
	// or after it has ended.
	ErrNotActive = errors.New("no active session")
)

// Outcome reports what AdvanceStep or SampleEpisodes did.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomeBusy means another advance or sample was in flight and the
	// call was ignored.
	OutcomeBusy
	// OutcomeNotReady means the session prerequisites are missing.
	OutcomeNotReady
	// OutcomeHasNext means the step advanced and another step follows.
	OutcomeHasNext
	// OutcomeSampled means a new rankeable set was published.
	OutcomeSampled
	// OutcomeEnded means the sequence is exhausted.
	OutcomeEnded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBusy:
		return "busy"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeHasNext:
		return "has_next"
	case OutcomeSampled:
		return "sampled"
	case OutcomeEnded:
		return "ended"
	}
	return "none"
}

// MarshalText renders the outcome name in JSON responses.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Backend is the subset of provider.DataProvider the controller calls.
type Backend interface {
	ResetSampler(ctx context.Context, experimentID int, strategy string) (provider.SamplerSession, error)
	ChronologicalEpisodes(ctx context.Context, experimentID int) ([]episode.Ref, error)
	NotifySessionComplete(ctx context.Context, sessionID string) error
}

// Planner resolves an experiment into its ordered UI configs.
// Implemented by catalog.Catalog.
type Planner interface {
	Plan(ctx context.Context, experimentID int) (catalog.Plan, error)
}

// Store persists session progress and queues failed notifications.
// Implemented by storage.Store.
type Store interface {
	SaveSession(ctx context.Context, sess storage.Session) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Prefetcher warms media for freshly sampled episodes.
// Implemented by mediacache.Cache.
type Prefetcher interface {
	Prefetch(ctx context.Context, ids []string) error
}

// State is a point-in-time copy of the session.
type State struct {
	SessionID      string             `json:"session_id"`
	EnvironmentID  string             `json:"environment_id"`
	ExperimentID   int                `json:"experiment_id"`
	Strategy       string             `json:"strategy"`
	Active         bool               `json:"active"`
	Ended          bool               `json:"ended"`
	CurrentStep    int                `json:"current_step"`
	SequenceLength int                `json:"sequence_length"`
	UIConfig       *provider.UIConfig `json:"ui_config,omitempty"`
	RankeableIDs   []string           `json:"rankeable_episode_ids"`
	Board          rankboard.Board    `json:"board"`
}

func (s State) clone() State {
	out := s
	out.RankeableIDs = slices.Clone(s.RankeableIDs)
	out.Board = s.Board.Clone()
	if s.UIConfig != nil {
		cfg := *s.UIConfig
		cfg.FeedbackComponents = slices.Clone(cfg.FeedbackComponents)
		out.UIConfig = &cfg
	}
	return out
}

// Options configure a Controller.
type Options struct {
	Store      Store      // optional
	Prefetcher Prefetcher // optional
	Logger     *slog.Logger
	// Rand drives random ordering mode; nil uses ambient randomness.
	Rand *rand.Rand
	// NotifyTimeout bounds the end-of-session notification attempt.
	NotifyTimeout time.Duration
}

// Controller drives one labeling session at a time. AdvanceStep,
// SampleEpisodes and Reset never overlap; a call made while another is in
// flight is rejected instead of queued.
type Controller struct {
	backend       Backend
	planner       Planner
	store         Store
	prefetcher    Prefetcher
	logger        *slog.Logger
	rnd           *rand.Rand
	notifyTimeout time.Duration

	// busy is held for the whole of Reset, AdvanceStep and SampleEpisodes.
	busy sync.Mutex

	mu            sync.RWMutex
	state         State
	plan          catalog.Plan
	sequence      []sequence.Element
	chronological []string
	notified      bool

	bg sync.WaitGroup
}

// New creates an idle controller.
func New(backend Backend, planner Planner, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 30 * time.Second
	}
	return &Controller{
		backend:       backend,
		planner:       planner,
		store:         opts.Store,
		prefetcher:    opts.Prefetcher,
		logger:        opts.Logger,
		rnd:           opts.Rand,
		notifyTimeout: opts.NotifyTimeout,
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// Sequence returns a copy of the active step sequence.
func (c *Controller) Sequence() []sequence.Element {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := slices.Clone(c.sequence)
	for i := range out {
		out[i].Batch = slices.Clone(out[i].Batch)
	}
	return out
}

// Wait blocks until background notifications and prefetches finish.
func (c *Controller) Wait() {
	c.bg.Wait()
}

// Reset starts a new session for experimentID: it resets the backend
// sampler, loads the chronological episode list, builds the step sequence
// and samples the first step. If any step fails the previous session stays
// in place.
func (c *Controller) Reset(ctx context.Context, experimentID int, strategy string) (State, error) {
	if !c.busy.TryLock() {
		return State{}, ErrBusy
	}
	defer c.busy.Unlock()

	plan, err := c.planner.Plan(ctx, experimentID)
	if err != nil {
		return State{}, fmt.Errorf("planning experiment %d: %w", experimentID, err)
	}
	sampler, err := c.backend.ResetSampler(ctx, experimentID, strategy)
	if err != nil {
		return State{}, fmt.Errorf("resetting sampler: %w", err)
	}
	refs, err := c.backend.ChronologicalEpisodes(ctx, experimentID)
	if err != nil {
		return State{}, fmt.Errorf("loading episodes for experiment %d: %w", experimentID, err)
	}
	ids, err := episode.EncodeAll(refs)
	if err != nil {
		return State{}, fmt.Errorf("encoding episode ids: %w", err)
	}
	seq, err := sequence.Build(plan.SequenceConfigs(), len(ids), plan.Mode, sequence.Options{Rand: c.rnd, Logger: c.logger})
	if err != nil {
		return State{}, fmt.Errorf("building sequence: %w", err)
	}
	if seq == nil {
		seq = []sequence.Element{}
	}

	next := State{
		SessionID:      sampler.SessionID,
		EnvironmentID:  sampler.EnvironmentID,
		ExperimentID:   experimentID,
		Strategy:       strategy,
		Active:         true,
		SequenceLength: len(seq),
		Board:          rankboard.Rebuild(nil),
	}
	if err := c.persist(ctx, next); err != nil {
		return State{}, err
	}

	c.mu.Lock()
	prevState, prevPlan, prevSeq, prevIDs, prevNotified := c.state, c.plan, c.sequence, c.chronological, c.notified
	c.state = next
	c.plan = plan
	c.sequence = seq
	c.chronological = ids
	c.notified = false
	c.mu.Unlock()

	c.logger.Info("session reset",
		"session_id", next.SessionID, "experiment_id", experimentID,
		"episodes", len(ids), "steps", len(seq), "mode", plan.Mode)

	if _, err := c.sampleLocked(ctx); err != nil {
		c.mu.Lock()
		c.state, c.plan, c.sequence, c.chronological, c.notified = prevState, prevPlan, prevSeq, prevIDs, prevNotified
		c.mu.Unlock()
		c.logger.Warn("session reset rolled back", "session_id", next.SessionID, "error", err)
		return State{}, fmt.Errorf("sampling first step: %w", err)
	}
	return c.Snapshot(), nil
}

// AdvanceStep moves to the next step. It returns OutcomeHasNext when a step
// remains to be sampled and OutcomeEnded once the sequence is exhausted, at
// which point the backend is notified in the background.
func (c *Controller) AdvanceStep(ctx context.Context) (Outcome, error) {
	if !c.busy.TryLock() {
		c.logger.Debug("advance ignored, session operation in flight")
		return OutcomeBusy, nil
	}
	defer c.busy.Unlock()

	c.mu.RLock()
	cur := c.state.clone()
	ready := c.state.Active && len(c.chronological) > 0 && c.sequence != nil
	c.mu.RUnlock()

	if !ready {
		c.logger.Info("advance skipped, session not ready")
		return OutcomeNotReady, nil
	}
	if cur.Ended {
		return OutcomeEnded, nil
	}

	next := cur
	next.CurrentStep++
	outcome := OutcomeHasNext
	if next.CurrentStep >= next.SequenceLength {
		next.Ended = true
		outcome = OutcomeEnded
	}
	if err := c.persist(ctx, next); err != nil {
		return OutcomeNone, err
	}

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	c.logger.Info("session advanced", "session_id", next.SessionID, "step", next.CurrentStep, "ended", next.Ended)
	if next.Ended {
		c.notifyComplete(ctx, next.SessionID)
	}
	return outcome, nil
}

// SampleEpisodes publishes the rankeable episodes of the current step and
// rebuilds the board from them. Past the last step it reports
// OutcomeEnded and publishes nothing.
func (c *Controller) SampleEpisodes(ctx context.Context) (Outcome, error) {
	if !c.busy.TryLock() {
		c.logger.Debug("sample ignored, session operation in flight")
		return OutcomeBusy, nil
	}
	defer c.busy.Unlock()
	return c.sampleLocked(ctx)
}

// sampleLocked requires c.busy.
func (c *Controller) sampleLocked(ctx context.Context) (Outcome, error) {
	c.mu.RLock()
	cur := c.state.clone()
	ready := c.state.Active && c.sequence != nil
	var el sequence.Element
	hasElement := cur.CurrentStep < len(c.sequence)
	if hasElement {
		el = c.sequence[cur.CurrentStep]
	}
	chronological := c.chronological
	plan := c.plan
	c.mu.RUnlock()

	if !ready {
		c.logger.Info("sample skipped, session not ready")
		return OutcomeNotReady, nil
	}

	if !hasElement {
		if cur.Ended {
			return OutcomeEnded, nil
		}
		next := cur
		next.Ended = true
		if err := c.persist(ctx, next); err != nil {
			return OutcomeNone, err
		}
		c.mu.Lock()
		c.state.Ended = true
		c.mu.Unlock()
		c.logger.Info("session ended, no step left to sample", "session_id", cur.SessionID, "step", cur.CurrentStep)
		c.notifyComplete(ctx, cur.SessionID)
		return OutcomeEnded, nil
	}

	ids := make([]string, 0, len(el.Batch))
	for _, idx := range el.Batch {
		if idx < 0 || idx >= len(chronological) {
			return OutcomeNone, fmt.Errorf("step %d: batch index %d out of range (%d episodes)", cur.CurrentStep, idx, len(chronological))
		}
		ids = append(ids, chronological[idx])
	}
	cfgIdx := slices.IndexFunc(plan.UIConfigs, func(u provider.UIConfig) bool { return u.ID == el.UIConfig.ID })
	if cfgIdx < 0 {
		return OutcomeNone, fmt.Errorf("step %d: %w: %d", cur.CurrentStep, catalog.ErrUnknownUIConfig, el.UIConfig.ID)
	}
	cfg := plan.UIConfigs[cfgIdx]

	c.mu.Lock()
	c.state.UIConfig = &cfg
	c.state.RankeableIDs = ids
	c.state.Board = rankboard.Rebuild(ids)
	c.mu.Unlock()

	c.logger.Info("episodes sampled",
		"session_id", cur.SessionID, "step", cur.CurrentStep,
		"ui_config", cfg.Name, "episodes", len(ids))
	c.prefetch(ctx, ids)
	return OutcomeSampled, nil
}

// MoveResult is a board move together with the session and step whose
// board it changed.
type MoveResult struct {
	rankboard.Result
	SessionID string `json:"session_id"`
	Step      int    `json:"step"`
}

// ApplyMove applies a drag result to the board. The board is updated
// before the call returns; the result carries the flattened ranking for a
// comparative feedback record.
func (c *Controller) ApplyMove(m rankboard.Move) (MoveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Active || c.state.Ended {
		return MoveResult{}, ErrNotActive
	}
	res, err := rankboard.ApplyMove(c.state.Board, m)
	if err != nil {
		return MoveResult{}, err
	}
	if res.Changed {
		c.state.Board = res.Board
		c.state.RankeableIDs = slices.Clone(res.Board.Rankeable)
	}
	res.Board = res.Board.Clone()
	return MoveResult{Result: res, SessionID: c.state.SessionID, Step: c.state.CurrentStep}, nil
}

func (c *Controller) persist(ctx context.Context, s State) error {
	if c.store == nil {
		return nil
	}
	err := c.store.SaveSession(ctx, storage.Session{
		ID:             s.SessionID,
		ExperimentID:   s.ExperimentID,
		EnvironmentID:  s.EnvironmentID,
		Strategy:       s.Strategy,
		CurrentStep:    s.CurrentStep,
		SequenceLength: s.SequenceLength,
		Ended:          s.Ended,
	})
	if err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

// notifyComplete reports the session as complete exactly once. A failed
// attempt is queued for the outbox worker; the local Ended state stands.
func (c *Controller) notifyComplete(ctx context.Context, sessionID string) {
	c.mu.Lock()
	if c.notified {
		c.mu.Unlock()
		return
	}
	c.notified = true
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		nctx, cancel := context.WithTimeout(ctx, c.notifyTimeout)
		defer cancel()

		err := c.backend.NotifySessionComplete(nctx, sessionID)
		if err == nil {
			c.logger.Info("session completion reported", "session_id", sessionID)
			return
		}
		c.logger.Warn("session completion notify failed", "session_id", sessionID, "error", err)
		if c.store == nil {
			return
		}
		job, err := outbox.NewSessionCompleteJob(sessionID)
		if err == nil {
			err = c.store.EnqueueJob(ctx, job)
		}
		if err != nil {
			c.logger.Error("queueing session completion", "session_id", sessionID, "error", err)
		}
	}()
}

func (c *Controller) prefetch(ctx context.Context, ids []string) {
	if c.prefetcher == nil || len(ids) == 0 {
		return
	}
	ids = slices.Clone(ids)
	ctx = context.WithoutCancel(ctx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if err := c.prefetcher.Prefetch(ctx, ids); err != nil {
			c.logger.Debug("media prefetch incomplete", "error", err)
		}
	}()
}
