// Package scheduler buffers feedback records produced by the labeling
// surfaces and submits them to the backend in one batch per step.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/epirank/internal/feedback"
	"github.com/kalambet/epirank/internal/session"
	"github.com/kalambet/epirank/internal/storage"
)

const defaultTextDebounce = 800 * time.Millisecond

var (
	// ErrSubmitInFlight is returned when Submit is called while a previous
	// submit has not finished.
	ErrSubmitInFlight = errors.New("submit already in progress")

	// ErrNoSession is returned when feedback is recorded without an active
	// session.
	ErrNoSession = errors.New("no active session")
)

// Stepper is the session controller surface the scheduler drives.
// Implemented by session.Controller.
type Stepper interface {
	Snapshot() session.State
	AdvanceStep(ctx context.Context) (session.Outcome, error)
	SampleEpisodes(ctx context.Context) (session.Outcome, error)
}

// Submitter sends feedback batches to the backend.
type Submitter interface {
	SubmitFeedback(ctx context.Context, records []feedback.Record) error
}

// Store persists the pending buffer.
// Implemented by storage.Store.
type Store interface {
	SaveFeedback(ctx context.Context, f storage.FeedbackRow) error
	PendingFeedback(ctx context.Context) ([]storage.FeedbackRow, error)
	MarkFeedbackSubmitted(ctx context.Context, ids []string) error
}

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run after d. time.AfterFunc satisfies it
// through a small adapter.
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configure a Scheduler.
type Options struct {
	Store        Store // optional
	Logger       *slog.Logger
	TextDebounce time.Duration
	AfterFunc    AfterFunc
}

// SubmitResult describes a successful submit.
type SubmitResult struct {
	Submitted int             `json:"submitted"`
	Advance   session.Outcome `json:"advance"`
	Sample    session.Outcome `json:"sample"`
	Ended     bool            `json:"ended"`
}

type pendingEdit struct {
	seq    uint64
	target feedback.Target
	meta   feedback.Meta
	text   string
	timer  Timer
}

// Scheduler owns the pending feedback buffer.
type Scheduler struct {
	stepper   Stepper
	backend   Submitter
	store     Store
	logger    *slog.Logger
	debounce  time.Duration
	afterFunc AfterFunc

	submitting sync.Mutex

	mu      sync.Mutex
	pending []feedback.Record
	edits   map[string]*pendingEdit
	editSeq uint64
}

// New creates a Scheduler with an empty buffer. Call Load to restore
// records left unsubmitted by a previous run.
func New(stepper Stepper, backend Submitter, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TextDebounce <= 0 {
		opts.TextDebounce = defaultTextDebounce
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = stdAfterFunc
	}
	return &Scheduler{
		stepper:   stepper,
		backend:   backend,
		store:     opts.Store,
		logger:    opts.Logger,
		debounce:  opts.TextDebounce,
		afterFunc: opts.AfterFunc,
		edits:     make(map[string]*pendingEdit),
	}
}

// Load restores pending records from the store. It returns how many
// records were restored.
func (s *Scheduler) Load(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	rows, err := s.store.PendingFeedback(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading pending feedback: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for _, row := range rows {
		if slices.ContainsFunc(s.pending, func(r feedback.Record) bool { return r.ID == row.ID }) {
			continue
		}
		var rec feedback.Record
		if err := json.Unmarshal([]byte(row.RecordJSON), &rec); err != nil {
			s.logger.Warn("skipping unreadable pending feedback", "id", row.ID, "error", err)
			continue
		}
		if err := rec.Validate(); err != nil {
			s.logger.Warn("skipping invalid pending feedback", "id", row.ID, "error", err)
			continue
		}
		s.pending = append(s.pending, rec)
		restored++
	}
	return restored, nil
}

// Schedule appends rec to the pending buffer. Identical records are not
// merged; each carries its own id, which the backend uses to drop
// duplicates.
func (s *Scheduler) Schedule(ctx context.Context, rec feedback.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding feedback %s: %w", rec.ID, err)
		}
		row := storage.FeedbackRow{
			ID:         rec.ID,
			SessionID:  rec.SessionID,
			Type:       string(rec.Type),
			RecordJSON: string(body),
			CreatedAt:  rec.Timestamp,
		}
		if err := s.store.SaveFeedback(ctx, row); err != nil {
			return err
		}
	}
	s.pending = append(s.pending, rec)
	s.logger.Debug("feedback scheduled", "id", rec.ID, "type", rec.Type, "pending", len(s.pending))
	return nil
}

// Pending returns a copy of the buffer in scheduling order.
func (s *Scheduler) Pending() []feedback.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

// Meta returns the record metadata for the current session step.
func (s *Scheduler) Meta(g feedback.Granularity) (feedback.Meta, error) {
	st := s.stepper.Snapshot()
	if !st.Active || st.SessionID == "" {
		return feedback.Meta{}, ErrNoSession
	}
	return metaAt(st.SessionID, st.CurrentStep, g), nil
}

func metaAt(sessionID string, step int, g feedback.Granularity) feedback.Meta {
	return feedback.Meta{
		SessionID:   sessionID,
		Step:        step,
		Granularity: g,
		Timestamp:   time.Now().UTC(),
	}
}

// RecordRanking schedules a comparative record for a board move, stamped
// with the step the move was made on. Moves that changed nothing produce no
// record and return nil.
func (s *Scheduler) RecordRanking(ctx context.Context, res session.MoveResult) (*feedback.Record, error) {
	if !res.Changed || len(res.OrderedEpisodes) == 0 {
		return nil, nil
	}
	if res.SessionID == "" {
		return nil, ErrNoSession
	}
	meta := metaAt(res.SessionID, res.Step, feedback.GranularityEpisode)
	targets := make([]feedback.Target, len(res.OrderedEpisodes))
	for i, ep := range res.OrderedEpisodes {
		targets[i] = feedback.Target{TargetID: ep.ID, Reference: ep.Reference, Origin: feedback.OriginOffline}
	}
	rec, err := feedback.NewComparative(meta, targets, res.OrderedRanks)
	if err != nil {
		return nil, err
	}
	if err := s.Schedule(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecordRating schedules an evaluative record from a committed slider value.
func (s *Scheduler) RecordRating(ctx context.Context, episodeID string, score float64) (feedback.Record, error) {
	target, err := feedback.TargetFor(episodeID)
	if err != nil {
		return feedback.Record{}, err
	}
	meta, err := s.Meta(feedback.GranularityEpisode)
	if err != nil {
		return feedback.Record{}, err
	}
	rec, err := feedback.NewEvaluative(meta, target, score)
	if err != nil {
		return feedback.Record{}, err
	}
	if err := s.Schedule(ctx, rec); err != nil {
		return feedback.Record{}, err
	}
	return rec, nil
}

// EditText records the latest text typed for an episode. Edits within the
// debounce interval replace each other; only the last one is scheduled,
// once the interval passes without a new edit. Empty text cancels the
// pending edit.
func (s *Scheduler) EditText(episodeID, text string) error {
	target, err := feedback.TargetFor(episodeID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.edits[episodeID]; ok {
		prev.timer.Stop()
		delete(s.edits, episodeID)
	}
	if text == "" {
		return nil
	}
	meta, err := s.Meta(feedback.GranularityEpisode)
	if err != nil {
		return err
	}

	s.editSeq++
	seq := s.editSeq
	edit := &pendingEdit{seq: seq, target: target, meta: meta, text: text}
	edit.timer = s.afterFunc(s.debounce, func() { s.fireEdit(episodeID, seq) })
	s.edits[episodeID] = edit
	return nil
}

// PendingEdits reports how many text edits are waiting for their quiet
// interval to pass.
func (s *Scheduler) PendingEdits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edits)
}

func (s *Scheduler) fireEdit(episodeID string, seq uint64) {
	s.mu.Lock()
	edit, ok := s.edits[episodeID]
	if !ok || edit.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.edits, episodeID)
	s.mu.Unlock()

	if err := s.scheduleEdit(context.Background(), edit); err != nil {
		s.logger.Warn("scheduling text feedback", "episode_id", episodeID, "error", err)
	}
}

func (s *Scheduler) scheduleEdit(ctx context.Context, edit *pendingEdit) error {
	rec, err := feedback.NewText(edit.meta, edit.target, edit.text)
	if err != nil {
		return err
	}
	return s.Schedule(ctx, rec)
}

// FlushText schedules every pending text edit immediately, in edit order.
func (s *Scheduler) FlushText(ctx context.Context) error {
	s.mu.Lock()
	edits := make([]*pendingEdit, 0, len(s.edits))
	for id, e := range s.edits {
		e.timer.Stop()
		edits = append(edits, e)
		delete(s.edits, id)
	}
	s.mu.Unlock()

	sort.Slice(edits, func(i, j int) bool { return edits[i].seq < edits[j].seq })
	var errs []error
	for _, e := range edits {
		if err := s.scheduleEdit(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("episode %s: %w", e.target.TargetID, err))
		}
	}
	return errors.Join(errs...)
}

// Submit flushes pending text edits, sends the buffer to the backend in
// one call and, on success, removes exactly the sent records, advances the
// session and samples the next step. On failure the buffer is kept for a
// later retry.
func (s *Scheduler) Submit(ctx context.Context) (SubmitResult, error) {
	if !s.submitting.TryLock() {
		return SubmitResult{}, ErrSubmitInFlight
	}
	defer s.submitting.Unlock()

	if err := s.FlushText(ctx); err != nil {
		return SubmitResult{}, fmt.Errorf("flushing text feedback: %w", err)
	}

	batch := s.Pending()
	if len(batch) > 0 {
		if err := s.backend.SubmitFeedback(ctx, batch); err != nil {
			s.logger.Warn("feedback submit failed, keeping buffer", "pending", len(batch), "error", err)
			return SubmitResult{}, fmt.Errorf("submitting feedback: %w", err)
		}
		s.clear(ctx, batch)
	}
	res := SubmitResult{Submitted: len(batch)}

	out, err := s.stepper.AdvanceStep(ctx)
	if err != nil {
		return res, fmt.Errorf("advancing step: %w", err)
	}
	res.Advance = out
	switch out {
	case session.OutcomeHasNext:
		sample, err := s.stepper.SampleEpisodes(ctx)
		res.Sample = sample
		if err != nil {
			return res, fmt.Errorf("sampling next step: %w", err)
		}
		res.Ended = sample == session.OutcomeEnded
	case session.OutcomeEnded:
		res.Ended = true
	}
	s.logger.Info("feedback submitted", "records", res.Submitted, "advance", res.Advance, "ended", res.Ended)
	return res, nil
}

// clear drops the submitted records from the buffer, keeping anything
// scheduled while the submit was in flight.
func (s *Scheduler) clear(ctx context.Context, sent []feedback.Record) {
	ids := make(map[string]struct{}, len(sent))
	idList := make([]string, 0, len(sent))
	for _, r := range sent {
		ids[r.ID] = struct{}{}
		idList = append(idList, r.ID)
	}

	s.mu.Lock()
	s.pending = slices.DeleteFunc(s.pending, func(r feedback.Record) bool {
		_, ok := ids[r.ID]
		return ok
	})
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.MarkFeedbackSubmitted(ctx, idList); err != nil {
			s.logger.Error("marking feedback submitted", "records", len(idList), "error", err)
		}
	}
}
