package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/epirank/internal/catalog"
	"github.com/kalambet/epirank/internal/episode"
	"github.com/kalambet/epirank/internal/mediacache"
	"github.com/kalambet/epirank/internal/outbox"
	"github.com/kalambet/epirank/internal/provider"
	"github.com/kalambet/epirank/internal/provider/providertest"
	"github.com/kalambet/epirank/internal/rankboard"
	"github.com/kalambet/epirank/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu      sync.Mutex
	saves   []storage.Session
	jobs    []storage.Job
	saveErr error
	// failFrom, when positive, fails every save once that many have
	// succeeded.
	failFrom int

	// When gate is non-nil SaveSession signals entered and blocks until
	// gate is closed.
	gate    chan struct{}
	entered chan struct{}
}

func (m *mockStore) SaveSession(ctx context.Context, sess storage.Session) error {
	m.mu.Lock()
	gate, entered := m.gate, m.entered
	m.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.failFrom > 0 && len(m.saves) >= m.failFrom {
		return errors.New("disk full")
	}
	m.saves = append(m.saves, sess)
	return nil
}

func (m *mockStore) EnqueueJob(ctx context.Context, job storage.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mockStore) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *mockStore) block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	m.entered = make(chan struct{}, 1)
}

func (m *mockStore) unblock() {
	m.mu.Lock()
	gate := m.gate
	m.gate = nil
	m.mu.Unlock()
	close(gate)
}

func (m *mockStore) queuedJobs() []storage.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.jobs)
}

// --- Helpers ---

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func singleConfigFake(batch, episodes int) *providertest.Fake {
	exp := provider.Experiment{ID: 1, Name: "exp", UIConfigIDs: []int{10}, OrderingMode: "sequential"}
	configs := []provider.UIConfig{{ID: 10, Name: "ranking", MaxRankingElements: batch}}
	return providertest.New(exp, configs, providertest.Refs("CartPole-v1", episodes))
}

func newController(t *testing.T, fake *providertest.Fake, opts Options) *Controller {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	c := New(fake, catalog.New(fake, time.Hour), opts)
	t.Cleanup(c.Wait)
	return c
}

func ids(t *testing.T, refs []episode.Ref) []string {
	t.Helper()
	out, err := episode.EncodeAll(refs)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// --- Tests ---

func TestReset(t *testing.T) {
	fake := singleConfigFake(2, 5)
	store := &mockStore{}
	c := newController(t, fake, Options{Store: store})

	st, err := c.Reset(context.Background(), 1, "random")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if st.SessionID != "sess-1" || st.EnvironmentID != "env-1" {
		t.Errorf("session = (%q, %q)", st.SessionID, st.EnvironmentID)
	}
	if !st.Active || st.Ended || st.CurrentStep != 0 || st.SequenceLength != 3 {
		t.Errorf("unexpected state %+v", st)
	}
	all := ids(t, providertest.Refs("CartPole-v1", 5))
	if !slices.Equal(st.RankeableIDs, all[:2]) {
		t.Errorf("RankeableIDs = %v, want %v", st.RankeableIDs, all[:2])
	}
	if len(st.Board.ColumnOrder) != 2 {
		t.Errorf("board has %d columns, want 2", len(st.Board.ColumnOrder))
	}
	if st.UIConfig == nil || st.UIConfig.ID != 10 {
		t.Errorf("UIConfig = %+v, want config 10", st.UIConfig)
	}
	if len(store.saves) != 1 || store.saves[0].ID != "sess-1" {
		t.Errorf("saves = %+v", store.saves)
	}
	if got := len(c.Sequence()); got != 3 {
		t.Errorf("Sequence has %d elements, want 3", got)
	}
}

func TestReset_FailureLeavesStateUntouched(t *testing.T) {
	fake := singleConfigFake(2, 5)
	c := newController(t, fake, Options{})
	ctx := context.Background()

	before, err := c.Reset(ctx, 1, "")
	if err != nil {
		t.Fatal(err)
	}

	fake.FailResets = true
	if _, err := c.Reset(ctx, 1, ""); !errors.Is(err, providertest.ErrUnavailable) {
		t.Fatalf("Reset err = %v, want ErrUnavailable", err)
	}
	after := c.Snapshot()
	if after.SessionID != before.SessionID || !slices.Equal(after.RankeableIDs, before.RankeableIDs) {
		t.Errorf("failed reset changed state: %+v", after)
	}

	fake.FailResets = false
	fake.FailEpisodes = true
	if _, err := c.Reset(ctx, 1, ""); err == nil {
		t.Fatal("expected error when episodes are unavailable")
	}
	if c.Snapshot().SessionID != before.SessionID {
		t.Error("failed episode load published a new session")
	}

	if _, err := c.Reset(ctx, 99, ""); !errors.Is(err, catalog.ErrUnknownExperiment) {
		t.Errorf("unknown experiment: err = %v", err)
	}
}

func TestReset_SampleFailureRestoresPreviousSession(t *testing.T) {
	fake := singleConfigFake(2, 5)
	store := &mockStore{}
	c := newController(t, fake, Options{Store: store})
	ctx := context.Background()

	before, err := c.Reset(ctx, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	seqBefore := c.Sequence()

	// The next reset finds no episodes, so sampling ends the session. The
	// reset's own save succeeds and the save that ends the session fails.
	fake.Episodes[1] = nil
	store.mu.Lock()
	store.failFrom = len(store.saves) + 1
	store.mu.Unlock()

	st, err := c.Reset(ctx, 1, "")
	if err == nil {
		t.Fatal("expected error when the first sample cannot be saved")
	}
	if st.SessionID != "" {
		t.Errorf("failed reset returned state %+v", st)
	}

	after := c.Snapshot()
	if after.SessionID != before.SessionID || after.Ended || after.SequenceLength != before.SequenceLength {
		t.Errorf("state after failed reset = %+v, want %s unchanged", after, before.SessionID)
	}
	if !slices.Equal(after.RankeableIDs, before.RankeableIDs) {
		t.Errorf("RankeableIDs = %v, want %v", after.RankeableIDs, before.RankeableIDs)
	}
	if len(c.Sequence()) != len(seqBefore) {
		t.Errorf("sequence has %d elements, want %d", len(c.Sequence()), len(seqBefore))
	}

	// The restored session is still usable.
	store.mu.Lock()
	store.failFrom = 0
	store.mu.Unlock()
	if out, err := c.AdvanceStep(ctx); err != nil || out != OutcomeHasNext {
		t.Errorf("AdvanceStep after rollback = %v, %v; want has_next", out, err)
	}
	if got := c.Snapshot(); got.SessionID != before.SessionID || got.CurrentStep != 1 {
		t.Errorf("state = %+v, want %s at step 1", got, before.SessionID)
	}
	c.Wait()
	if n := fake.CallCount("NotifySessionComplete"); n != 0 {
		t.Errorf("NotifySessionComplete called %d times, want 0", n)
	}
}

func TestAdvance_NotReadyBeforeReset(t *testing.T) {
	c := newController(t, singleConfigFake(2, 5), Options{})
	ctx := context.Background()

	if out, err := c.AdvanceStep(ctx); err != nil || out != OutcomeNotReady {
		t.Errorf("AdvanceStep = %v, %v; want not_ready", out, err)
	}
	if out, err := c.SampleEpisodes(ctx); err != nil || out != OutcomeNotReady {
		t.Errorf("SampleEpisodes = %v, %v; want not_ready", out, err)
	}
	if st := c.Snapshot(); st.CurrentStep != 0 || st.Active {
		t.Errorf("state mutated: %+v", st)
	}
}

func TestAdvance_SingleFlight(t *testing.T) {
	fake := singleConfigFake(2, 5)
	store := &mockStore{}
	c := newController(t, fake, Options{Store: store})
	ctx := context.Background()

	if _, err := c.Reset(ctx, 1, ""); err != nil {
		t.Fatal(err)
	}

	store.block()
	done := make(chan Outcome, 1)
	go func() {
		out, err := c.AdvanceStep(ctx)
		if err != nil {
			t.Errorf("AdvanceStep: %v", err)
		}
		done <- out
	}()
	<-store.entered

	if out, err := c.AdvanceStep(ctx); err != nil || out != OutcomeBusy {
		t.Errorf("concurrent AdvanceStep = %v, %v; want busy", out, err)
	}
	if out, err := c.SampleEpisodes(ctx); err != nil || out != OutcomeBusy {
		t.Errorf("concurrent SampleEpisodes = %v, %v; want busy", out, err)
	}
	if _, err := c.Reset(ctx, 1, ""); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Reset err = %v, want ErrBusy", err)
	}

	store.unblock()
	if out := <-done; out != OutcomeHasNext {
		t.Errorf("first AdvanceStep = %v, want has_next", out)
	}
	if st := c.Snapshot(); st.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", st.CurrentStep)
	}
}

func TestAdvance_PersistFailureNoMutation(t *testing.T) {
	store := &mockStore{}
	c := newController(t, singleConfigFake(2, 5), Options{Store: store})
	ctx := context.Background()

	if _, err := c.Reset(ctx, 1, ""); err != nil {
		t.Fatal(err)
	}
	store.setSaveErr(errors.New("disk full"))

	if _, err := c.AdvanceStep(ctx); err == nil {
		t.Fatal("expected error")
	}
	if st := c.Snapshot(); st.CurrentStep != 0 || st.Ended {
		t.Errorf("failed advance mutated state: %+v", st)
	}

	// The lock was released: the next attempt proceeds.
	store.setSaveErr(nil)
	if out, err := c.AdvanceStep(ctx); err != nil || out != OutcomeHasNext {
		t.Errorf("AdvanceStep = %v, %v; want has_next", out, err)
	}
}

func TestScenario_ThreeStepsThenEnded(t *testing.T) {
	fake := singleConfigFake(2, 5)
	c := newController(t, fake, Options{})
	ctx := context.Background()

	if _, err := c.Reset(ctx, 1, ""); err != nil {
		t.Fatal(err)
	}
	all := ids(t, providertest.Refs("CartPole-v1", 5))
	wantBatches := [][]string{all[0:2], all[2:4], all[4:5]}

	for i := range 3 {
		if got := c.Snapshot().RankeableIDs; !slices.Equal(got, wantBatches[i]) {
			t.Errorf("step %d rankeable = %v, want %v", i, got, wantBatches[i])
		}
		out, err := c.AdvanceStep(ctx)
		if err != nil {
			t.Fatalf("AdvanceStep %d: %v", i, err)
		}
		if i < 2 {
			if out != OutcomeHasNext {
				t.Fatalf("AdvanceStep %d = %v, want has_next", i, out)
			}
			if out, err := c.SampleEpisodes(ctx); err != nil || out != OutcomeSampled {
				t.Fatalf("SampleEpisodes %d = %v, %v", i, out, err)
			}
		} else if out != OutcomeEnded {
			t.Fatalf("final AdvanceStep = %v, want ended", out)
		}
	}

	c.Wait()
	st := c.Snapshot()
	if !st.Ended || st.CurrentStep != 3 {
		t.Errorf("final state = step %d ended %v", st.CurrentStep, st.Ended)
	}
	if got := fake.NotifiedSessions(); !slices.Equal(got, []string{"sess-1"}) {
		t.Errorf("notified = %v, want [sess-1]", got)
	}

	// Past the end, sampling never publishes and nothing is re-notified.
	for range 3 {
		if out, _ := c.SampleEpisodes(ctx); out != OutcomeEnded {
			t.Errorf("SampleEpisodes after end = %v", out)
		}
		if out, _ := c.AdvanceStep(ctx); out != OutcomeEnded {
			t.Errorf("AdvanceStep after end = %v", out)
		}
	}
	c.Wait()
	if got := c.Snapshot(); !slices.Equal(got.RankeableIDs, all[4:5]) || got.CurrentStep != 3 {
		t.Errorf("state changed after end: %+v", got)
	}
	if n := fake.CallCount("NotifySessionComplete"); n != 1 {
		t.Errorf("NotifySessionComplete called %d times, want 1", n)
	}
}

func TestNotifyFailureQueuesJob(t *testing.T) {
	fake := singleConfigFake(5, 5)
	fake.FailNotify = 1
	store := &mockStore{}
	c := newController(t, fake, Options{Store: store})
	ctx := context.Background()

	if _, err := c.Reset(ctx, 1, ""); err != nil {
		t.Fatal(err)
	}
	if out, err := c.AdvanceStep(ctx); err != nil || out != OutcomeEnded {
		t.Fatalf("AdvanceStep = %v, %v", out, err)
	}
	c.Wait()

	if !c.Snapshot().Ended {
		t.Error("failed notify rolled back Ended")
	}
	jobs := store.queuedJobs()
	if len(jobs) != 1 || jobs[0].Type != outbox.JobSessionComplete {
		t.Fatalf("queued jobs = %+v", jobs)
	}
	if jobs[0].PayloadJSON != `{"session_id":"sess-1"}` {
		t.Errorf("payload = %q", jobs[0].PayloadJSON)
	}
}

func TestNoEpisodesEndsOnSample(t *testing.T) {
	fake := singleConfigFake(2, 0)
	c := newController(t, fake, Options{})

	st, err := c.Reset(context.Background(), 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Ended || len(st.RankeableIDs) != 0 {
		t.Errorf("state = %+v, want ended with nothing rankeable", st)
	}
	c.Wait()
	if n := fake.CallCount("NotifySessionComplete"); n != 1 {
		t.Errorf("NotifySessionComplete called %d times, want 1", n)
	}
}

func TestResetStartsFreshSession(t *testing.T) {
	fake := singleConfigFake(5, 5)
	c := newController(t, fake, Options{})
	ctx := context.Background()

	if _, err := c.Reset(ctx, 1, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AdvanceStep(ctx); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	st, err := c.Reset(ctx, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if st.SessionID != "sess-2" || st.Ended || st.CurrentStep != 0 {
		t.Errorf("state after second reset = %+v", st)
	}
	if _, err := c.AdvanceStep(ctx); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if got := fake.NotifiedSessions(); !slices.Equal(got, []string{"sess-1", "sess-2"}) {
		t.Errorf("notified = %v", got)
	}
}

func TestApplyMove(t *testing.T) {
	c := newController(t, singleConfigFake(3, 3), Options{})

	if _, err := c.ApplyMove(rankboard.Move{}); !errors.Is(err, ErrNotActive) {
		t.Errorf("move before reset: err = %v", err)
	}

	st, err := c.Reset(context.Background(), 1, "")
	if err != nil {
		t.Fatal(err)
	}
	id := st.RankeableIDs[1]
	res, err := c.ApplyMove(rankboard.Move{
		SourceColumn: rankboard.Key(1), SourceIndex: 0,
		DestColumn: rankboard.Key(0), DestIndex: 1,
		EpisodeID: id,
	})
	if err != nil {
		t.Fatalf("ApplyMove: %v", err)
	}
	if !res.Changed || !slices.Equal(res.OrderedRanks, []int{1, 1, 3}) {
		t.Errorf("result = changed %v ranks %v", res.Changed, res.OrderedRanks)
	}
	if res.SessionID != st.SessionID || res.Step != 0 {
		t.Errorf("result stamped %q step %d, want %q step 0", res.SessionID, res.Step, st.SessionID)
	}

	board := c.Snapshot().Board
	if got := board.Ranks[rankboard.Key(0)].EpisodeItemIDs; len(got) != 2 || got[1] != id {
		t.Errorf("rank-0 = %v", got)
	}
	if got := board.Ranks[rankboard.Key(1)].EpisodeItemIDs; len(got) != 0 {
		t.Errorf("rank-1 = %v, want empty", got)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	c := newController(t, singleConfigFake(2, 4), Options{})
	if _, err := c.Reset(context.Background(), 1, ""); err != nil {
		t.Fatal(err)
	}
	st := c.Snapshot()
	st.RankeableIDs[0] = "mutated"
	st.Board.Ranks[rankboard.Key(0)].EpisodeItemIDs[0] = "mutated"

	again := c.Snapshot()
	if again.RankeableIDs[0] == "mutated" || again.Board.Ranks[rankboard.Key(0)].EpisodeItemIDs[0] == "mutated" {
		t.Error("snapshot shares memory with controller state")
	}
}

func TestPrefetchAfterSample(t *testing.T) {
	fake := singleConfigFake(2, 4)
	cache := mediacache.New(fake, mediacache.Options{Logger: quietLogger()})
	c := newController(t, fake, Options{Prefetcher: cache})

	if _, err := c.Reset(context.Background(), 1, ""); err != nil {
		t.Fatal(err)
	}
	c.Wait()
	if n := fake.CallCount("Thumbnail"); n != 2 {
		t.Errorf("Thumbnail fetched %d times, want 2", n)
	}
	if n := fake.CallCount("Rewards"); n != 2 {
		t.Errorf("Rewards fetched %d times, want 2", n)
	}
}

func TestOutcomeString(t *testing.T) {
	b, err := OutcomeHasNext.MarshalText()
	if err != nil || string(b) != "has_next" {
		t.Errorf("MarshalText = %q, %v", b, err)
	}
	if OutcomeNone.String() != "none" {
		t.Errorf("OutcomeNone = %q", OutcomeNone.String())
	}
}
