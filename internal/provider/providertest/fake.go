// Package providertest provides an in-memory provider.DataProvider for tests.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kalambet/epirank/internal/episode"
	"github.com/kalambet/epirank/internal/feedback"
	"github.com/kalambet/epirank/internal/provider"
)

// ErrUnavailable is the error returned by failing fake calls.
var ErrUnavailable = errors.New("backend unavailable")

// Fake is a scriptable DataProvider. Zero values are usable; set fields
// before handing it to the code under test.
type Fake struct {
	mu sync.Mutex

	ProjectList    []provider.Project
	ExperimentList []provider.Experiment
	UIConfigList   []provider.UIConfig
	BackendList    []provider.BackendConfig
	Episodes       map[int][]episode.Ref
	RewardSeries   map[string][]float64
	SessionPrefix  string
	FailResets     bool
	FailEpisodes   bool
	FailMedia      bool
	FailSubmits    int // number of upcoming submits that fail
	FailNotify     int // number of upcoming notifications that fail

	// MediaGate, when non-nil, blocks every media fetch until it is closed.
	MediaGate chan struct{}
	// SubmitGate, when non-nil, blocks every submit until it is closed.
	SubmitGate chan struct{}

	Calls     map[string]int
	Submitted [][]feedback.Record
	Notified  []string
	resets    int
}

// New returns a fake serving the given experiment and episodes.
func New(exp provider.Experiment, configs []provider.UIConfig, episodes []episode.Ref) *Fake {
	return &Fake{
		ExperimentList: []provider.Experiment{exp},
		UIConfigList:   configs,
		Episodes:       map[int][]episode.Ref{exp.ID: episodes},
		SessionPrefix:  "sess",
	}
}

func (f *Fake) record(name string) {
	if f.Calls == nil {
		f.Calls = make(map[string]int)
	}
	f.Calls[name]++
}

// CallCount returns how often the named method was called.
func (f *Fake) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[name]
}

// SubmittedBatches returns a copy of every successfully submitted batch.
func (f *Fake) SubmittedBatches() [][]feedback.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]feedback.Record(nil), f.Submitted...)
}

// NotifiedSessions returns the sessions successfully reported complete.
func (f *Fake) NotifiedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Notified...)
}

func (f *Fake) Projects(ctx context.Context) ([]provider.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Projects")
	return append([]provider.Project(nil), f.ProjectList...), nil
}

func (f *Fake) Experiments(ctx context.Context) ([]provider.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Experiments")
	return append([]provider.Experiment(nil), f.ExperimentList...), nil
}

func (f *Fake) UIConfigs(ctx context.Context) ([]provider.UIConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UIConfigs")
	return append([]provider.UIConfig(nil), f.UIConfigList...), nil
}

func (f *Fake) BackendConfigs(ctx context.Context) ([]provider.BackendConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("BackendConfigs")
	return append([]provider.BackendConfig(nil), f.BackendList...), nil
}

func (f *Fake) ResetSampler(ctx context.Context, experimentID int, strategy string) (provider.SamplerSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ResetSampler")
	if f.FailResets {
		return provider.SamplerSession{}, ErrUnavailable
	}
	f.resets++
	return provider.SamplerSession{
		SessionID:     fmt.Sprintf("%s-%d", f.SessionPrefix, f.resets),
		EnvironmentID: fmt.Sprintf("env-%d", experimentID),
	}, nil
}

func (f *Fake) ChronologicalEpisodes(ctx context.Context, experimentID int) ([]episode.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ChronologicalEpisodes")
	if f.FailEpisodes {
		return nil, ErrUnavailable
	}
	return append([]episode.Ref(nil), f.Episodes[experimentID]...), nil
}

func (f *Fake) waitMedia(ctx context.Context, name string) error {
	f.mu.Lock()
	f.record(name)
	gate, fail := f.MediaGate, f.FailMedia
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return ErrUnavailable
	}
	return nil
}

func (f *Fake) Thumbnail(ctx context.Context, ref episode.Ref) (provider.Media, error) {
	if err := f.waitMedia(ctx, "Thumbnail"); err != nil {
		return provider.Media{}, err
	}
	return provider.Media{ContentType: "image/png", Data: []byte("thumb:" + ref.EnvName)}, nil
}

func (f *Fake) Video(ctx context.Context, ref episode.Ref) (provider.Media, error) {
	if err := f.waitMedia(ctx, "Video"); err != nil {
		return provider.Media{}, err
	}
	return provider.Media{ContentType: "video/mp4", Data: []byte("video:" + ref.EnvName)}, nil
}

func (f *Fake) Rewards(ctx context.Context, ref episode.Ref) ([]float64, error) {
	if err := f.waitMedia(ctx, "Rewards"); err != nil {
		return nil, err
	}
	id, _ := episode.Encode(ref)
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.RewardSeries[id]; ok {
		return append([]float64(nil), r...), nil
	}
	return []float64{float64(ref.EpisodeNum)}, nil
}

func (f *Fake) Uncertainty(ctx context.Context, ref episode.Ref) ([]float64, error) {
	if err := f.waitMedia(ctx, "Uncertainty"); err != nil {
		return nil, err
	}
	return []float64{0.5}, nil
}

func (f *Fake) SubmitFeedback(ctx context.Context, records []feedback.Record) error {
	f.mu.Lock()
	f.record("SubmitFeedback")
	gate := f.SubmitGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSubmits > 0 {
		f.FailSubmits--
		return ErrUnavailable
	}
	f.Submitted = append(f.Submitted, append([]feedback.Record(nil), records...))
	return nil
}

func (f *Fake) NotifySessionComplete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("NotifySessionComplete")
	if f.FailNotify > 0 {
		f.FailNotify--
		return ErrUnavailable
	}
	f.Notified = append(f.Notified, sessionID)
	return nil
}

// Refs builds n sequential episode references for env.
func Refs(env string, n int) []episode.Ref {
	refs := make([]episode.Ref, n)
	for i := range refs {
		refs[i] = episode.Ref{EnvName: env, BenchmarkType: "trained", BenchmarkID: 0, CheckpointStep: 1000, EpisodeNum: i}
	}
	return refs
}
