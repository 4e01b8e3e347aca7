package provider

import (
	"context"

	"github.com/kalambet/epirank/internal/episode"
	"github.com/kalambet/epirank/internal/feedback"
)

// Project groups experiments.
type Project struct {
	ID          int    `json:"id"`
	Name        string `json:"project_name"`
	Description string `json:"project_description,omitempty"`
}

// Experiment is one configured labeling study.
type Experiment struct {
	ID          int    `json:"id"`
	Name        string `json:"exp_name"`
	ProjectID   int    `json:"project_id"`
	EnvID       string `json:"env_id"`
	UIConfigIDs []int  `json:"ui_config_ids"`
	// OrderingMode is sequential, alternating or random.
	OrderingMode string `json:"ordering_mode"`
}

// UIConfig describes one presentation layout. MaxRankingElements is the
// batch size used by the sequencing engine.
type UIConfig struct {
	ID                 int      `json:"id"`
	Name               string   `json:"name"`
	MaxRankingElements int      `json:"max_ranking_elements"`
	FeedbackComponents []string `json:"feedback_components,omitempty"`
	UncertaintyLine    bool     `json:"uncertainty_line,omitempty"`
}

// BackendConfig describes the sampler and feedback backend settings.
type BackendConfig struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	SamplingStrategy string `json:"sampling_strategy"`
}

// SamplerSession is returned by a sampler reset.
type SamplerSession struct {
	SessionID     string `json:"session_id"`
	EnvironmentID string `json:"environment_id"`
}

// Media is a binary episode resource such as a thumbnail or a rendered video.
type Media struct {
	ContentType string
	Data        []byte
}

// DataProvider is the backend the labeling engine depends on.
type DataProvider interface {
	Projects(ctx context.Context) ([]Project, error)
	Experiments(ctx context.Context) ([]Experiment, error)
	UIConfigs(ctx context.Context) ([]UIConfig, error)
	BackendConfigs(ctx context.Context) ([]BackendConfig, error)
	ResetSampler(ctx context.Context, experimentID int, strategy string) (SamplerSession, error)
	ChronologicalEpisodes(ctx context.Context, experimentID int) ([]episode.Ref, error)
	Thumbnail(ctx context.Context, ref episode.Ref) (Media, error)
	Video(ctx context.Context, ref episode.Ref) (Media, error)
	Rewards(ctx context.Context, ref episode.Ref) ([]float64, error)
	Uncertainty(ctx context.Context, ref episode.Ref) ([]float64, error)
	SubmitFeedback(ctx context.Context, records []feedback.Record) error
	NotifySessionComplete(ctx context.Context, sessionID string) error
}
