package api

import (
	"fmt"

	"github.com/kalambet/epirank/internal/feedback"
)

// FeedbackRequest is the wire form of a typed feedback gesture. Fields not
// used by FeedbackType are ignored.
type FeedbackRequest struct {
	FeedbackType      string                      `json:"feedback_type"`
	Granularity       string                      `json:"granularity"`
	EpisodeIDs        []string                    `json:"episode_ids"`
	StateStep         *int                        `json:"state_step,omitempty"`
	Score             *float64                    `json:"score,omitempty"`
	Preferences       []int                       `json:"preferences,omitempty"`
	ActionPreferences []feedback.ActionPreference `json:"action_preferences,omitempty"`
	FeatureSelection  string                      `json:"feature_selection,omitempty"`
	Text              string                      `json:"text,omitempty"`
}

// buildRecord turns req into a validated record stamped with meta.
// Identifier errors wrap episode.ErrInvalidIdentifier, everything else
// feedback.ErrInvalidRecord.
func buildRecord(meta feedback.Meta, req FeedbackRequest) (feedback.Record, error) {
	if !feedback.ValidType(req.FeedbackType) {
		return feedback.Record{}, fmt.Errorf("%w: unknown feedback_type %q", feedback.ErrInvalidRecord, req.FeedbackType)
	}
	if req.Granularity != "" {
		meta.Granularity = feedback.Granularity(req.Granularity)
	}

	targets := make([]feedback.Target, 0, len(req.EpisodeIDs))
	for _, id := range req.EpisodeIDs {
		t, err := feedback.TargetFor(id)
		if err != nil {
			return feedback.Record{}, err
		}
		t.Timestamp = meta.Timestamp
		t.Step = req.StateStep
		targets = append(targets, t)
	}

	t := feedback.Type(req.FeedbackType)
	if t == feedback.TypeComparative {
		return feedback.NewComparative(meta, targets, req.Preferences)
	}
	if len(targets) != 1 {
		return feedback.Record{}, fmt.Errorf("%w: %s feedback needs exactly one episode, got %d", feedback.ErrInvalidRecord, t, len(targets))
	}
	target := targets[0]

	switch t {
	case feedback.TypeEvaluative:
		if req.Score == nil {
			return feedback.Record{}, fmt.Errorf("%w: score is required", feedback.ErrInvalidRecord)
		}
		return feedback.NewEvaluative(meta, target, *req.Score)
	case feedback.TypeCorrective:
		return feedback.NewCorrective(meta, target, req.ActionPreferences)
	case feedback.TypeDemonstrative:
		return feedback.NewDemonstrative(meta, target)
	case feedback.TypeFeatureSelection:
		return feedback.NewFeatureSelection(meta, target, req.FeatureSelection)
	default:
		return feedback.NewText(meta, target, req.Text)
	}
}
