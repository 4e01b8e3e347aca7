// Package feedback defines the feedback records produced by the labeling
// surfaces. A Record is a tagged variant: Type selects which payload field is
// populated, and the New* constructors are the only supported way to build
// one so that every record is validated before it reaches the buffer.
package feedback

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/epirank/internal/episode"
)

// Type discriminates the record payload.
type Type string

const (
	TypeEvaluative       Type = "evaluative"
	TypeComparative      Type = "comparative"
	TypeCorrective       Type = "corrective"
	TypeDemonstrative    Type = "demonstrative"
	TypeFeatureSelection Type = "featureSelection"
	TypeText             Type = "text"
)

// ValidType reports whether t names a known feedback type.
func ValidType(t string) bool {
	switch Type(t) {
	case TypeEvaluative, TypeComparative, TypeCorrective, TypeDemonstrative,
		TypeFeatureSelection, TypeText:
		return true
	}
	return false
}

// Granularity is the unit a record refers to.
type Granularity string

const (
	GranularityEpisode Granularity = "episode"
	GranularityState   Granularity = "state"
	GranularityEntire  Granularity = "entire"
)

// Origin tells whether a target was recorded offline or generated during the
// session (for example a user demonstration).
type Origin string

const (
	OriginOffline   Origin = "offline"
	OriginGenerated Origin = "generated"
)

const (
	MinScore = 0
	MaxScore = 10
)

// ErrInvalidRecord wraps every constructor validation failure.
var ErrInvalidRecord = errors.New("invalid feedback record")

// Target is one episode (or state of an episode) a record talks about.
type Target struct {
	TargetID  string      `json:"target_id"`
	Reference episode.Ref `json:"reference"`
	Origin    Origin      `json:"origin"`
	Timestamp time.Time   `json:"timestamp"`
	Step      *int        `json:"step,omitempty" jsonschema:"description=state index within the episode for state-level feedback"`
}

// ActionPreference is a corrected action for one state of an episode.
type ActionPreference struct {
	Step   int       `json:"step"`
	Action []float64 `json:"action"`
}

// Record is an immutable feedback record.
type Record struct {
	ID          string      `json:"id" jsonschema:"description=client-generated idempotency key"`
	Type        Type        `json:"feedback_type" jsonschema:"enum=evaluative,enum=comparative,enum=corrective,enum=demonstrative,enum=featureSelection,enum=text"`
	Targets     []Target    `json:"targets"`
	Granularity Granularity `json:"granularity" jsonschema:"enum=episode,enum=state,enum=entire"`
	Timestamp   time.Time   `json:"timestamp"`
	SessionID   string      `json:"session_id"`
	Step        int         `json:"experiment_step"`

	Score             *float64           `json:"score,omitempty" jsonschema:"minimum=0,maximum=10"`
	Preferences       []int              `json:"preferences,omitempty"`
	ActionPreferences []ActionPreference `json:"action_preferences,omitempty"`
	FeatureSelection  string             `json:"feature_selection,omitempty"`
	TextFeedback      string             `json:"text_feedback,omitempty"`
}

// Meta carries the fields every record shares. Step is the experiment step
// the record was produced in.
type Meta struct {
	SessionID   string
	Step        int
	Granularity Granularity
	Timestamp   time.Time
}

func newRecord(t Type, meta Meta, targets []Target) (Record, error) {
	if meta.SessionID == "" {
		return Record{}, fmt.Errorf("%w: %s: session id is required", ErrInvalidRecord, t)
	}
	if len(targets) == 0 {
		return Record{}, fmt.Errorf("%w: %s: at least one target is required", ErrInvalidRecord, t)
	}
	g := meta.Granularity
	if g == "" {
		g = GranularityEpisode
	}
	switch g {
	case GranularityEpisode, GranularityState, GranularityEntire:
	default:
		return Record{}, fmt.Errorf("%w: %s: unknown granularity %q", ErrInvalidRecord, t, g)
	}
	ts := meta.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	cp := make([]Target, len(targets))
	for i, tg := range targets {
		if tg.TargetID == "" {
			return Record{}, fmt.Errorf("%w: %s: target %d has no id", ErrInvalidRecord, t, i)
		}
		if tg.Origin == "" {
			tg.Origin = OriginOffline
		}
		if tg.Timestamp.IsZero() {
			tg.Timestamp = ts
		}
		if tg.Step != nil {
			s := *tg.Step
			tg.Step = &s
		}
		cp[i] = tg
	}

	return Record{
		ID:          uuid.New().String(),
		Type:        t,
		Targets:     cp,
		Granularity: g,
		Timestamp:   ts,
		SessionID:   meta.SessionID,
		Step:        meta.Step,
	}, nil
}

func validScore(score float64) bool {
	return !math.IsNaN(score) && score >= MinScore && score <= MaxScore
}

func finiteActions(prefs []ActionPreference) bool {
	for _, p := range prefs {
		for _, a := range p.Action {
			if math.IsNaN(a) || math.IsInf(a, 0) {
				return false
			}
		}
	}
	return true
}

// NewEvaluative builds a rating record. score must lie in [MinScore, MaxScore].
func NewEvaluative(meta Meta, target Target, score float64) (Record, error) {
	if !validScore(score) {
		return Record{}, fmt.Errorf("%w: score %v out of range [%d, %d]", ErrInvalidRecord, score, MinScore, MaxScore)
	}
	r, err := newRecord(TypeEvaluative, meta, []Target{target})
	if err != nil {
		return Record{}, err
	}
	r.Score = &score
	return r, nil
}

// NewComparative builds a ranking record. preferences[i] is the rank of
// targets[i]; equal values mean equally preferred.
func NewComparative(meta Meta, targets []Target, preferences []int) (Record, error) {
	if len(targets) != len(preferences) {
		return Record{}, fmt.Errorf("%w: %d targets but %d preferences", ErrInvalidRecord, len(targets), len(preferences))
	}
	for i, p := range preferences {
		if p < 1 {
			return Record{}, fmt.Errorf("%w: preference %d is %d, ranks start at 1", ErrInvalidRecord, i, p)
		}
	}
	r, err := newRecord(TypeComparative, meta, targets)
	if err != nil {
		return Record{}, err
	}
	r.Preferences = append([]int(nil), preferences...)
	return r, nil
}

// NewCorrective builds a correction record for states of a single episode.
func NewCorrective(meta Meta, target Target, prefs []ActionPreference) (Record, error) {
	if len(prefs) == 0 {
		return Record{}, fmt.Errorf("%w: corrective feedback needs at least one action preference", ErrInvalidRecord)
	}
	if !finiteActions(prefs) {
		return Record{}, fmt.Errorf("%w: action values must be finite", ErrInvalidRecord)
	}
	if meta.Granularity == "" {
		meta.Granularity = GranularityState
	}
	r, err := newRecord(TypeCorrective, meta, []Target{target})
	if err != nil {
		return Record{}, err
	}
	r.ActionPreferences = make([]ActionPreference, len(prefs))
	for i, p := range prefs {
		r.ActionPreferences[i] = ActionPreference{Step: p.Step, Action: append([]float64(nil), p.Action...)}
	}
	return r, nil
}

// NewDemonstrative builds a record for a user-generated demonstration. The
// target is always marked as generated.
func NewDemonstrative(meta Meta, target Target) (Record, error) {
	target.Origin = OriginGenerated
	return newRecord(TypeDemonstrative, meta, []Target{target})
}

// NewFeatureSelection builds a record pointing at an uploaded selection
// artifact.
func NewFeatureSelection(meta Meta, target Target, artifact string) (Record, error) {
	if artifact == "" {
		return Record{}, fmt.Errorf("%w: feature selection artifact name is required", ErrInvalidRecord)
	}
	r, err := newRecord(TypeFeatureSelection, meta, []Target{target})
	if err != nil {
		return Record{}, err
	}
	r.FeatureSelection = artifact
	return r, nil
}

// NewText builds a free-text record.
func NewText(meta Meta, target Target, text string) (Record, error) {
	if text == "" {
		return Record{}, fmt.Errorf("%w: text feedback is empty", ErrInvalidRecord)
	}
	r, err := newRecord(TypeText, meta, []Target{target})
	if err != nil {
		return Record{}, err
	}
	r.TextFeedback = text
	return r, nil
}

// Validate checks the invariants the constructors enforce. It is used on
// records read back from storage or received over the wire.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if !ValidType(string(r.Type)) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, r.Type)
	}
	if len(r.Targets) == 0 {
		return fmt.Errorf("%w: no targets", ErrInvalidRecord)
	}
	switch r.Type {
	case TypeEvaluative:
		if r.Score == nil || !validScore(*r.Score) {
			return fmt.Errorf("%w: evaluative record needs a score in range", ErrInvalidRecord)
		}
	case TypeComparative:
		if len(r.Preferences) != len(r.Targets) {
			return fmt.Errorf("%w: %d targets but %d preferences", ErrInvalidRecord, len(r.Targets), len(r.Preferences))
		}
	case TypeCorrective:
		if len(r.ActionPreferences) == 0 || !finiteActions(r.ActionPreferences) {
			return fmt.Errorf("%w: corrective record needs finite action preferences", ErrInvalidRecord)
		}
	case TypeFeatureSelection:
		if r.FeatureSelection == "" {
			return fmt.Errorf("%w: feature selection record has no artifact", ErrInvalidRecord)
		}
	case TypeText:
		if r.TextFeedback == "" {
			return fmt.Errorf("%w: text record is empty", ErrInvalidRecord)
		}
	}
	return nil
}

// TargetFor builds an offline episode-level target for an encoded id.
func TargetFor(id string) (Target, error) {
	ref, err := episode.Decode(id)
	if err != nil {
		return Target{}, err
	}
	return Target{TargetID: id, Reference: ref, Origin: OriginOffline}, nil
}
