// Package sequence turns an experiment's UI configurations into the ordered
// list of steps a session walks through. Each step pairs one configuration
// with a batch of indices into the chronological episode list.
package sequence

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
)

// Mode selects how configurations are interleaved.
type Mode string

const (
	ModeSequential  Mode = "sequential"
	ModeAlternating Mode = "alternating"
	ModeRandom      Mode = "random"
)

// ParseMode validates a mode name. An empty name selects sequential.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeSequential, nil
	case ModeSequential, ModeAlternating, ModeRandom:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown ordering mode %q", s)
}

var (
	// ErrInvalidBatchSize is returned for configs whose batch size is not
	// positive.
	ErrInvalidBatchSize = errors.New("max ranking elements must be positive")

	// ErrNoConfigs is returned when there is nothing to sequence.
	ErrNoConfigs = errors.New("no ui configs to sequence")
)

// UIConfigRef identifies the configuration a step activates.
type UIConfigRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Config is a sequencing input: a configuration and its batch size.
type Config struct {
	Ref                UIConfigRef
	MaxRankingElements int
}

// Element is one experiment step.
type Element struct {
	UIConfig UIConfigRef `json:"uiConfigRef"`
	Batch    []int       `json:"batch"`
}

// Options controls Build. A nil Rand uses the global source for random mode.
type Options struct {
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Build produces the step sequence for configs over n episodes.
func Build(configs []Config, n int, mode Mode, opts Options) ([]Element, error) {
	if len(configs) == 0 {
		return nil, ErrNoConfigs
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, c := range configs {
		if c.MaxRankingElements <= 0 {
			return nil, fmt.Errorf("%w: config %d (%s) has %d", ErrInvalidBatchSize, c.Ref.ID, c.Ref.Name, c.MaxRankingElements)
		}
	}
	if !uniformBatchSize(configs) {
		logger.Warn("ui configs use different max ranking elements; batches will differ in size between steps")
	}
	if n <= 0 {
		return nil, nil
	}

	switch mode {
	case ModeSequential, "":
		return sequential(configs, n), nil
	case ModeAlternating:
		return alternating(configs, n), nil
	case ModeRandom:
		shuffled := slices.Clone(configs)
		swap := func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] }
		if opts.Rand != nil {
			opts.Rand.Shuffle(len(shuffled), swap)
		} else {
			rand.Shuffle(len(shuffled), swap)
		}
		return sequential(shuffled, n), nil
	}
	return nil, fmt.Errorf("unknown ordering mode %q", mode)
}

func uniformBatchSize(configs []Config) bool {
	for _, c := range configs[1:] {
		if c.MaxRankingElements != configs[0].MaxRankingElements {
			return false
		}
	}
	return true
}

// batch returns up to size consecutive indices starting at start, clipped
// to n-1.
func batch(start, size, n int) []int {
	end := min(start+size, n)
	out := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, i)
	}
	return out
}

func sequential(configs []Config, n int) []Element {
	var out []Element
	for _, c := range configs {
		for next := 0; next < n; next += c.MaxRankingElements {
			out = append(out, Element{UIConfig: c.Ref, Batch: batch(next, c.MaxRankingElements, n)})
		}
	}
	return out
}

func alternating(configs []Config, n int) []Element {
	counters := make([]int, len(configs))
	var out []Element
	for {
		emitted := false
		for i, c := range configs {
			if counters[i] >= n {
				continue
			}
			out = append(out, Element{UIConfig: c.Ref, Batch: batch(counters[i], c.MaxRankingElements, n)})
			counters[i] += c.MaxRankingElements
			emitted = true
		}
		if !emitted {
			return out
		}
	}
}
