// Package episode maps structured episode references to the opaque string
// identifiers used as keys by the board, the media cache and feedback targets.
package episode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Separator joins the identifier fields. Fields are not escaped.
const Separator = "_"

const fieldCount = 5

var (
	// ErrInvalidIdentifier is returned when an identifier cannot be decoded.
	ErrInvalidIdentifier = errors.New("invalid episode identifier")

	// ErrSeparatorInField is returned when a reference cannot be encoded
	// without ambiguity.
	ErrSeparatorInField = errors.New("episode field contains separator")
)

// Ref identifies one recorded rollout.
type Ref struct {
	EnvName        string `json:"env_name"`
	BenchmarkType  string `json:"benchmark_type"`
	BenchmarkID    int    `json:"benchmark_id"`
	CheckpointStep int    `json:"checkpoint_step"`
	EpisodeNum     int    `json:"episode_num"`
}

// Encode returns the identifier for ref.
func Encode(ref Ref) (string, error) {
	if ref.EnvName == "" {
		return "", fmt.Errorf("%w: empty env name", ErrInvalidIdentifier)
	}
	for _, f := range []string{ref.EnvName, ref.BenchmarkType} {
		if strings.Contains(f, Separator) {
			return "", fmt.Errorf("%w: %q", ErrSeparatorInField, f)
		}
	}
	return strings.Join([]string{
		ref.EnvName,
		ref.BenchmarkType,
		strconv.Itoa(ref.BenchmarkID),
		strconv.Itoa(ref.CheckpointStep),
		strconv.Itoa(ref.EpisodeNum),
	}, Separator), nil
}

// Decode parses an identifier produced by Encode. Identifiers with the wrong
// number of fields or non-numeric numeric fields are rejected.
func Decode(id string) (Ref, error) {
	if id == "" {
		return Ref{}, fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	parts := strings.Split(id, Separator)
	if len(parts) != fieldCount {
		return Ref{}, fmt.Errorf("%w: %q has %d fields, want %d", ErrInvalidIdentifier, id, len(parts), fieldCount)
	}

	nums := make([]int, 3)
	for i, p := range parts[2:] {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Ref{}, fmt.Errorf("%w: %q field %d: %v", ErrInvalidIdentifier, id, i+3, err)
		}
		nums[i] = n
	}

	return Ref{
		EnvName:        parts[0],
		BenchmarkType:  parts[1],
		BenchmarkID:    nums[0],
		CheckpointStep: nums[1],
		EpisodeNum:     nums[2],
	}, nil
}

// EncodeAll encodes refs in order, failing on the first reference that
// cannot be encoded.
func EncodeAll(refs []Ref) ([]string, error) {
	ids := make([]string, len(refs))
	for i, r := range refs {
		id, err := Encode(r)
		if err != nil {
			return nil, fmt.Errorf("encoding episode %d: %w", i, err)
		}
		ids[i] = id
	}
	return ids, nil
}
