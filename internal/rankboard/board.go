// Package rankboard holds the drag-and-drop ranking state: an ordered set of
// rank columns, each holding episode identifiers. Boards are values; every
// operation returns a new board and leaves its input untouched.
package rankboard

import (
	"errors"
	"fmt"
	"slices"

	"github.com/kalambet/epirank/internal/episode"
)

// PoolColumn is the source column name of drags that start in the unranked
// episode pool.
const PoolColumn = "pool"

var (
	// ErrUnknownColumn is returned when a move names a column that is not on
	// the board.
	ErrUnknownColumn = errors.New("unknown rank column")

	// ErrItemNotFound is returned when the dragged episode is not where the
	// move says it is.
	ErrItemNotFound = errors.New("episode not found in source column")
)

// Rank is one column of the board.
type Rank struct {
	Rank           int      `json:"rank"`
	Title          string   `json:"title"`
	EpisodeItemIDs []string `json:"episodeItemIDs"`
}

// Board is the full ranking state.
type Board struct {
	ColumnOrder []string        `json:"columnOrder"`
	Ranks       map[string]Rank `json:"ranks"`
	Rankeable   []string        `json:"rankeable"`
}

// Key returns the column key for the zero-based column index i.
func Key(i int) string {
	return fmt.Sprintf("rank-%d", i)
}

// Rebuild creates one rank per identifier, in input order, numbered from 1.
func Rebuild(ids []string) Board {
	b := Board{
		ColumnOrder: make([]string, len(ids)),
		Ranks:       make(map[string]Rank, len(ids)),
		Rankeable:   slices.Clone(ids),
	}
	for i, id := range ids {
		key := Key(i)
		b.ColumnOrder[i] = key
		b.Ranks[key] = Rank{
			Rank:           i + 1,
			Title:          fmt.Sprintf("Rank %d", i+1),
			EpisodeItemIDs: []string{id},
		}
	}
	return b
}

// Clone returns a deep copy of b.
func (b Board) Clone() Board {
	out := Board{
		ColumnOrder: slices.Clone(b.ColumnOrder),
		Ranks:       make(map[string]Rank, len(b.Ranks)),
		Rankeable:   slices.Clone(b.Rankeable),
	}
	for k, r := range b.Ranks {
		r.EpisodeItemIDs = slices.Clone(r.EpisodeItemIDs)
		out.Ranks[k] = r
	}
	return out
}

// Move is a drag result forwarded by the presentation layer. An empty
// DestColumn means the drop was cancelled.
type Move struct {
	SourceColumn  string `json:"source_column"`
	SourceIndex   int    `json:"source_index"`
	DestColumn    string `json:"dest_column"`
	DestIndex     int    `json:"dest_index"`
	EpisodeID     string `json:"episode_id"`
	IsNewFromPool bool   `json:"is_new_from_pool"`
}

// RankedEpisode is one flattened board item.
type RankedEpisode struct {
	ID        string      `json:"id"`
	Reference episode.Ref `json:"reference"`
}

// Result is the outcome of ApplyMove. OrderedEpisodes and OrderedRanks are
// aligned index for index and are empty when the move changed nothing.
type Result struct {
	Board           Board           `json:"board"`
	Changed         bool            `json:"changed"`
	OrderedEpisodes []RankedEpisode `json:"orderedEpisodes"`
	OrderedRanks    []int           `json:"orderedRanks"`
}

// ApplyMove applies a drag to a copy of b. Identity drops and cancelled
// drops return b unchanged with an empty payload.
func ApplyMove(b Board, m Move) (Result, error) {
	if m.DestColumn == "" || (m.DestColumn == m.SourceColumn && m.DestIndex == m.SourceIndex && !m.IsNewFromPool) {
		return Result{Board: b}, nil
	}
	if m.EpisodeID == "" {
		return Result{}, fmt.Errorf("%w: move has no episode id", ErrItemNotFound)
	}
	if _, ok := b.Ranks[m.DestColumn]; !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownColumn, m.DestColumn)
	}

	nb := b.Clone()
	dest := nb.Ranks[m.DestColumn]

	switch {
	case m.IsNewFromPool || m.SourceColumn == PoolColumn:
		if !slices.Contains(nb.Rankeable, m.EpisodeID) {
			nb.Rankeable = append(nb.Rankeable, m.EpisodeID)
		}
		// A pooled episode may already sit somewhere on the board; it can only
		// appear once.
		for _, key := range nb.ColumnOrder {
			if key == m.DestColumn {
				continue
			}
			r := nb.Ranks[key]
			if i := slices.Index(r.EpisodeItemIDs, m.EpisodeID); i >= 0 {
				r.EpisodeItemIDs = slices.Delete(r.EpisodeItemIDs, i, i+1)
				nb.Ranks[key] = r
			}
		}
		if i := slices.Index(dest.EpisodeItemIDs, m.EpisodeID); i >= 0 {
			dest.EpisodeItemIDs = slices.Delete(dest.EpisodeItemIDs, i, i+1)
		}
		dest.EpisodeItemIDs = insertAt(dest.EpisodeItemIDs, m.DestIndex, m.EpisodeID)
		nb.Ranks[m.DestColumn] = dest

	case m.SourceColumn == m.DestColumn:
		i, err := locate(dest.EpisodeItemIDs, m.SourceIndex, m.EpisodeID)
		if err != nil {
			return Result{}, err
		}
		dest.EpisodeItemIDs = slices.Delete(dest.EpisodeItemIDs, i, i+1)
		dest.EpisodeItemIDs = insertAt(dest.EpisodeItemIDs, m.DestIndex, m.EpisodeID)
		nb.Ranks[m.DestColumn] = dest

	default:
		src, ok := nb.Ranks[m.SourceColumn]
		if !ok {
			return Result{}, fmt.Errorf("%w: %q", ErrUnknownColumn, m.SourceColumn)
		}
		i, err := locate(src.EpisodeItemIDs, m.SourceIndex, m.EpisodeID)
		if err != nil {
			return Result{}, err
		}
		src.EpisodeItemIDs = slices.Delete(src.EpisodeItemIDs, i, i+1)
		dest.EpisodeItemIDs = insertAt(dest.EpisodeItemIDs, m.DestIndex, m.EpisodeID)
		nb.Ranks[m.SourceColumn] = src
		nb.Ranks[m.DestColumn] = dest
	}

	eps, ranks, err := nb.Flatten()
	if err != nil {
		return Result{}, err
	}
	return Result{Board: nb, Changed: true, OrderedEpisodes: eps, OrderedRanks: ranks}, nil
}

// Flatten walks the board in column order and returns every item with the
// rank of the column it sits in. Items sharing a column share a rank.
func (b Board) Flatten() ([]RankedEpisode, []int, error) {
	var eps []RankedEpisode
	var ranks []int
	for _, key := range b.ColumnOrder {
		r := b.Ranks[key]
		for _, id := range r.EpisodeItemIDs {
			ref, err := episode.Decode(id)
			if err != nil {
				return nil, nil, fmt.Errorf("flattening column %s: %w", key, err)
			}
			eps = append(eps, RankedEpisode{ID: id, Reference: ref})
			ranks = append(ranks, r.Rank)
		}
	}
	return eps, ranks, nil
}

// Validate checks the board invariants: the column order is a permutation of
// the rank keys, each key maps to its 1-based rank, and every item is a
// rankeable episode placed exactly once.
func (b Board) Validate() error {
	if len(b.ColumnOrder) != len(b.Ranks) {
		return fmt.Errorf("column order has %d keys, board has %d ranks", len(b.ColumnOrder), len(b.Ranks))
	}
	seenKeys := make(map[string]bool, len(b.ColumnOrder))
	for _, key := range b.ColumnOrder {
		if seenKeys[key] {
			return fmt.Errorf("column %q repeated in column order", key)
		}
		seenKeys[key] = true
		if _, ok := b.Ranks[key]; !ok {
			return fmt.Errorf("%w: %q in column order", ErrUnknownColumn, key)
		}
	}
	for i := range b.ColumnOrder {
		if r, ok := b.Ranks[Key(i)]; ok && r.Rank != i+1 {
			return fmt.Errorf("column %s has rank %d, want %d", Key(i), r.Rank, i+1)
		}
	}

	rankeable := make(map[string]bool, len(b.Rankeable))
	for _, id := range b.Rankeable {
		rankeable[id] = true
	}
	placed := make(map[string]bool)
	for _, key := range b.ColumnOrder {
		for _, id := range b.Ranks[key].EpisodeItemIDs {
			if !rankeable[id] {
				return fmt.Errorf("episode %s in %s is not rankeable", id, key)
			}
			if placed[id] {
				return fmt.Errorf("episode %s placed more than once", id)
			}
			placed[id] = true
		}
	}
	return nil
}

func locate(items []string, idx int, id string) (int, error) {
	if idx >= 0 && idx < len(items) && items[idx] == id {
		return idx, nil
	}
	// The presentation layer may hand us a stale index after a concurrent
	// rebuild; fall back to the identifier.
	if i := slices.Index(items, id); i >= 0 {
		return i, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrItemNotFound, id)
}

func insertAt(items []string, idx int, id string) []string {
	idx = max(0, min(idx, len(items)))
	return slices.Insert(items, idx, id)
}
