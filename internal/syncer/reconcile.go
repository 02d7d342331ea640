// Package syncer contains the synchronization engine: the reconciler
// that turns snapshot differences into mutation intents, the desired
// state overlay, and the scheduler that drives sync cycles.
package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/alexjbarnes/anilist-sync/internal/store"
)

// MutationKind classifies an intent. Creates are applied before updates,
// updates before deletes, so partial-failure resumption is well-defined.
type MutationKind int

const (
	MutationCreate MutationKind = iota
	MutationUpdate
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationCreate:
		return "create"
	case MutationUpdate:
		return "update"
	case MutationDelete:
		return "delete"
	}

	return "unknown"
}

// FieldDelta is the field-level change an intent carries. Nil means the
// field is untouched. Values are absolute, not relative, so resending
// the same delta is a remote no-op.
type FieldDelta struct {
	Status   *string
	Progress *int
	Score    *float64
}

// Empty reports whether the delta touches no fields.
func (d FieldDelta) Empty() bool {
	return d.Status == nil && d.Progress == nil && d.Score == nil
}

// canonical renders the delta deterministically for intent id hashing.
func (d FieldDelta) canonical() string {
	out := ""
	if d.Status != nil {
		out += "status=" + *d.Status + ";"
	}

	if d.Progress != nil {
		out += "progress=" + strconv.Itoa(*d.Progress) + ";"
	}

	if d.Score != nil {
		out += "score=" + strconv.FormatFloat(*d.Score, 'f', -1, 64) + ";"
	}

	return out
}

// MutationIntent is one pending remote change. IntentID is derived from
// the target and the field delta, so the same logical change always
// hashes to the same id regardless of when it is retried.
type MutationIntent struct {
	Kind     MutationKind
	MediaID  int
	EntryID  int
	Delta    FieldDelta
	IntentID string
}

func intentID(kind MutationKind, mediaID int, delta FieldDelta) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", kind, mediaID, delta.canonical())))
	return hex.EncodeToString(h[:])
}

// Conflict records a local desired change that was dropped because the
// remote moved the same field since the last known snapshot. Not an
// error; surfaced so the resolution is never silent.
type Conflict struct {
	MediaID int
	Field   string
	Local   string
	Remote  string
	Reason  string
}

// DiffOptions control the destructive paths of Diff.
type DiffOptions struct {
	// DeletionEnabled gates delete intents entirely.
	DeletionEnabled bool

	// Removals is the explicit opt-in removal set. An id absent from
	// desired is never deleted on absence alone.
	Removals map[int]bool
}

// Diff computes the ordered mutation intents that bring the remote list
// from current to desired, using prev as the last-known baseline for
// conflict detection. Pure function, no I/O.
//
// Per-field conflict rule: when the remote changed a field since prev
// (current differs from prev and current.UpdatedAt is newer) and the
// local desired also disagrees with current, the remote value wins and
// the dropped local change is returned as a Conflict.
func Diff(prev, current, desired store.Snapshot, opts DiffOptions) ([]MutationIntent, []Conflict) {
	var (
		creates   []MutationIntent
		updates   []MutationIntent
		deletes   []MutationIntent
		conflicts []Conflict
	)

	for mediaID, want := range desired.Entries {
		cur, exists := current.Entries[mediaID]
		if !exists {
			delta := createDelta(want)
			creates = append(creates, MutationIntent{
				Kind:     MutationCreate,
				MediaID:  mediaID,
				Delta:    delta,
				IntentID: intentID(MutationCreate, mediaID, delta),
			})

			continue
		}

		prevEntry, hasPrev := prev.Entries[mediaID]

		delta, entryConflicts := updateDelta(prevEntry, hasPrev, cur, want)
		conflicts = append(conflicts, entryConflicts...)

		if delta.Empty() {
			continue
		}

		updates = append(updates, MutationIntent{
			Kind:     MutationUpdate,
			MediaID:  mediaID,
			EntryID:  cur.EntryID,
			Delta:    delta,
			IntentID: intentID(MutationUpdate, mediaID, delta),
		})
	}

	if opts.DeletionEnabled {
		for mediaID := range opts.Removals {
			cur, exists := current.Entries[mediaID]
			if !exists {
				continue
			}

			if _, stillWanted := desired.Entries[mediaID]; stillWanted {
				continue
			}

			deletes = append(deletes, MutationIntent{
				Kind:     MutationDelete,
				MediaID:  mediaID,
				EntryID:  cur.EntryID,
				IntentID: intentID(MutationDelete, mediaID, FieldDelta{}),
			})
		}
	}

	sortByMediaID(creates)
	sortByMediaID(updates)
	sortByMediaID(deletes)

	out := make([]MutationIntent, 0, len(creates)+len(updates)+len(deletes))
	out = append(out, creates...)
	out = append(out, updates...)
	out = append(out, deletes...)

	return out, conflicts
}

func sortByMediaID(intents []MutationIntent) {
	sort.Slice(intents, func(i, j int) bool {
		return intents[i].MediaID < intents[j].MediaID
	})
}

// createDelta builds the full field set for a new entry.
func createDelta(want store.Entity) FieldDelta {
	status := want.Status
	progress := want.Progress

	delta := FieldDelta{
		Status:   &status,
		Progress: &progress,
	}

	if want.Score != 0 {
		score := want.Score
		delta.Score = &score
	}

	return delta
}

// updateDelta computes the per-field delta between current and desired
// for an existing entry, dropping fields the remote moved since prev.
func updateDelta(prevEntry store.Entity, hasPrev bool, cur, want store.Entity) (FieldDelta, []Conflict) {
	var (
		delta     FieldDelta
		conflicts []Conflict
	)

	remoteMoved := hasPrev && cur.UpdatedAt > prevEntry.UpdatedAt

	if want.Status != cur.Status {
		if remoteMoved && cur.Status != prevEntry.Status {
			conflicts = append(conflicts, Conflict{
				MediaID: cur.MediaID,
				Field:   "status",
				Local:   want.Status,
				Remote:  cur.Status,
				Reason:  "remote changed since last sync",
			})
		} else {
			status := want.Status
			delta.Status = &status
		}
	}

	if want.Progress != cur.Progress {
		switch {
		case remoteMoved && cur.Progress != prevEntry.Progress:
			conflicts = append(conflicts, Conflict{
				MediaID: cur.MediaID,
				Field:   "progress",
				Local:   strconv.Itoa(want.Progress),
				Remote:  strconv.Itoa(cur.Progress),
				Reason:  "remote changed since last sync",
			})
		case want.Progress < cur.Progress:
			// Progress never goes backwards from a local edit; only a
			// remote authoritative value may lower it.
			conflicts = append(conflicts, Conflict{
				MediaID: cur.MediaID,
				Field:   "progress",
				Local:   strconv.Itoa(want.Progress),
				Remote:  strconv.Itoa(cur.Progress),
				Reason:  "progress decrease suppressed",
			})
		default:
			progress := want.Progress
			delta.Progress = &progress
		}
	}

	if want.Score != cur.Score {
		if remoteMoved && cur.Score != prevEntry.Score {
			conflicts = append(conflicts, Conflict{
				MediaID: cur.MediaID,
				Field:   "score",
				Local:   strconv.FormatFloat(want.Score, 'f', -1, 64),
				Remote:  strconv.FormatFloat(cur.Score, 'f', -1, 64),
				Reason:  "remote changed since last sync",
			})
		} else {
			score := want.Score
			delta.Score = &score
		}
	}

	return delta, conflicts
}
