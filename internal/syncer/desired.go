package syncer

import (
	"fmt"
	"os"

	"github.com/alexjbarnes/anilist-sync/internal/store"
	"gopkg.in/yaml.v3"
)

// validStatuses are the AniList list states an override may set.
var validStatuses = map[string]bool{
	"CURRENT":   true,
	"PLANNING":  true,
	"COMPLETED": true,
	"DROPPED":   true,
	"PAUSED":    true,
	"REPEATING": true,
}

// defaultCreateStatus is used when an override creates a new entry
// without naming a status.
const defaultCreateStatus = "PLANNING"

// Override is one desired-state edit for a media id. Nil fields are
// left as the remote has them.
type Override struct {
	MediaID  int      `yaml:"media_id"`
	Status   *string  `yaml:"status"`
	Progress *int     `yaml:"progress"`
	Score    *float64 `yaml:"score"`
}

// desiredFile is the on-disk YAML shape.
type desiredFile struct {
	Entries []Override `yaml:"entries"`
	Remove  []int      `yaml:"remove"`
}

// Desired is the local side of the reconciliation: per-media overrides
// plus the explicit removal set.
type Desired struct {
	Overrides map[int]Override
	Removals  map[int]bool
}

// DesiredProvider yields the desired state at the start of each cycle.
type DesiredProvider interface {
	Load() (Desired, error)
}

// FileDesired loads desired state from a YAML file. A missing file is
// an empty desired state (pull-only sync), not an error.
type FileDesired struct {
	Path string
}

func (f FileDesired) Load() (Desired, error) {
	d := Desired{
		Overrides: make(map[int]Override),
		Removals:  make(map[int]bool),
	}

	if f.Path == "" {
		return d, nil
	}

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return Desired{}, fmt.Errorf("reading desired file: %w", err)
	}

	var file desiredFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Desired{}, fmt.Errorf("parsing desired file: %w", err)
	}

	for i, o := range file.Entries {
		if err := validateOverride(o); err != nil {
			return Desired{}, fmt.Errorf("desired entry %d: %w", i+1, err)
		}

		if _, dup := d.Overrides[o.MediaID]; dup {
			return Desired{}, fmt.Errorf("duplicate media_id %d in desired file", o.MediaID)
		}

		d.Overrides[o.MediaID] = o
	}

	for _, id := range file.Remove {
		if id <= 0 {
			return Desired{}, fmt.Errorf("invalid media_id %d in remove list", id)
		}

		d.Removals[id] = true
	}

	return d, nil
}

func validateOverride(o Override) error {
	if o.MediaID <= 0 {
		return fmt.Errorf("media_id must be positive")
	}

	if o.Status != nil && !validStatuses[*o.Status] {
		return fmt.Errorf("unknown status %q", *o.Status)
	}

	if o.Progress != nil && *o.Progress < 0 {
		return fmt.Errorf("progress must not be negative")
	}

	if o.Score != nil && *o.Score < 0 {
		return fmt.Errorf("score must not be negative")
	}

	return nil
}

// Overlay builds the desired snapshot by applying the overrides on top
// of the current remote snapshot. Ids in the removal set are left out of
// the result; Diff turns that absence into a delete intent only when the
// removal set names them and deletion is enabled.
func (d Desired) Overlay(current store.Snapshot) store.Snapshot {
	out := current.Clone()

	for mediaID, o := range d.Overrides {
		entity, exists := out.Entries[mediaID]
		if !exists {
			entity = store.Entity{
				MediaID: mediaID,
				Status:  defaultCreateStatus,
			}
		}

		if o.Status != nil {
			entity.Status = *o.Status
		}

		if o.Progress != nil {
			entity.Progress = *o.Progress
		}

		if o.Score != nil {
			entity.Score = *o.Score
		}

		out.Entries[mediaID] = entity
	}

	for mediaID := range d.Removals {
		delete(out.Entries, mediaID)
	}

	return out
}
