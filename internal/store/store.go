// Package store persists the last-known remote list snapshot in a bbolt
// database. The snapshot is the only durable artifact of the daemon.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/anilist-sync/internal/apperrors"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the state directory
	// (~/.anilist-sync/).
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	storeOpenTimeout = 5 * time.Second

	// SchemaVersion is the snapshot record format this binary reads and
	// writes. Snapshots with a higher version fail loudly on load so a
	// downgrade never silently misreads newer state.
	SchemaVersion = 1
)

var (
	snapshotBucket = []byte("snapshot")
	currentKey     = []byte("current")
)

// Entity is one tracked list entry as last seen on the remote.
// MediaID is the stable external key; EntryID is the remote's own list
// entry id (zero until the entry has been observed remotely), needed for
// deletions.
type Entity struct {
	MediaID   int     `json:"media_id"`
	EntryID   int     `json:"entry_id"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Score     float64 `json:"score,omitempty"`
	UpdatedAt int64   `json:"updated_at"`
}

// Snapshot is a point-in-time view of the whole list, keyed by media id.
// It is replaced atomically at the end of a successful cycle and never
// mutated in place by readers.
type Snapshot struct {
	SchemaVersion int            `json:"schema_version"`
	FetchedAt     time.Time      `json:"fetched_at"`
	Entries       map[int]Entity `json:"entries"`
}

// NewSnapshot returns an empty snapshot at the current schema version.
func NewSnapshot() Snapshot {
	return Snapshot{
		SchemaVersion: SchemaVersion,
		Entries:       make(map[int]Entity),
	}
}

// Clone returns a deep copy of the snapshot. Cycle logic builds the next
// snapshot from a clone so the stored one is never touched mid-cycle.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		SchemaVersion: s.SchemaVersion,
		FetchedAt:     s.FetchedAt,
		Entries:       make(map[int]Entity, len(s.Entries)),
	}
	for id, e := range s.Entries {
		out.Entries[id] = e
	}

	return out
}

// Store wraps a bbolt database holding the current snapshot. bbolt gives
// the atomic-replace discipline for free: Save runs in a single write
// transaction, writers are serialized, and readers never observe a torn
// record.
type Store struct {
	db *bolt.DB
}

// Open opens the snapshot database at the given path, creating it and
// its parent directory if they do not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing snapshot db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the current snapshot. First run (no record yet) yields an
// empty snapshot, not an error. A record written by a newer schema
// version fails with ErrStorage rather than being misread.
func (s *Store) Load() (Snapshot, error) {
	snap := NewSnapshot()

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotBucket).Get(currentKey)
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &snap); err != nil {
			return fmt.Errorf("%w: decoding snapshot: %v", apperrors.ErrStorage, err)
		}

		if snap.SchemaVersion > SchemaVersion {
			return fmt.Errorf("%w: snapshot schema version %d is newer than supported %d",
				apperrors.ErrStorage, snap.SchemaVersion, SchemaVersion)
		}

		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	if snap.Entries == nil {
		snap.Entries = make(map[int]Entity)
	}

	return snap, nil
}

// Save replaces the current snapshot. All-or-nothing: the write happens
// inside one bbolt update transaction, so a crash mid-write leaves the
// previous record authoritative.
func (s *Store) Save(snap Snapshot) error {
	snap.SchemaVersion = SchemaVersion

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: encoding snapshot: %v", apperrors.ErrStorage, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put(currentKey, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}

	return nil
}
