package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/anilist-sync/internal/apperrors"
	"github.com/alexjbarnes/anilist-sync/internal/store"
)

//go:generate mockgen -source=scheduler.go -destination=mock_remote_test.go -package=syncer

// Remote is the subset of the AniList client the scheduler needs.
// Extracted for testability.
type Remote interface {
	// FetchList pulls the user's whole list. The int is the count of
	// entries skipped as malformed.
	FetchList(ctx context.Context, userID int) (store.Snapshot, int, error)

	// FetchEntry returns one entry's current remote state, or nil when
	// the entry does not exist.
	FetchEntry(ctx context.Context, userID, mediaID int) (*store.Entity, error)

	// Apply executes one mutation intent and returns the remote's view
	// of the entry afterwards (zero for deletes).
	Apply(ctx context.Context, intent MutationIntent) (store.Entity, error)
}

// CycleStatus is the outcome class of one sync cycle.
type CycleStatus string

const (
	// CycleNeverRan is reported before the first cycle completes.
	CycleNeverRan CycleStatus = "never_ran"

	CycleSucceeded CycleStatus = "succeeded"
	CyclePartial   CycleStatus = "partial"
	CycleFailed    CycleStatus = "failed"
)

// CycleResult is the outcome of one sync cycle, surfaced through the
// control surface and replaced by the next cycle.
type CycleResult struct {
	Status     CycleStatus `json:"status"`
	Attempted  int         `json:"attempted"`
	Applied    int         `json:"applied"`
	Conflicts  int         `json:"conflicts"`
	Skipped    int         `json:"skipped"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Config holds the scheduler's dependencies and tuning.
type Config struct {
	Remote          Remote
	Store           *store.Store
	Desired         DesiredProvider
	UserID          int
	PollInterval    time.Duration
	DeletionEnabled bool
}

// Scheduler serializes sync cycles: at most one cycle runs at a time,
// and at most one trigger is queued behind it. Request handlers only
// ever touch it through Trigger and LastResult.
type Scheduler struct {
	remote          Remote
	store           *store.Store
	desired         DesiredProvider
	userID          int
	pollInterval    time.Duration
	deletionEnabled bool
	logger          *slog.Logger

	// wake nudges the run loop when a trigger lands. Buffered so a
	// trigger during a running cycle is not lost.
	wake chan struct{}

	mu            sync.Mutex
	running       bool
	pending       bool
	pendingManual bool
	authHalted    bool
	last          CycleResult
}

// NewScheduler creates a scheduler. Run must be called for triggers to
// have any effect.
func NewScheduler(cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		remote:          cfg.Remote,
		store:           cfg.Store,
		desired:         cfg.Desired,
		userID:          cfg.UserID,
		pollInterval:    cfg.PollInterval,
		deletionEnabled: cfg.DeletionEnabled,
		logger:          logger,
		wake:            make(chan struct{}, 1),
		last:            CycleResult{Status: CycleNeverRan},
	}
}

// Trigger requests a sync cycle on behalf of an operator. Returns false
// when a trigger is already queued; callers translate that to 409. At
// most one request ever waits behind the running cycle, regardless of
// how many triggers arrive.
func (s *Scheduler) Trigger() bool {
	return s.admit(true)
}

// triggerTimer requests an automatic cycle. Suppressed while auth is
// halted so a broken credential is not hammered on every tick.
func (s *Scheduler) triggerTimer() {
	s.mu.Lock()
	halted := s.authHalted
	s.mu.Unlock()

	if halted {
		s.logger.Debug("timer trigger suppressed until a manual sync succeeds")
		return
	}

	s.admit(false)
}

func (s *Scheduler) admit(manual bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending {
		return false
	}

	s.pending = true
	s.pendingManual = manual

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return true
}

// LastResult returns the most recent cycle outcome. Before the first
// cycle it reports CycleNeverRan.
func (s *Scheduler) LastResult() CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last
}

// State reports "running" while a cycle is in flight, "idle" otherwise.
func (s *Scheduler) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return "running"
	}

	return "idle"
}

// Run drives the scheduler until the context is cancelled. An initial
// cycle starts immediately; afterwards the poll ticker and external
// triggers share the same admission path.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.triggerTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			s.triggerTimer()

		case <-s.wake:
			s.drain(ctx)

			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// drain runs cycles until no trigger is pending. A trigger that arrived
// while the previous cycle ran starts immediately after it.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if !s.pending || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}

		s.pending = false
		manual := s.pendingManual
		s.pendingManual = false
		s.running = true
		s.mu.Unlock()

		res, fatal := s.runCycle(ctx)

		s.mu.Lock()
		s.running = false
		s.last = res

		if errors.Is(fatal, apperrors.ErrAuth) {
			s.authHalted = true
		} else if manual && res.Status == CycleSucceeded {
			s.authHalted = false
		}
		s.mu.Unlock()

		s.logger.Info("sync cycle finished",
			slog.String("status", string(res.Status)),
			slog.Int("attempted", res.Attempted),
			slog.Int("applied", res.Applied),
			slog.Int("conflicts", res.Conflicts),
			slog.Int("skipped", res.Skipped),
		)
	}
}

// runCycle executes one fetch-diff-apply pass. The returned error is
// non-nil only for cycle-fatal classes (auth, storage, failed fetch).
func (s *Scheduler) runCycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Status: CycleSucceeded, StartedAt: time.Now().UTC()}

	fail := func(err error) (CycleResult, error) {
		res.Status = CycleFailed
		res.Error = err.Error()
		res.FinishedAt = time.Now().UTC()
		s.logger.Error("sync cycle failed", slog.String("error", err.Error()))

		return res, err
	}

	prev, err := s.store.Load()
	if err != nil {
		return fail(err)
	}

	current, skipped, err := s.remote.FetchList(ctx, s.userID)
	if err != nil {
		return fail(err)
	}

	res.Skipped = skipped

	desired, err := s.desired.Load()
	if err != nil {
		return fail(err)
	}

	intents, conflicts := Diff(prev, current, desired.Overlay(current), DiffOptions{
		DeletionEnabled: s.deletionEnabled,
		Removals:        desired.Removals,
	})

	res.Conflicts = len(conflicts)
	for _, c := range conflicts {
		s.logger.Info("conflict resolved in remote's favor",
			slog.Int("media_id", c.MediaID),
			slog.String("field", c.Field),
			slog.String("local", c.Local),
			slog.String("remote", c.Remote),
			slog.String("reason", c.Reason),
		)
	}

	// The next snapshot starts from the remote truth and is corrected as
	// intents succeed or fail. Ids whose intent did not land revert to
	// the prev baseline so the next cycle re-diffs them.
	next := current.Clone()

	revert := func(mediaID int) {
		if p, ok := prev.Entries[mediaID]; ok {
			next.Entries[mediaID] = p
		} else {
			delete(next.Entries, mediaID)
		}
	}

	revertFrom := func(i int) {
		for _, rest := range intents[i:] {
			revert(rest.MediaID)
		}
	}

	for i, intent := range intents {
		// Safe boundary: cancellation is honored between intents, never
		// mid-mutation.
		if ctx.Err() != nil {
			s.logger.Info("cycle cancelled, stopping at intent boundary",
				slog.Int("remaining", len(intents)-i))
			revertFrom(i)

			break
		}

		res.Attempted++

		entity, err := s.applyIntent(ctx, intent)
		if err == nil {
			res.Applied++

			if intent.Kind == MutationDelete {
				delete(next.Entries, intent.MediaID)
			} else {
				next.Entries[intent.MediaID] = entity
			}

			continue
		}

		if errors.Is(err, apperrors.ErrAuth) {
			return fail(err)
		}

		if res.Error == "" {
			res.Error = err.Error()
		}

		if errors.Is(err, apperrors.ErrProtocol) {
			s.logger.Warn("skipping entity after protocol error",
				slog.Int("media_id", intent.MediaID),
				slog.String("error", err.Error()),
			)
			revert(intent.MediaID)

			continue
		}

		// Retry budget exhausted. Stop here; the ordering rule makes the
		// resume point deterministic next cycle.
		s.logger.Warn("stopping cycle after exhausted retries",
			slog.Int("media_id", intent.MediaID),
			slog.String("error", err.Error()),
		)
		revertFrom(i)

		break
	}

	next.FetchedAt = current.FetchedAt

	if err := s.store.Save(next); err != nil {
		// Previous snapshot remains authoritative.
		return fail(err)
	}

	if res.Applied < len(intents) {
		res.Status = CyclePartial
	}

	res.FinishedAt = time.Now().UTC()

	return res, nil
}

// applyIntent applies one intent, verifying against a re-fetch when the
// call exhausted its retries: a lost ack after a landed mutation must
// not be counted as a failure (and must not be blindly resent later).
func (s *Scheduler) applyIntent(ctx context.Context, intent MutationIntent) (store.Entity, error) {
	entity, err := s.remote.Apply(ctx, intent)
	if err == nil {
		return entity, nil
	}

	if !errors.Is(err, apperrors.ErrRemoteUnavailable) {
		return store.Entity{}, err
	}

	refetched, ferr := s.remote.FetchEntry(ctx, s.userID, intent.MediaID)
	if ferr == nil && intentReflected(intent, refetched) {
		s.logger.Debug("intent already reflected remotely",
			slog.Int("media_id", intent.MediaID),
			slog.String("intent_id", intent.IntentID),
		)

		if intent.Kind == MutationDelete {
			return store.Entity{}, nil
		}

		return *refetched, nil
	}

	return store.Entity{}, err
}

// intentReflected reports whether the remote entry already carries the
// intent's delta.
func intentReflected(intent MutationIntent, e *store.Entity) bool {
	if intent.Kind == MutationDelete {
		return e == nil
	}

	if e == nil {
		return false
	}

	if intent.Delta.Status != nil && e.Status != *intent.Delta.Status {
		return false
	}

	if intent.Delta.Progress != nil && e.Progress != *intent.Delta.Progress {
		return false
	}

	if intent.Delta.Score != nil && e.Score != *intent.Delta.Score {
		return false
	}

	return true
}
