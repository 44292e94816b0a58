// Package scrub drains the deferred-deletion queue and sweeps records that
// stalled mid-upload.
package scrub

import (
	"context"
	"log/slog"
	"time"

	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/store"
)

// Scrubber removes the bytes of images parked in pending_delete once their
// scrub age has elapsed, then finalizes the metadata.
type Scrubber struct {
	repo   *db.Repository
	stores *store.Registry
	age    time.Duration
}

func New(repo *db.Repository, stores *store.Registry, age time.Duration) *Scrubber {
	return &Scrubber{repo: repo, stores: stores, age: age}
}

// Run processes every queue entry older than the scrub age. Entries whose
// backend delete fails stay queued for the next pass.
func (s *Scrubber) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.age)
	pending, err := s.repo.PendingDeletions(cutoff)
	if err != nil {
		return 0, err
	}

	slog.Info("scrub_pass_start", "eligible", len(pending), "age", s.age.String())

	scrubbed := 0
	for _, entry := range pending {
		select {
		case <-ctx.Done():
			return scrubbed, ctx.Err()
		default:
		}
		if err := s.scrubOne(ctx, entry); err != nil {
			slog.Error("scrub_entry_failed", "image_id", entry.ImageID, "error", err)
			continue
		}
		scrubbed++
	}

	slog.Info("scrub_pass_done", "scrubbed", scrubbed)
	return scrubbed, nil
}

func (s *Scrubber) scrubOne(ctx context.Context, entry db.PendingDelete) error {
	if err := s.stores.SafeDelete(ctx, entry.Location, entry.ImageID); err != nil {
		return err
	}
	if err := s.repo.SoftDelete(entry.ImageID); err != nil {
		return err
	}
	if err := s.repo.RemovePendingDeletion(entry.ImageID); err != nil {
		return err
	}
	slog.Info("scrub_image_deleted", "image_id", entry.ImageID)
	return nil
}

// SweepStalled marks records stuck in saving longer than maxAge as killed.
// A record stalls when its uploader died without reaching the failure
// handling that would have killed it.
func (s *Scrubber) SweepStalled(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	stalled, err := s.repo.StalledSince([]string{db.StatusSaving}, cutoff)
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, img := range stalled {
		err := s.repo.Transition(img.ID, []string{db.StatusSaving}, db.StatusKilled)
		if err != nil {
			slog.Error("scrub_sweep_kill_failed", "image_id", img.ID, "error", err)
			continue
		}
		slog.Warn("scrub_stalled_killed", "image_id", img.ID, "stalled_for", maxAge.String())
		killed++
	}
	return killed, nil
}
