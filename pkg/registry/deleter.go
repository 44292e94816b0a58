package registry

import (
	"context"
	"log/slog"

	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/store"
)

// Deleter decides between immediate and delayed byte removal. The mode is a
// system configuration, not a per-record choice.
type Deleter struct {
	repo    *db.Repository
	stores  *store.Registry
	delayed bool
}

// NewDeleter builds the deletion scheduler.
func NewDeleter(repo *db.Repository, stores *store.Registry, delayed bool) *Deleter {
	return &Deleter{repo: repo, stores: stores, delayed: delayed}
}

// Delayed reports whether delayed delete is configured.
func (d *Deleter) Delayed() bool {
	return d.delayed
}

// Initiate removes the bytes at location, either inline (tolerating an
// already-gone object) or by enqueueing for the scrubber.
func (d *Deleter) Initiate(ctx context.Context, location, imageID string) error {
	if d.delayed {
		slog.Info("delete_scheduled", "image_id", imageID)
		return d.repo.EnqueueDeletion(imageID, location)
	}
	return d.stores.SafeDelete(ctx, location, imageID)
}
