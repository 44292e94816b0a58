// Package registry implements the image ingestion and activation state
// machine. It owns every status transition: records move
// queued → saving → active on upload, queued → active for external
// references, and land in killed when an upload cannot be completed or
// verified. All transitions are validated against the freshly read prior
// status by conditional writes in the metadata store.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	"github.com/imagereg/imaged/pkg/notifier"
	"github.com/imagereg/imaged/pkg/policy"
	"github.com/imagereg/imaged/pkg/store"
)

// Service is the ingestion state machine with its collaborators.
type Service struct {
	repo         *db.Repository
	stores       *store.Registry
	enforcer     *policy.Enforcer
	events       notifier.Notifier
	pool         *Pool
	deleter      *Deleter
	defaultStore string
	sizeCap      int64
}

// Options configure the service.
type Options struct {
	// DefaultStore is the backend scheme uploads land in.
	DefaultStore string
	// SizeCap is the maximum permitted image size in bytes.
	SizeCap int64
}

// NewService wires the state machine.
func NewService(repo *db.Repository, stores *store.Registry, enforcer *policy.Enforcer,
	events notifier.Notifier, pool *Pool, deleter *Deleter, opts Options) *Service {
	return &Service{
		repo:         repo,
		stores:       stores,
		enforcer:     enforcer,
		events:       events,
		pool:         pool,
		deleter:      deleter,
		defaultStore: opts.DefaultStore,
		sizeCap:      opts.SizeCap,
	}
}

// Metadata carries the caller-supplied fields of a reservation. Size nil
// means unknown; a declared size of exactly zero is the empty-content
// shortcut that activates the record with no upload step.
type Metadata struct {
	ID              string
	Name            string
	DiskFormat      string
	ContainerFormat string
	Size            *int64
	Checksum        string
	IsPublic        bool
	Protected       bool
	Owner           string
	Properties      map[string]string

	// Location references externally hosted content served from its
	// source; CopyFrom names content to be transferred into the
	// configured store. At most one is honored, Location first.
	Location string
	CopyFrom string
}

// UpdateRequest carries a partial metadata update. Nil pointers leave the
// stored value untouched.
type UpdateRequest struct {
	Name            *string
	DiskFormat      *string
	ContainerFormat *string
	Size            *int64
	Checksum        *string
	IsPublic        *bool
	Protected       *bool
	Properties      map[string]string
	Location        string
	CopyFrom        string

	// NoPurgeProps keeps existing free-form properties instead of
	// replacing them. Purging is also disabled whenever new content
	// accompanies the update.
	NoPurgeProps bool
}

// Reserve validates metadata and creates the record. Status starts at
// queued, or active immediately when the declared size is exactly zero. An
// external source has its scheme resolved eagerly and its size learned from
// the owning backend.
func (s *Service) Reserve(ctx context.Context, meta Metadata) (*db.Image, error) {
	if err := validateMetadata(meta.Name, &meta.DiskFormat, &meta.ContainerFormat); err != nil {
		return nil, err
	}

	source, err := externalSource(meta.Location, meta.CopyFrom)
	if err != nil {
		return nil, err
	}

	id := meta.ID
	if id == "" {
		id = uuid.NewString()
	}

	status := db.StatusQueued
	if meta.Size != nil && *meta.Size == 0 {
		status = db.StatusActive
	}

	var size int64
	if meta.Size != nil {
		size = *meta.Size
	}
	if source != "" {
		if _, err := s.stores.FromLocation(source); err != nil {
			return nil, err
		}
		if size == 0 {
			size, err = s.stores.SizeOf(ctx, source)
			if err != nil {
				return nil, errors.Wrap(err, "failed to read external source size")
			}
		}
	}

	img := &db.Image{
		ID:              id,
		Name:            meta.Name,
		DiskFormat:      meta.DiskFormat,
		ContainerFormat: meta.ContainerFormat,
		Size:            size,
		Checksum:        meta.Checksum,
		Status:          status,
		IsPublic:        meta.IsPublic,
		Protected:       meta.Protected,
		Owner:           meta.Owner,
		Properties:      meta.Properties,
	}
	if err := s.repo.Create(img); err != nil {
		return nil, err
	}

	created, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	s.events.Info("image.create", notifier.Meta(created))
	slog.Info("ingest_reserved", "image_id", id, "status", status, "size", size)
	return created, nil
}

// Upload streams content into the configured backend. The record must be
// queued; it is moved to saving first, and every failure past that point
// marks it killed before the error is reported. The backend-observed size
// and checksum are the source of truth: a mismatch against client-declared
// values kills the record and deletes the just-written bytes.
func (s *Service) Upload(ctx context.Context, id string, data io.Reader, declaredSize int64) (location string, err error) {
	record, err := s.repo.Get(id)
	if err != nil {
		return "", err
	}

	// known lengths are checked once, eagerly; unknown lengths are
	// counted against the cap as they stream
	if declaredSize > s.sizeCap {
		return "", errors.Wrapf(errors.ErrSizeLimitExceeded,
			"declared size %d exceeds cap %d", declaredSize, s.sizeCap)
	}

	if err := s.repo.Transition(id, []string{db.StatusQueued}, db.StatusSaving); err != nil {
		return "", err
	}

	s.events.Info("image.prepare", notifier.Meta(record))

	defer func() {
		if r := recover(); r != nil {
			slog.Error("ingest_upload_panic", "image_id", id, "panic", r)
			s.safeKill(id)
			location = ""
			err = errors.Wrap(errors.ErrInternal, "upload failed")
		}
	}()

	reader := data
	if declaredSize <= 0 {
		reader = store.NewLimitingReader(reader, s.sizeCap)
	}
	reader = store.NewCooperativeReader(reader)

	backend, err := s.stores.FromScheme(s.defaultStore)
	if err != nil {
		s.safeKill(id)
		return "", err
	}

	slog.Info("ingest_upload_start", "image_id", id, "scheme", backend.Scheme(), "declared_size", declaredSize)

	loc, size, checksum, err := backend.Add(ctx, id, reader, declaredSize)
	if err != nil {
		s.safeKill(id)
		switch {
		case errors.Is(err, errors.ErrStorageFull):
			s.events.Error("image.upload", fmt.Sprintf("image storage media is full: %v", err))
		case errors.Is(err, errors.ErrStorageWriteDenied):
			s.events.Error("image.upload", fmt.Sprintf("insufficient permissions on image storage media: %v", err))
		}
		slog.Error("ingest_upload_failed", "image_id", id, "error", err)
		return "", err
	}

	if err := s.verifyDeclared(ctx, record, loc, size, checksum); err != nil {
		return "", err
	}

	if err := s.repo.SetUploadResult(id, checksum, size); err != nil {
		s.safeKill(id)
		s.cleanupObject(ctx, loc, id)
		return "", err
	}

	if updated, err := s.repo.Get(id); err == nil {
		s.events.Info("image.upload", notifier.Meta(updated))
	} else {
		slog.Error("ingest_upload_notify_skipped", "image_id", id, "error", err)
	}
	slog.Info("ingest_upload_complete", "image_id", id, "size", size, "checksum", checksum)
	return loc, nil
}

// verifyDeclared compares the backend-observed size and checksum against
// any client-declared values carried on the record. Any mismatch is fatal.
func (s *Service) verifyDeclared(ctx context.Context, record *db.Image, location string, size int64, checksum string) error {
	mismatch := func(attr, supplied, actual string) error {
		slog.Error("ingest_verification_mismatch",
			"image_id", record.ID, "attr", attr, "supplied", supplied, "actual", actual)
		s.safeKill(record.ID)
		s.cleanupObject(ctx, location, record.ID)
		msg := fmt.Sprintf("supplied %s (%s) and %s generated from uploaded image (%s) did not match",
			attr, supplied, attr, actual)
		s.events.Error("image.upload", msg)
		return errors.Wrapf(errors.ErrInvalid, "%s", msg)
	}

	if record.Size > 0 && record.Size != size {
		return mismatch("size", fmt.Sprintf("%d", record.Size), fmt.Sprintf("%d", size))
	}
	if record.Checksum != "" && record.Checksum != checksum {
		return mismatch("checksum", record.Checksum, checksum)
	}
	return nil
}

// Activate binds status and location in a single conditional write. Only
// records in saving or queued can activate; anything else is a conflict.
func (s *Service) Activate(ctx context.Context, id, location string) (*db.Image, error) {
	err := s.repo.TransitionWithLocation(id,
		[]string{db.StatusSaving, db.StatusQueued}, db.StatusActive, location)
	if err != nil {
		return nil, err
	}

	img, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	s.events.Info("image.activate", notifier.Meta(img))
	s.events.Info("image.update", notifier.Meta(img))
	slog.Info("ingest_activated", "image_id", id)
	return img, nil
}

// UploadAndActivate runs the full inline ingestion protocol.
func (s *Service) UploadAndActivate(ctx context.Context, id string, data io.Reader, declaredSize int64) (*db.Image, error) {
	location, err := s.Upload(ctx, id, data, declaredSize)
	if err != nil {
		return nil, err
	}
	return s.Activate(ctx, id, location)
}

// CopyFrom reads the full object from the source backend and performs
// exactly the upload protocol. When run detached its failure surfaces only
// as the record being left killed.
func (s *Service) CopyFrom(ctx context.Context, id, source string) (*db.Image, error) {
	rc, size, err := s.stores.Get(ctx, source)
	if err != nil {
		slog.Error("ingest_copy_from_source_failed", "image_id", id, "error", err)
		s.safeKill(id)
		return nil, errors.Wrap(err, "copy from external source failed")
	}
	defer rc.Close()

	return s.UploadAndActivate(ctx, id, rc, size)
}

// Create is the top-level reservation entry point: policy, reserve, then
// one of the four source handlings (inline data, detached copy-from,
// external location, or a bare reservation).
func (s *Service) Create(ctx context.Context, p policy.Principal, meta Metadata, data io.Reader) (*db.Image, error) {
	var result *db.Image
	err := s.mutating(p, "add_image", "create", meta.ID, func() error {
		if meta.IsPublic {
			if err := s.enforcer.Enforce(p, "publicize_image"); err != nil {
				return err
			}
		}
		if meta.CopyFrom != "" {
			if err := s.enforcer.Enforce(p, "copy_from"); err != nil {
				return err
			}
		}
		if meta.Location != "" {
			if err := s.enforcer.Enforce(p, "set_image_location"); err != nil {
				return err
			}
		}
		if meta.Owner == "" {
			meta.Owner = p.Owner
		}

		img, err := s.Reserve(ctx, meta)
		if err != nil {
			return err
		}
		img, err = s.handleSource(ctx, img, meta, data)
		if err != nil {
			return err
		}
		result = scrubLocation(img)
		return nil
	})
	return result, err
}

// handleSource dispatches on where the content comes from. Detached
// copy-from returns immediately with the record still queued.
func (s *Service) handleSource(ctx context.Context, img *db.Image, meta Metadata, data io.Reader) (*db.Image, error) {
	switch {
	case data != nil:
		declared := img.Size
		if meta.Size != nil {
			declared = *meta.Size
		}
		return s.UploadAndActivate(ctx, img.ID, data, declared)

	case meta.CopyFrom != "":
		id, source := img.ID, meta.CopyFrom
		slog.Info("ingest_detaching_copy_from", "image_id", id)
		s.pool.Submit(func(ctx context.Context) {
			if _, err := s.CopyFrom(ctx, id, source); err != nil {
				slog.Error("detached_copy_from_failed", "image_id", id, "error", err)
			}
		})
		return img, nil

	case meta.Location != "":
		if img.Status != db.StatusQueued {
			// empty-content shortcut already activated the record
			return img, nil
		}
		return s.Activate(ctx, img.ID, meta.Location)

	default:
		return img, nil
	}
}

// Update applies a partial metadata update and, when it makes a queued
// record activatable, runs the corresponding source handling.
func (s *Service) Update(ctx context.Context, p policy.Principal, id string, req UpdateRequest, data io.Reader) (*db.Image, error) {
	var result *db.Image
	err := s.mutating(p, "modify_image", "update", id, func() error {
		if req.IsPublic != nil && *req.IsPublic {
			if err := s.enforcer.Enforce(p, "publicize_image"); err != nil {
				return err
			}
		}

		orig, err := s.repo.Get(id)
		if err != nil {
			return err
		}
		if orig.Deleted || orig.Status == db.StatusDeleted {
			return errors.Wrap(errors.ErrForbidden, "cannot update a deleted image")
		}

		source, err := externalSource(req.Location, req.CopyFrom)
		if err != nil {
			return err
		}

		if data != nil && orig.Status != db.StatusQueued {
			return errors.Wrap(errors.ErrConflict, "cannot upload to an unqueued image")
		}
		// external-source binding is a one-time, queued-only decision
		if source != "" && orig.Status != db.StatusQueued {
			return errors.Wrap(errors.ErrInvalid, "cannot set location on an image that has left queued")
		}

		name := orig.Name
		if req.Name != nil {
			name = *req.Name
		}
		disk := orig.DiskFormat
		if req.DiskFormat != nil {
			disk = *req.DiskFormat
		}
		container := orig.ContainerFormat
		if req.ContainerFormat != nil {
			container = *req.ContainerFormat
		}
		if err := validateMetadata(name, &disk, &container); err != nil {
			return err
		}

		partial := db.Partial{
			Name:       req.Name,
			Size:       req.Size,
			Checksum:   req.Checksum,
			IsPublic:   req.IsPublic,
			Protected:  req.Protected,
			Properties: req.Properties,
		}
		if disk != orig.DiskFormat {
			partial.DiskFormat = &disk
		}
		if container != orig.ContainerFormat {
			partial.ContainerFormat = &container
		}

		if source != "" {
			if _, err := s.stores.FromLocation(source); err != nil {
				return err
			}
			if partial.Size == nil || *partial.Size == 0 {
				n, err := s.stores.SizeOf(ctx, source)
				if err != nil {
					return errors.Wrap(err, "failed to read external source size")
				}
				partial.Size = &n
			}
		}

		purge := !req.NoPurgeProps && data == nil

		img, err := s.repo.Update(id, partial, purge)
		if err != nil {
			return err
		}

		if orig.Status == db.StatusQueued && (source != "" || data != nil) {
			meta := Metadata{Size: partial.Size, Location: req.Location, CopyFrom: req.CopyFrom}
			img, err = s.handleSource(ctx, img, meta, data)
			if err != nil {
				return err
			}
		}

		s.events.Info("image.update", notifier.Meta(img))
		result = scrubLocation(img)
		return nil
	})
	return result, err
}

// Delete marks the record deleted (or pending_delete under the delayed
// policy) before any backend call, then hands byte removal to the deletion
// scheduler. Never-uploaded records skip the backend entirely.
func (s *Service) Delete(ctx context.Context, p policy.Principal, id string) error {
	return s.mutating(p, "delete_image", "delete", id, func() error {
		img, err := s.repo.Get(id)
		if err != nil {
			return err
		}
		if img.Protected {
			return errors.Wrap(errors.ErrForbidden, "image is protected")
		}
		switch {
		case img.Status == db.StatusPendingDelete:
			return errors.Wrap(errors.ErrForbidden, "image is pending deletion")
		case img.Status == db.StatusDeleted || img.Deleted:
			return errors.Wrapf(errors.ErrNotFound, "image %s", id)
		}

		// metadata first: it is the authorization source of truth
		if img.Location != "" && s.deleter.Delayed() {
			err = s.repo.Transition(id,
				[]string{db.StatusQueued, db.StatusSaving, db.StatusActive, db.StatusKilled},
				db.StatusPendingDelete)
		} else {
			err = s.repo.SoftDelete(id)
		}
		if err != nil {
			return err
		}

		if img.Location != "" {
			if err := s.deleter.Initiate(ctx, img.Location, id); err != nil {
				return err
			}
		}

		s.events.Info("image.delete", notifier.Meta(img))
		return nil
	})
}

// Download streams an active record's content. A zero-size record yields an
// empty stream without touching a backend.
func (s *Service) Download(ctx context.Context, p policy.Principal, id string) (io.ReadCloser, *db.Image, error) {
	if err := s.enforcer.Enforce(p, "get_image"); err != nil {
		return nil, nil, err
	}
	if err := s.enforcer.Enforce(p, "download_image"); err != nil {
		return nil, nil, err
	}

	img, err := s.repo.Get(id)
	if err != nil {
		return nil, nil, err
	}
	if img.Deleted || img.Status != db.StatusActive {
		return nil, nil, errors.Wrapf(errors.ErrNotFound, "no active image %s", id)
	}

	if img.Size == 0 {
		return io.NopCloser(bytes.NewReader(nil)), scrubLocation(img), nil
	}

	rc, size, err := s.stores.Get(ctx, img.Location)
	if err != nil {
		return nil, nil, err
	}
	if size > 0 {
		img.Size = size
	}
	return &cooperativeReadCloser{
		Reader: store.NewCooperativeReader(rc),
		closer: rc,
	}, scrubLocation(img), nil
}

// Get returns a record's metadata with the location stripped.
func (s *Service) Get(ctx context.Context, p policy.Principal, id string) (*db.Image, error) {
	if err := s.enforcer.Enforce(p, "get_image"); err != nil {
		return nil, err
	}
	img, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if img.Deleted {
		return nil, errors.Wrapf(errors.ErrNotFound, "image %s", id)
	}
	return scrubLocation(img), nil
}

// List returns matching records with locations stripped.
func (s *Service) List(ctx context.Context, p policy.Principal, opts db.ListOptions) ([]*db.Image, error) {
	if err := s.enforcer.Enforce(p, "get_images"); err != nil {
		return nil, err
	}
	images, err := s.repo.List(opts)
	if err != nil {
		return nil, err
	}
	scrubbed := make([]*db.Image, len(images))
	for i, img := range images {
		scrubbed[i] = scrubLocation(img)
	}
	return scrubbed, nil
}

// safeKill marks the record killed without raising: it runs inside error
// handlers and must never mask the original failure.
func (s *Service) safeKill(id string) {
	err := s.repo.Transition(id, []string{db.StatusQueued, db.StatusSaving}, db.StatusKilled)
	if err != nil {
		slog.Error("ingest_kill_failed", "image_id", id, "error", err)
	}
}

// cleanupObject removes just-written bytes after a failed upload,
// best-effort.
func (s *Service) cleanupObject(ctx context.Context, location, id string) {
	if err := s.deleter.Initiate(ctx, location, id); err != nil {
		slog.Error("ingest_cleanup_failed", "image_id", id, "error", err)
	}
}

func externalSource(location, copyFrom string) (string, error) {
	source := location
	if source == "" {
		source = copyFrom
	}
	if source == "" {
		return "", nil
	}
	if !store.ValidExternalSource(source) {
		return "", errors.Wrapf(errors.ErrInvalid, "external sourcing not supported for %q", source)
	}
	return source, nil
}

// scrubLocation copies a record with its location removed; locations can
// embed storage credentials and never leave the service.
func scrubLocation(img *db.Image) *db.Image {
	clean := *img
	clean.Location = ""
	return &clean
}

type cooperativeReadCloser struct {
	io.Reader
	closer io.Closer
}

func (c *cooperativeReadCloser) Close() error {
	return c.closer.Close()
}
