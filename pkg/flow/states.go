package flow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	"github.com/imagereg/imaged/pkg/registry"
	"github.com/imagereg/imaged/pkg/store"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	svc        *registry.Service
	repo       *db.Repository
	stores     *store.Registry
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(svc *registry.Service, repo *db.Repository, stores *store.Registry, maxRetries int) *Machine {
	return &Machine{
		svc:        svc,
		repo:       repo,
		stores:     stores,
		maxRetries: maxRetries,
	}
}

// handleReserve creates the metadata record, or picks up an existing one so
// a resumed workflow is idempotent.
func (m *Machine) handleReserve(ctx context.Context, req *fsm.Request[IngestRequest, IngestResponse]) (*fsm.Response[IngestResponse], error) {
	slog.Info("flow_state_reserve", "image_id", req.Msg.ImageID, "name", req.Msg.Name)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "image_id", req.Msg.ImageID, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &IngestResponse{}
	}

	if req.Msg.ImageID != "" {
		img, err := m.repo.Get(req.Msg.ImageID)
		switch {
		case err == nil:
			resp.ImageID = img.ID
			resp.Status = img.Status
			if img.Status == db.StatusKilled || img.Deleted {
				slog.Error("flow_record_unusable", "image_id", img.ID, "status", img.Status)
				return nil, fsm.Abort(fmt.Errorf("image %s is %s", img.ID, img.Status))
			}
			slog.Info("flow_record_found", "image_id", img.ID, "status", img.Status)
			return fsm.NewResponse(resp), nil
		case !errors.Is(err, errors.ErrNotFound):
			slog.Error("flow_record_lookup_failed", "image_id", req.Msg.ImageID, "error", err)
			return nil, errors.Wrap(err, "record lookup failed")
		}
	}

	img, err := m.svc.Reserve(ctx, registry.Metadata{
		ID:              req.Msg.ImageID,
		Name:            req.Msg.Name,
		DiskFormat:      req.Msg.DiskFormat,
		ContainerFormat: req.Msg.ContainerFormat,
		IsPublic:        req.Msg.IsPublic,
		Protected:       req.Msg.Protected,
		Owner:           req.Msg.Owner,
	})
	if err != nil {
		// validation failures will never succeed on retry
		if errors.Is(err, errors.ErrInvalid) || errors.Is(err, errors.ErrDuplicate) {
			return nil, fsm.Abort(err)
		}
		return nil, errors.Wrap(err, "failed to reserve image")
	}

	resp.ImageID = img.ID
	resp.Status = img.Status
	slog.Info("flow_reserved", "image_id", img.ID)
	return fsm.NewResponse(resp), nil
}

// handleTransfer streams the content through the upload protocol. A record
// left in saving by a previous run is recovered to queued first so the
// upload can be retried.
func (m *Machine) handleTransfer(ctx context.Context, req *fsm.Request[IngestRequest, IngestResponse]) (*fsm.Response[IngestResponse], error) {
	slog.Info("flow_state_transfer", "image_id", req.Msg.ImageID, "name", req.Msg.Name)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "image_id", req.Msg.ImageID, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	img, err := m.repo.Get(resp.ImageID)
	if err != nil {
		return nil, errors.Wrap(err, "record lookup failed")
	}

	switch img.Status {
	case db.StatusActive:
		// content already landed; a previous run died before advancing
		resp.Location = img.Location
		resp.Size = img.Size
		resp.Checksum = img.Checksum
		resp.Status = img.Status
		slog.Info("flow_transfer_already_done", "image_id", img.ID)
		return fsm.NewResponse(resp), nil
	case db.StatusKilled:
		return nil, fsm.Abort(fmt.Errorf("image %s is killed", img.ID))
	case db.StatusSaving:
		if err := m.repo.Transition(img.ID, []string{db.StatusSaving}, db.StatusQueued); err != nil {
			return nil, errors.Wrap(err, "failed to recover stalled upload")
		}
		slog.Warn("flow_recovered_stalled_upload", "image_id", img.ID)
	}

	data, declaredSize, err := m.openSource(ctx, *req.Msg)
	if err != nil {
		slog.Error("flow_source_open_failed", "image_id", img.ID, "error", err)
		return nil, errors.Wrap(err, "failed to open content source")
	}
	defer data.Close()

	location, err := m.svc.Upload(ctx, img.ID, data, declaredSize)
	if err != nil {
		slog.Error("flow_transfer_failed", "image_id", img.ID, "error", err)
		if errors.Is(err, errors.ErrInvalid) || errors.Is(err, errors.ErrSizeLimitExceeded) {
			return nil, fsm.Abort(err)
		}
		return nil, errors.Wrap(err, "upload failed")
	}

	uploaded, err := m.repo.Get(img.ID)
	if err != nil {
		return nil, errors.Wrap(err, "record lookup failed")
	}

	resp.Location = location
	resp.Size = uploaded.Size
	resp.Checksum = uploaded.Checksum
	resp.Status = uploaded.Status

	slog.Info("flow_transfer_complete", "image_id", img.ID, "size", resp.Size, "checksum", resp.Checksum)
	return fsm.NewResponse(resp), nil
}

// handleActivate binds the stored location and flips the record active.
func (m *Machine) handleActivate(ctx context.Context, req *fsm.Request[IngestRequest, IngestResponse]) (*fsm.Response[IngestResponse], error) {
	slog.Info("flow_state_activate", "image_id", req.Msg.ImageID, "name", req.Msg.Name)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "image_id", req.Msg.ImageID, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if resp.Status == db.StatusActive {
		slog.Info("flow_already_active", "image_id", resp.ImageID)
		return fsm.NewResponse(resp), nil
	}

	img, err := m.svc.Activate(ctx, resp.ImageID, resp.Location)
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return nil, fsm.Abort(err)
		}
		return nil, errors.Wrap(err, "activation failed")
	}

	resp.Status = img.Status
	slog.Info("flow_complete", "image_id", img.ID, "status", img.Status)
	return fsm.NewResponse(resp), nil
}

// openSource resolves the content stream for a transfer. Local files are
// sized up front so the upload can verify byte counts; external sources
// report whatever their backend knows.
func (m *Machine) openSource(ctx context.Context, req IngestRequest) (io.ReadCloser, int64, error) {
	switch {
	case req.FilePath != "":
		f, err := os.Open(req.FilePath)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "failed to open %s", req.FilePath)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, errors.Wrap(err, "failed to stat file")
		}
		return f, info.Size(), nil

	case req.CopyFrom != "":
		if !store.ValidExternalSource(req.CopyFrom) {
			return nil, 0, errors.Wrapf(errors.ErrInvalid, "external sourcing not supported for %q", req.CopyFrom)
		}
		rc, size, err := m.stores.Get(ctx, req.CopyFrom)
		if err != nil {
			return nil, 0, err
		}
		return rc, size, nil

	default:
		return nil, 0, errors.Wrap(errors.ErrInvalid, "no content source supplied")
	}
}
