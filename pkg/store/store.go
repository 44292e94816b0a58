// Package store defines the storage backend contract and the scheme
// registry that dispatches location URIs to a concrete backend.
package store

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/imagereg/imaged/pkg/errors"
)

// Backend is the uniform byte-store contract implemented per URI scheme.
// Add consumes the stream, persists it, and reports the location plus the
// size and checksum actually observed while writing; those observed values
// are the source of truth, never the caller-declared ones.
type Backend interface {
	Scheme() string
	Add(ctx context.Context, id string, data io.Reader, declaredSize int64) (location string, size int64, checksum string, err error)
	Get(ctx context.Context, location string) (io.ReadCloser, int64, error)
	Size(ctx context.Context, location string) (int64, error)
	Delete(ctx context.Context, location string) error
}

// Registry maps URI schemes to backend instances. Backends are registered
// once at configuration time; resolution never inspects types at runtime.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry builds a registry over the given backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Scheme()] = b
		slog.Info("store_backend_registered", "scheme", b.Scheme())
	}
	return r
}

// FromScheme resolves a backend by scheme string.
func (r *Registry) FromScheme(scheme string) (Backend, error) {
	b, ok := r.backends[strings.ToLower(scheme)]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownScheme, "%q", scheme)
	}
	return b, nil
}

// FromLocation resolves the backend owning a location URI.
func (r *Registry) FromLocation(location string) (Backend, error) {
	scheme, err := SchemeOf(location)
	if err != nil {
		return nil, err
	}
	return r.FromScheme(scheme)
}

// SchemeOf extracts the scheme from a location URI.
func SchemeOf(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" {
		return "", errors.Wrapf(errors.ErrInvalid, "location %q has no scheme", location)
	}
	// https sources are served by the http backend
	if u.Scheme == "https" {
		return "http", nil
	}
	return strings.ToLower(u.Scheme), nil
}

// Get streams a stored object from the backend owning the location.
func (r *Registry) Get(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	b, err := r.FromLocation(location)
	if err != nil {
		return nil, 0, err
	}
	return b.Get(ctx, location)
}

// SizeOf discovers the byte size of an object without transferring it, used
// for externally referenced content at reservation time.
func (r *Registry) SizeOf(ctx context.Context, location string) (int64, error) {
	b, err := r.FromLocation(location)
	if err != nil {
		return 0, err
	}
	return b.Size(ctx, location)
}

// SafeDelete removes an object, treating an already-gone object as success.
// Other failures are logged and returned.
func (r *Registry) SafeDelete(ctx context.Context, location, imageID string) error {
	b, err := r.FromLocation(location)
	if err != nil {
		return err
	}
	if err := b.Delete(ctx, location); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			slog.Info("store_delete_already_gone", "image_id", imageID, "location_scheme", b.Scheme())
			return nil
		}
		slog.Error("store_delete_failed", "image_id", imageID, "location_scheme", b.Scheme(), "error", err)
		return err
	}
	slog.Info("store_object_deleted", "image_id", imageID, "location_scheme", b.Scheme())
	return nil
}
