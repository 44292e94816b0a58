package store

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/imagereg/imaged/pkg/errors"
)

// HTTPBackend serves http:// and https:// locations. It is read-only: it
// exists so records can reference externally hosted content, so Add and
// Delete refuse.
type HTTPBackend struct {
	client *http.Client
}

// NewHTTPBackend creates a read-only backend over the given client; a nil
// client uses http.DefaultClient.
func NewHTTPBackend(client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{client: client}
}

func (b *HTTPBackend) Scheme() string {
	return "http"
}

func (b *HTTPBackend) Add(ctx context.Context, id string, data io.Reader, declaredSize int64) (string, int64, string, error) {
	return "", 0, "", errors.Wrap(errors.ErrStorageWriteDenied, "http store is read-only")
}

func (b *HTTPBackend) Get(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, 0, errors.Wrapf(errors.ErrInvalid, "location %q", location)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		slog.Error("http_store_get_failed", "error", err)
		return nil, 0, errors.Wrap(err, "failed to fetch source")
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		resp.Body.Close()
		return nil, 0, errors.Wrapf(errors.ErrNotFound, "source responded %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, errors.Wrapf(errors.ErrInvalid, "source responded %d", resp.StatusCode)
	}
	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	return resp.Body, size, nil
}

func (b *HTTPBackend) Size(ctx context.Context, location string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, location, nil)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInvalid, "location %q", location)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "failed to head source")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return 0, errors.Wrapf(errors.ErrNotFound, "source responded %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Wrapf(errors.ErrInvalid, "source responded %d", resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, nil
	}
	return resp.ContentLength, nil
}

func (b *HTTPBackend) Delete(ctx context.Context, location string) error {
	return errors.Wrap(errors.ErrStorageWriteDenied, "http store is read-only")
}

// ValidExternalSource reports whether a location is acceptable as an
// external source. Local file sources are rejected so a client cannot point
// a record at the server's own filesystem.
func ValidExternalSource(location string) bool {
	lower := strings.ToLower(location)
	for _, scheme := range []string{"s3://", "http://", "https://"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}
