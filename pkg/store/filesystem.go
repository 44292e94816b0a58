package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/imagereg/imaged/pkg/errors"
)

// FilesystemBackend stores image content under a root directory, one file
// per image id. Locations take the form file:///<root>/<id>.
type FilesystemBackend struct {
	root string
}

// NewFilesystemBackend creates the root directory if needed.
func NewFilesystemBackend(root string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create store root")
	}
	slog.Info("filesystem_store_init", "root", root)
	return &FilesystemBackend{root: root}, nil
}

func (b *FilesystemBackend) Scheme() string {
	return "file"
}

// Add writes the stream to <root>/<id>, computing size and checksum as the
// bytes land. A partially written file is removed before the error is
// reported so a failed upload leaves nothing behind.
func (b *FilesystemBackend) Add(ctx context.Context, id string, data io.Reader, declaredSize int64) (string, int64, string, error) {
	path := filepath.Join(b.root, id)

	if _, err := os.Stat(path); err == nil {
		return "", 0, "", errors.Wrapf(errors.ErrDuplicate, "object %s already exists", id)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return "", 0, "", mapFilesystemError(err, "failed to create object file")
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), data)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		slog.Error("filesystem_store_write_failed", "image_id", id, "error", err)
		return "", 0, "", mapFilesystemError(err, "failed to write object")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	location := "file://" + path

	slog.Info("filesystem_store_object_added", "image_id", id, "size", size, "checksum", checksum)
	return location, size, checksum, nil
}

func (b *FilesystemBackend) Get(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	path, err := b.path(location)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, errors.Wrapf(errors.ErrNotFound, "object at %s", path)
		}
		return nil, 0, errors.Wrap(err, "failed to open object")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrap(err, "failed to stat object")
	}
	return f, info.Size(), nil
}

func (b *FilesystemBackend) Size(ctx context.Context, location string) (int64, error) {
	path, err := b.path(location)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Wrapf(errors.ErrNotFound, "object at %s", path)
		}
		return 0, errors.Wrap(err, "failed to stat object")
	}
	return info.Size(), nil
}

func (b *FilesystemBackend) Delete(ctx context.Context, location string) error {
	path, err := b.path(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(errors.ErrNotFound, "object at %s", path)
		}
		return errors.Wrap(err, "failed to delete object")
	}
	return nil
}

// path validates that the location parses and stays under the root.
func (b *FilesystemBackend) path(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "file" {
		return "", errors.Wrapf(errors.ErrInvalid, "not a file location: %q", location)
	}
	path := filepath.Clean(u.Path)
	root := filepath.Clean(b.root)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", errors.Wrapf(errors.ErrInvalid, "location %q escapes store root", location)
	}
	return path, nil
}

func mapFilesystemError(err error, context string) error {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return errors.Wrap(errors.ErrStorageFull, context)
	case os.IsPermission(err):
		return errors.Wrap(errors.ErrStorageWriteDenied, context)
	default:
		return errors.Wrap(err, context)
	}
}
