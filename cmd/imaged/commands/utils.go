package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/imagereg/imaged/internal/config"
	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	"github.com/imagereg/imaged/pkg/notifier"
	"github.com/imagereg/imaged/pkg/policy"
	"github.com/imagereg/imaged/pkg/registry"
	"github.com/imagereg/imaged/pkg/store"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, flowDBPath, storeRoot string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	if flowDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(flowDBPath), 0755); err != nil {
			return errors.Wrap(err, "failed to create workflow directory")
		}
	}

	if storeRoot != "" {
		if err := os.MkdirAll(storeRoot, 0755); err != nil {
			return errors.Wrap(err, "failed to create store root")
		}
	}

	return nil
}

// adminPrincipal is the identity CLI invocations run as.
func adminPrincipal() policy.Principal {
	return policy.Principal{Owner: "admin", Admin: true}
}

// buildStores assembles the backend registry. The filesystem and http
// backends are always available; s3 joins when a bucket is configured.
func buildStores(ctx context.Context, cfg *config.Config) (*store.Registry, error) {
	fsBackend, err := store.NewFilesystemBackend(cfg.StoreRoot)
	if err != nil {
		return nil, errors.Wrap(err, "filesystem backend failed")
	}
	backends := []store.Backend{
		fsBackend,
		store.NewHTTPBackend(nil),
	}

	if cfg.S3Bucket != "" {
		s3b, err := store.NewS3Backend(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return nil, errors.Wrap(err, "S3 backend failed")
		}
		backends = append(backends, s3b)
	} else if cfg.DefaultStore == "s3" {
		return nil, errors.Wrap(errors.ErrInvalid, "default store is s3 but no bucket is configured")
	}

	return store.NewRegistry(backends...), nil
}

// buildService wires the full ingestion service from configuration. The
// returned cleanup must run after the command finishes so detached tasks
// drain before the process exits.
func buildService(ctx context.Context, cfg *config.Config, repo *db.Repository) (*registry.Service, *store.Registry, func(), error) {
	stores, err := buildStores(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	pool := registry.NewPool(cfg.TaskPoolSize)
	deleter := registry.NewDeleter(repo, stores, cfg.DelayedDelete)

	svc := registry.NewService(
		repo,
		stores,
		policy.NewEnforcer(nil, true),
		notifier.NewLogNotifier(),
		pool,
		deleter,
		registry.Options{DefaultStore: cfg.DefaultStore, SizeCap: cfg.ImageSizeCap},
	)

	return svc, stores, pool.Shutdown, nil
}
