package flow

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	"github.com/imagereg/imaged/pkg/notifier"
	"github.com/imagereg/imaged/pkg/policy"
	"github.com/imagereg/imaged/pkg/registry"
	"github.com/imagereg/imaged/pkg/store"
	"github.com/superfly/fsm"
)

func newTestMachine(t *testing.T) (*Machine, *db.Repository) {
	t.Helper()
	dir := t.TempDir()

	repo, err := db.NewRepository(filepath.Join(dir, "images.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	fs, err := store.NewFilesystemBackend(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("failed to create filesystem backend: %v", err)
	}
	stores := store.NewRegistry(fs, store.NewHTTPBackend(nil))

	pool := registry.NewPool(2)
	t.Cleanup(pool.Shutdown)

	svc := registry.NewService(
		repo,
		stores,
		policy.NewEnforcer(nil, true),
		notifier.NewLogNotifier(),
		pool,
		registry.NewDeleter(repo, stores, false),
		registry.Options{DefaultStore: "file", SizeCap: 1 << 20},
	)

	return NewMachine(svc, repo, stores, 5), repo
}

func writeFixture(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	return path
}

// TestHandlers_IngestLocalFile runs a local file through reserve, transfer
// and activate the way the workflow manager would, checking the response
// accumulated across the three transitions against the stored record.
func TestHandlers_IngestLocalFile(t *testing.T) {
	ctx := context.Background()
	m, repo := newTestMachine(t)
	content := "flowed bytes"
	path := writeFixture(t, content)

	req := fsm.NewRequest(&IngestRequest{Name: "flowed", FilePath: path}, &IngestResponse{})

	if _, err := m.handleReserve(ctx, req); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	resp := req.W.Msg
	if resp.ImageID == "" {
		t.Fatal("reserve should assign an image id")
	}
	if resp.Status != db.StatusQueued {
		t.Fatalf("reserve should leave the record queued, got %s", resp.Status)
	}

	if _, err := m.handleTransfer(ctx, req); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if resp.Location == "" || resp.Checksum == "" {
		t.Error("transfer should record the stored location and checksum")
	}
	if resp.Size != int64(len(content)) {
		t.Errorf("transfer size should match the file, got %d", resp.Size)
	}

	if _, err := m.handleActivate(ctx, req); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if resp.Status != db.StatusActive {
		t.Errorf("activation should finish active, got %s", resp.Status)
	}

	img, err := repo.Get(resp.ImageID)
	if err != nil {
		t.Fatalf("failed to read record: %v", err)
	}
	if img.Status != db.StatusActive || img.Checksum != resp.Checksum {
		t.Errorf("stored record disagrees with the response: %s %s", img.Status, img.Checksum)
	}
}

// TestHandlers_TransferRecoversStalledRecord checks that a record a dead run
// left in saving is moved back to queued and uploaded again.
func TestHandlers_TransferRecoversStalledRecord(t *testing.T) {
	ctx := context.Background()
	m, repo := newTestMachine(t)
	path := writeFixture(t, "retried bytes")

	err := repo.Create(&db.Image{
		ID: "img-stalled", Name: "stalled", Status: db.StatusSaving,
	})
	if err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	req := fsm.NewRequest(
		&IngestRequest{ImageID: "img-stalled", Name: "stalled", FilePath: path},
		&IngestResponse{ImageID: "img-stalled", Status: db.StatusSaving},
	)

	if _, err := m.handleTransfer(ctx, req); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if req.W.Msg.Size != int64(len("retried bytes")) {
		t.Errorf("recovered upload should count the bytes, got %d", req.W.Msg.Size)
	}

	if _, err := m.handleActivate(ctx, req); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	img, err := repo.Get("img-stalled")
	if err != nil {
		t.Fatalf("failed to read record: %v", err)
	}
	if img.Status != db.StatusActive {
		t.Errorf("recovered record should finish active, got %s", img.Status)
	}
}

func TestOpenSource_LocalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(path, []byte("local bytes"), 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	m := &Machine{stores: store.NewRegistry()}
	rc, size, err := m.openSource(context.Background(), IngestRequest{FilePath: path})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer rc.Close()

	if size != int64(len("local bytes")) {
		t.Errorf("size should come from stat, got %d", size)
	}
	out, _ := io.ReadAll(rc)
	if string(out) != "local bytes" {
		t.Error("stream should read the file contents")
	}
}

func TestOpenSource_RejectsInvalidSources(t *testing.T) {
	m := &Machine{stores: store.NewRegistry()}

	_, _, err := m.openSource(context.Background(), IngestRequest{})
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("missing source should fail, got %v", err)
	}

	_, _, err = m.openSource(context.Background(), IngestRequest{CopyFrom: "file:///etc/passwd"})
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("file sources should be refused, got %v", err)
	}
}
