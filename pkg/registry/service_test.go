package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	"github.com/imagereg/imaged/pkg/notifier"
	"github.com/imagereg/imaged/pkg/policy"
	"github.com/imagereg/imaged/pkg/store"
)

type harness struct {
	svc       *Service
	repo      *db.Repository
	stores    *store.Registry
	storeRoot string
}

func newHarness(t *testing.T, delayed bool, sizeCap int64) *harness {
	t.Helper()
	dir := t.TempDir()

	repo, err := db.NewRepository(filepath.Join(dir, "images.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	storeRoot := filepath.Join(dir, "store")
	fs, err := store.NewFilesystemBackend(storeRoot)
	if err != nil {
		t.Fatalf("failed to create filesystem backend: %v", err)
	}
	stores := store.NewRegistry(fs, store.NewHTTPBackend(nil))

	pool := NewPool(4)
	t.Cleanup(pool.Shutdown)

	svc := NewService(
		repo,
		stores,
		policy.NewEnforcer(nil, true),
		notifier.NewLogNotifier(),
		pool,
		NewDeleter(repo, stores, delayed),
		Options{DefaultStore: "file", SizeCap: sizeCap},
	)

	return &harness{svc: svc, repo: repo, stores: stores, storeRoot: storeRoot}
}

func admin() policy.Principal {
	return policy.Principal{Owner: "admin", Admin: true}
}

// awaitStatus polls the repository until the record reaches the wanted
// status. Detached transfers run on the task pool with no completion handle,
// so status is the only observable outcome.
func (h *harness) awaitStatus(t *testing.T, id, want string) *db.Image {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		img, err := h.repo.Get(id)
		if err != nil {
			t.Fatalf("failed to read record: %v", err)
		}
		if img.Status == want {
			return img
		}
		if time.Now().After(deadline) {
			t.Fatalf("record %s stuck in %s waiting for %s", id, img.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) storedObjects(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(h.storeRoot)
	if err != nil {
		t.Fatalf("failed to read store root: %v", err)
	}
	return len(entries)
}

func TestCreate_ZeroSizeActivatesImmediately(t *testing.T) {
	h := newHarness(t, false, 1<<20)
	size := int64(0)

	img, err := h.svc.Create(context.Background(), admin(), Metadata{
		Name: "empty", Size: &size,
	}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if img.Status != db.StatusActive {
		t.Errorf("zero declared size should activate without upload, got %s", img.Status)
	}
	if h.storedObjects(t) != 0 {
		t.Error("no backend object should exist for an empty image")
	}
}

func TestCreate_UploadRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)
	content := "the image payload"

	img, err := h.svc.Create(ctx, admin(), Metadata{
		Name: "disk", DiskFormat: "qcow2", ContainerFormat: "bare",
	}, strings.NewReader(content))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if img.Status != db.StatusActive {
		t.Fatalf("expected active, got %s", img.Status)
	}
	if img.Location != "" {
		t.Error("location must never be returned to callers")
	}

	sum := sha256.Sum256([]byte(content))
	if img.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum mismatch: got %s", img.Checksum)
	}
	if img.Size != int64(len(content)) {
		t.Errorf("size mismatch: got %d", img.Size)
	}

	rc, meta, err := h.svc.Download(ctx, admin(), img.ID)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if string(out) != content {
		t.Error("downloaded bytes differ from uploaded bytes")
	}
	if meta.Location != "" {
		t.Error("download metadata must not carry the location")
	}
}

func TestUpload_ChecksumMismatchKills(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	img, err := h.svc.Reserve(ctx, Metadata{Name: "bad", Checksum: "deadbeef"})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	_, err = h.svc.Upload(ctx, img.ID, strings.NewReader("content"), 0)
	if !errors.Is(err, errors.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}

	got, _ := h.repo.Get(img.ID)
	if got.Status != db.StatusKilled {
		t.Errorf("record should be killed, got %s", got.Status)
	}
	if h.storedObjects(t) != 0 {
		t.Error("mismatched upload must delete the written bytes")
	}
}

func TestUpload_SizeMismatchKills(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)
	declared := int64(999)

	img, err := h.svc.Reserve(ctx, Metadata{Name: "bad", Size: &declared})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	_, err = h.svc.Upload(ctx, img.ID, strings.NewReader("short"), 0)
	if !errors.Is(err, errors.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}

	got, _ := h.repo.Get(img.ID)
	if got.Status != db.StatusKilled {
		t.Errorf("record should be killed, got %s", got.Status)
	}
}

func TestUpload_SecondAttemptConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	img, err := h.svc.Reserve(ctx, Metadata{Name: "disk"})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := h.svc.UploadAndActivate(ctx, img.ID, strings.NewReader("one"), 0); err != nil {
		t.Fatalf("first upload failed: %v", err)
	}

	_, err = h.svc.Upload(ctx, img.ID, strings.NewReader("two"), 0)
	if !errors.Is(err, errors.ErrConflict) {
		t.Errorf("second upload should conflict, got %v", err)
	}
}

func TestUpload_DeclaredSizeOverCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 10)

	img, err := h.svc.Reserve(ctx, Metadata{Name: "big"})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	_, err = h.svc.Upload(ctx, img.ID, strings.NewReader("x"), 100)
	if !errors.Is(err, errors.ErrSizeLimitExceeded) {
		t.Fatalf("expected ErrSizeLimitExceeded, got %v", err)
	}

	// eager rejection happens before the saving transition
	got, _ := h.repo.Get(img.ID)
	if got.Status != db.StatusQueued {
		t.Errorf("record should stay queued, got %s", got.Status)
	}
}

func TestUpload_StreamedOverCapKills(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 10)

	img, err := h.svc.Reserve(ctx, Metadata{Name: "big"})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	_, err = h.svc.Upload(ctx, img.ID, strings.NewReader(strings.Repeat("x", 100)), 0)
	if !errors.Is(err, errors.ErrSizeLimitExceeded) {
		t.Fatalf("expected ErrSizeLimitExceeded, got %v", err)
	}

	got, _ := h.repo.Get(img.ID)
	if got.Status != db.StatusKilled {
		t.Errorf("record should be killed, got %s", got.Status)
	}
	if h.storedObjects(t) != 0 {
		t.Error("capped upload must not leave bytes behind")
	}
}

func TestReserve_KernelFormatAutofill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	img, err := h.svc.Reserve(ctx, Metadata{Name: "kernel", DiskFormat: "aki"})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if img.ContainerFormat != "aki" {
		t.Errorf("container format should auto-fill to aki, got %q", img.ContainerFormat)
	}

	_, err = h.svc.Reserve(ctx, Metadata{
		Name: "bad", DiskFormat: "aki", ContainerFormat: "bare",
	})
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("mismatched kernel formats should fail, got %v", err)
	}
}

func TestReserve_RejectsBadFormatsAndLongName(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	_, err := h.svc.Reserve(ctx, Metadata{Name: "x", DiskFormat: "floppy"})
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("unknown disk format should fail, got %v", err)
	}

	_, err = h.svc.Reserve(ctx, Metadata{Name: strings.Repeat("n", 256)})
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("over-long name should fail, got %v", err)
	}
}

func TestReserve_RejectsLocalFileSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	_, err := h.svc.Reserve(ctx, Metadata{Name: "x", Location: "file:///etc/passwd"})
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("file source should be rejected, got %v", err)
	}
}

func TestCreate_ExternalLocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hosted elsewhere"))
	}))
	defer srv.Close()

	img, err := h.svc.Create(ctx, admin(), Metadata{
		Name: "external", Location: srv.URL + "/disk.img",
	}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if img.Status != db.StatusActive {
		t.Errorf("external reference should activate directly, got %s", img.Status)
	}
	if img.Size != int64(len("hosted elsewhere")) {
		t.Errorf("size should be learned from the source, got %d", img.Size)
	}
	if h.storedObjects(t) != 0 {
		t.Error("referencing must not copy bytes into the store")
	}

	rc, _, err := h.svc.Download(ctx, admin(), img.ID)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer rc.Close()
	out, _ := io.ReadAll(rc)
	if string(out) != "hosted elsewhere" {
		t.Error("download should stream from the external source")
	}
}

func TestCreate_DetachedCopyFromActivates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)
	content := "copied from afar"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer srv.Close()

	img, err := h.svc.Create(ctx, admin(), Metadata{
		Name: "remote", CopyFrom: srv.URL + "/disk.img",
	}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if img.Status != db.StatusQueued {
		t.Fatalf("copy-from must return with the record still queued, got %s", img.Status)
	}

	done := h.awaitStatus(t, img.ID, db.StatusActive)
	if done.Size != int64(len(content)) {
		t.Errorf("size should come from the transferred bytes, got %d", done.Size)
	}
	sum := sha256.Sum256([]byte(content))
	if done.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("checksum should come from the transferred bytes, got %s", done.Checksum)
	}
	if h.storedObjects(t) != 1 {
		t.Error("copy-from should land the bytes in the configured store")
	}
}

func TestCreate_DetachedCopyFromFailureKills(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	declared := int64(8)
	img, err := h.svc.Create(ctx, admin(), Metadata{
		Name: "vanished", Size: &declared, CopyFrom: srv.URL + "/gone.img",
	}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if img.Status != db.StatusQueued {
		t.Fatalf("copy-from must return with the record still queued, got %s", img.Status)
	}

	h.awaitStatus(t, img.ID, db.StatusKilled)
	if h.storedObjects(t) != 0 {
		t.Error("a failed transfer must not leave bytes behind")
	}
}

func TestDelete_Protected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	img, err := h.svc.Create(ctx, admin(), Metadata{
		Name: "keep", Protected: true,
	}, strings.NewReader("bytes"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err = h.svc.Delete(ctx, admin(), img.ID)
	if !errors.Is(err, errors.ErrForbidden) {
		t.Errorf("protected image delete should be forbidden, got %v", err)
	}
}

func TestDelete_Immediate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	img, err := h.svc.Create(ctx, admin(), Metadata{Name: "gone"}, strings.NewReader("bytes"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := h.svc.Delete(ctx, admin(), img.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if h.storedObjects(t) != 0 {
		t.Error("immediate delete should remove backend bytes")
	}

	_, err = h.svc.Get(ctx, admin(), img.ID)
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("deleted image should read as not found, got %v", err)
	}

	err = h.svc.Delete(ctx, admin(), img.ID)
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("second delete should be not found, got %v", err)
	}
}

func TestDelete_Delayed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, 1<<20)

	img, err := h.svc.Create(ctx, admin(), Metadata{Name: "later"}, strings.NewReader("bytes"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := h.svc.Delete(ctx, admin(), img.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	got, _ := h.repo.Get(img.ID)
	if got.Status != db.StatusPendingDelete {
		t.Errorf("delayed delete should park the record, got %s", got.Status)
	}
	if h.storedObjects(t) != 1 {
		t.Error("bytes should remain until the scrubber runs")
	}

	err = h.svc.Delete(ctx, admin(), img.ID)
	if !errors.Is(err, errors.ErrForbidden) {
		t.Errorf("deleting a parked image should be forbidden, got %v", err)
	}
}

func TestUpdate_LocationOnActiveRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	img, err := h.svc.Create(ctx, admin(), Metadata{Name: "disk"}, strings.NewReader("bytes"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err = h.svc.Update(ctx, admin(), img.ID, UpdateRequest{
		Location: "http://example.com/other.img",
	}, nil)
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("location re-binding should be rejected, got %v", err)
	}
}

func TestUpdate_DataOnActiveConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	img, err := h.svc.Create(ctx, admin(), Metadata{Name: "disk"}, strings.NewReader("bytes"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err = h.svc.Update(ctx, admin(), img.ID, UpdateRequest{}, strings.NewReader("more"))
	if !errors.Is(err, errors.ErrConflict) {
		t.Errorf("content on an active image should conflict, got %v", err)
	}
}

func TestUpdate_PropertyPurgeSemantics(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	img, err := h.svc.Create(ctx, admin(), Metadata{
		Name: "disk", Properties: map[string]string{"kernel_id": "k-1", "arch": "x86_64"},
	}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// default purge replaces wholesale
	updated, err := h.svc.Update(ctx, admin(), img.ID, UpdateRequest{
		Properties: map[string]string{"arch": "arm64"},
	}, nil)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, ok := updated.Properties["kernel_id"]; ok {
		t.Error("purge should drop unmentioned properties")
	}

	// no-purge merges
	updated, err = h.svc.Update(ctx, admin(), img.ID, UpdateRequest{
		Properties:   map[string]string{"os": "linux"},
		NoPurgeProps: true,
	}, nil)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Properties["arch"] != "arm64" || updated.Properties["os"] != "linux" {
		t.Errorf("no-purge should keep both properties, got %v", updated.Properties)
	}
}

func TestUpdate_DeletedImageForbidden(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	img, err := h.svc.Create(ctx, admin(), Metadata{Name: "disk"}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := h.svc.Delete(ctx, admin(), img.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	name := "renamed"
	_, err = h.svc.Update(ctx, admin(), img.ID, UpdateRequest{Name: &name}, nil)
	if !errors.Is(err, errors.ErrForbidden) {
		t.Errorf("updating a deleted image should be forbidden, got %v", err)
	}
}

func TestDownload_ZeroSizeImage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)
	size := int64(0)

	img, err := h.svc.Create(ctx, admin(), Metadata{Name: "empty", Size: &size}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	rc, _, err := h.svc.Download(ctx, admin(), img.ID)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer rc.Close()
	out, _ := io.ReadAll(rc)
	if len(out) != 0 {
		t.Errorf("empty image should stream zero bytes, got %d", len(out))
	}
}

func TestDownload_NonActiveNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	img, err := h.svc.Reserve(ctx, Metadata{Name: "queued"})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	_, _, err = h.svc.Download(ctx, admin(), img.ID)
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("queued image download should be not found, got %v", err)
	}
}

func TestList_ScrubsLocations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	if _, err := h.svc.Create(ctx, admin(), Metadata{Name: "a"}, strings.NewReader("one")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := h.svc.Create(ctx, admin(), Metadata{Name: "b"}, strings.NewReader("two")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	images, err := h.svc.List(ctx, admin(), db.ListOptions{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}
	for _, img := range images {
		if img.Location != "" {
			t.Errorf("listing must not expose locations, image %s", img.ID)
		}
	}
}

func TestPolicy_DeniedPrincipal(t *testing.T) {
	dir := t.TempDir()
	repo, err := db.NewRepository(filepath.Join(dir, "images.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	fs, err := store.NewFilesystemBackend(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("failed to create filesystem backend: %v", err)
	}
	stores := store.NewRegistry(fs)
	pool := NewPool(1)
	defer pool.Shutdown()

	svc := NewService(repo, stores,
		policy.NewEnforcer(map[string]policy.Rule{}, false),
		notifier.NewLogNotifier(), pool, NewDeleter(repo, stores, false),
		Options{DefaultStore: "file", SizeCap: 1 << 20})

	nobody := policy.Principal{Owner: "tenant-1"}
	_, err = svc.Create(context.Background(), nobody, Metadata{Name: "x"}, nil)
	if !errors.Is(err, errors.ErrForbidden) {
		t.Errorf("denied principal should get forbidden, got %v", err)
	}
}

func TestUpload_DistinctContentsDistinctChecksums(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 1<<20)

	a, err := h.svc.Create(ctx, admin(), Metadata{Name: "a"}, bytes.NewReader([]byte("aaaa")))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	b, err := h.svc.Create(ctx, admin(), Metadata{Name: "b"}, bytes.NewReader([]byte("bbbb")))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if a.Checksum == b.Checksum {
		t.Error("different contents must not share a checksum")
	}
}
