package db

// Schema defines the SQLite schema for image records.
// It creates the images table with indexes for efficient querying, and
// pending_deletes as the delayed byte-removal queue.
const Schema = `
CREATE TABLE IF NOT EXISTS images (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    disk_format TEXT NOT NULL DEFAULT '',
    container_format TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    checksum TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL CHECK(status IN ('queued', 'saving', 'active', 'killed', 'pending_delete', 'deleted')),
    location TEXT NOT NULL DEFAULT '',
    is_public INTEGER NOT NULL DEFAULT 0,
    protected INTEGER NOT NULL DEFAULT 0,
    owner TEXT NOT NULL DEFAULT '',
    properties TEXT NOT NULL DEFAULT '{}',
    deleted INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    deleted_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_images_status ON images(status);
CREATE INDEX IF NOT EXISTS idx_images_created_at ON images(created_at);

CREATE TABLE IF NOT EXISTS pending_deletes (
    image_id TEXT PRIMARY KEY,
    location TEXT NOT NULL,
    queued_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Status constants
const (
	StatusQueued        = "queued"
	StatusSaving        = "saving"
	StatusActive        = "active"
	StatusKilled        = "killed"
	StatusPendingDelete = "pending_delete"
	StatusDeleted       = "deleted"
)

// Image represents an image record
type Image struct {
	ID              string
	Name            string
	DiskFormat      string
	ContainerFormat string
	Size            int64
	Checksum        string
	Status          string
	Location        string
	IsPublic        bool
	Protected       bool
	Owner           string
	Properties      map[string]string
	Deleted         bool
	CreatedAt       string
	UpdatedAt       string
	DeletedAt       string
}

// Partial carries the fields of an image update. Nil pointers leave the
// stored value untouched; Properties nil leaves properties untouched.
type Partial struct {
	Name            *string
	DiskFormat      *string
	ContainerFormat *string
	Size            *int64
	Checksum        *string
	IsPublic        *bool
	Protected       *bool
	Owner           *string
	Properties      map[string]string
}

// PendingDelete is one entry of the delayed byte-removal queue.
type PendingDelete struct {
	ImageID  string
	Location string
	QueuedAt string
}
