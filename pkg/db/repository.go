// Package db implements the image metadata store on SQLite.
// All status transitions are conditional writes validated against the
// freshly read prior status, so concurrent mutations on the same id cannot
// interleave into an inconsistent record.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/imagereg/imaged/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for image records
type Repository struct {
	db *sql.DB
}

// NewRepository opens the database and ensures the schema exists
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const imageColumns = `id, name, disk_format, container_format, size, checksum,
	status, location, is_public, protected, owner, properties, deleted,
	created_at, updated_at, deleted_at`

// Create inserts a new image record. A colliding id yields ErrDuplicate.
func (r *Repository) Create(img *Image) error {
	slog.Info("database_create_image", "image_id", img.ID, "status", img.Status)

	props, err := json.Marshal(propsOrEmpty(img.Properties))
	if err != nil {
		return errors.Wrap(err, "failed to encode properties")
	}

	query := `
		INSERT INTO images (id, name, disk_format, container_format, size, checksum,
		                    status, location, is_public, protected, owner, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query,
		img.ID, img.Name, img.DiskFormat, img.ContainerFormat, img.Size, img.Checksum,
		img.Status, img.Location, boolToInt(img.IsPublic), boolToInt(img.Protected),
		img.Owner, string(props))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			slog.Info("database_duplicate_image", "image_id", img.ID)
			return errors.Wrapf(errors.ErrDuplicate, "image %s", img.ID)
		}
		slog.Error("database_insert_failed", "image_id", img.ID, "error", err)
		return errors.Wrap(err, "failed to insert image")
	}

	slog.Info("database_image_created", "image_id", img.ID, "status", img.Status)
	return nil
}

// Get retrieves an image by id, including soft-deleted records; status checks
// belong to the caller.
func (r *Repository) Get(id string) (*Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE id = ?`
	img, err := scanImage(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		slog.Info("database_image_not_found", "image_id", id)
		return nil, errors.Wrapf(errors.ErrNotFound, "image %s", id)
	}
	if err != nil {
		slog.Error("database_query_failed", "image_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query image")
	}
	return img, nil
}

// Update applies a partial update. When purgeProps is true the stored
// free-form properties are replaced wholesale by partial.Properties;
// otherwise supplied properties are merged over the existing mapping.
func (r *Repository) Update(id string, partial Partial, purgeProps bool) (*Image, error) {
	slog.Info("database_update_image", "image_id", id, "purge_props", purgeProps)

	current, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	set := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}

	appendSet := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}

	if partial.Name != nil {
		appendSet("name", *partial.Name)
	}
	if partial.DiskFormat != nil {
		appendSet("disk_format", *partial.DiskFormat)
	}
	if partial.ContainerFormat != nil {
		appendSet("container_format", *partial.ContainerFormat)
	}
	if partial.Size != nil {
		appendSet("size", *partial.Size)
	}
	if partial.Checksum != nil {
		appendSet("checksum", *partial.Checksum)
	}
	if partial.IsPublic != nil {
		appendSet("is_public", boolToInt(*partial.IsPublic))
	}
	if partial.Protected != nil {
		appendSet("protected", boolToInt(*partial.Protected))
	}
	if partial.Owner != nil {
		appendSet("owner", *partial.Owner)
	}

	if partial.Properties != nil || purgeProps {
		merged := map[string]string{}
		if !purgeProps {
			merged = propsOrEmpty(current.Properties)
		}
		for k, v := range partial.Properties {
			merged[k] = v
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode properties")
		}
		appendSet("properties", string(encoded))
	}

	args = append(args, id)
	query := "UPDATE images SET " + strings.Join(set, ", ") + " WHERE id = ?"
	if _, err := r.db.Exec(query, args...); err != nil {
		slog.Error("database_update_failed", "image_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to update image")
	}

	return r.Get(id)
}

// Transition moves the record from one of the given statuses to the target
// status in a single conditional write. A record in any other status yields
// ErrConflict; a missing record yields ErrNotFound.
func (r *Repository) Transition(id string, from []string, to string) error {
	return r.transition(id, from, to, nil)
}

// TransitionWithLocation is Transition plus an atomic location bind, used by
// activation so status and location change in the same write.
func (r *Repository) TransitionWithLocation(id string, from []string, to, location string) error {
	return r.transition(id, from, to, &location)
}

func (r *Repository) transition(id string, from []string, to string, location *string) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	set := "status = ?, updated_at = CURRENT_TIMESTAMP"
	args := []any{to}
	if location != nil {
		set += ", location = ?"
		args = append(args, *location)
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, s)
	}

	query := fmt.Sprintf("UPDATE images SET %s WHERE id = ? AND status IN (%s)", set, placeholders)
	result, err := r.db.Exec(query, args...)
	if err != nil {
		slog.Error("database_transition_failed", "image_id", id, "to", to, "error", err)
		return errors.Wrap(err, "failed to transition image")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		current, err := r.Get(id)
		if err != nil {
			return err
		}
		slog.Info("database_transition_conflict",
			"image_id", id, "status", current.Status, "to", to)
		return errors.Wrapf(errors.ErrConflict,
			"image %s is %s, cannot move to %s", id, current.Status, to)
	}

	slog.Info("database_image_transitioned", "image_id", id, "to", to)
	return nil
}

// SetUploadResult persists the backend-observed checksum and size.
func (r *Repository) SetUploadResult(id, checksum string, size int64) error {
	query := `UPDATE images SET checksum = ?, size = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, checksum, size, id); err != nil {
		slog.Error("database_upload_result_failed", "image_id", id, "error", err)
		return errors.Wrap(err, "failed to record upload result")
	}
	slog.Info("database_upload_result", "image_id", id, "checksum", checksum, "size", size)
	return nil
}

// SoftDelete marks the record deleted. The row is kept; List hides it
// unless asked for deleted records.
func (r *Repository) SoftDelete(id string) error {
	query := `
		UPDATE images
		SET status = ?, deleted = 1, deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query, StatusDeleted, id)
	if err != nil {
		slog.Error("database_soft_delete_failed", "image_id", id, "error", err)
		return errors.Wrap(err, "failed to soft-delete image")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "image %s", id)
	}
	slog.Info("database_image_soft_deleted", "image_id", id)
	return nil
}

// ListOptions control filtering, sorting and marker pagination.
type ListOptions struct {
	Filters map[string]string
	SortKey string
	SortDir string
	Marker  string
	Limit   int
}

// filterColumns maps accepted filter keys to their columns. deleted and
// is_public are always accepted.
var filterColumns = map[string]string{
	"name":             "name",
	"status":           "status",
	"disk_format":      "disk_format",
	"container_format": "container_format",
	"checksum":         "checksum",
	"owner":            "owner",
	"is_public":        "is_public",
	"deleted":          "deleted",
}

var sortColumns = map[string]bool{
	"id":               true,
	"name":             true,
	"status":           true,
	"size":             true,
	"disk_format":      true,
	"container_format": true,
	"checksum":         true,
	"owner":            true,
	"is_public":        true,
	"created_at":       true,
	"updated_at":       true,
}

// List returns records matching the options, ordered by
// (sort key, created_at, id). Soft-deleted records are excluded unless the
// deleted filter asks for them. The marker must itself resolve or the call
// fails with ErrNotFound.
func (r *Repository) List(opts ListOptions) ([]*Image, error) {
	sortKey := opts.SortKey
	if sortKey == "" {
		sortKey = "created_at"
	}
	if !sortColumns[sortKey] {
		return nil, errors.Wrapf(errors.ErrInvalidSortKey, "%q", sortKey)
	}
	sortDir := strings.ToLower(opts.SortDir)
	switch sortDir {
	case "":
		sortDir = "desc"
	case "asc", "desc":
	default:
		return nil, errors.Wrapf(errors.ErrInvalid, "sort direction %q", opts.SortDir)
	}

	where := []string{}
	args := []any{}

	deletedFiltered := false
	for key, raw := range opts.Filters {
		if strings.HasSuffix(key, "_min") || strings.HasSuffix(key, "_max") {
			col := strings.TrimSuffix(strings.TrimSuffix(key, "_min"), "_max")
			if col != "size" {
				return nil, errors.Wrapf(errors.ErrInvalidFilterKey, "%q", key)
			}
			bound, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(errors.ErrInvalidFilterRangeValue, "%s=%q", key, raw)
			}
			op := ">="
			if strings.HasSuffix(key, "_max") {
				op = "<="
			}
			where = append(where, fmt.Sprintf("%s %s ?", col, op))
			args = append(args, bound)
			continue
		}

		col, ok := filterColumns[key]
		if !ok {
			return nil, errors.Wrapf(errors.ErrInvalidFilterKey, "%q", key)
		}
		switch col {
		case "is_public", "deleted":
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, errors.Wrapf(errors.ErrInvalid, "filter %s=%q", key, raw)
			}
			where = append(where, col+" = ?")
			args = append(args, boolToInt(b))
			if col == "deleted" {
				deletedFiltered = true
			}
		default:
			where = append(where, col+" = ?")
			args = append(args, raw)
		}
	}
	if !deletedFiltered {
		where = append(where, "deleted = 0")
	}

	if opts.Marker != "" {
		marker, err := r.Get(opts.Marker)
		if err != nil {
			return nil, err
		}
		cmp := ">"
		if sortDir == "desc" {
			cmp = "<"
		}
		where = append(where,
			fmt.Sprintf("(%s, created_at, id) %s ((SELECT %s FROM images WHERE id = ?), ?, ?)",
				sortKey, cmp, sortKey))
		args = append(args, marker.ID, marker.CreatedAt, marker.ID)
	}

	query := `SELECT ` + imageColumns + ` FROM images`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s %s, created_at %s, id %s",
		sortKey, sortDir, sortDir, sortDir)
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list images")
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "image_count", len(images))
	return images, nil
}

// EnqueueDeletion records a location for delayed byte removal.
func (r *Repository) EnqueueDeletion(imageID, location string) error {
	query := `INSERT OR REPLACE INTO pending_deletes (image_id, location) VALUES (?, ?)`
	if _, err := r.db.Exec(query, imageID, location); err != nil {
		slog.Error("database_enqueue_deletion_failed", "image_id", imageID, "error", err)
		return errors.Wrap(err, "failed to enqueue deletion")
	}
	slog.Info("database_deletion_enqueued", "image_id", imageID)
	return nil
}

// PendingDeletions returns queue entries enqueued at or before the cutoff.
func (r *Repository) PendingDeletions(cutoff time.Time) ([]PendingDelete, error) {
	query := `SELECT image_id, location, queued_at FROM pending_deletes WHERE queued_at <= ? ORDER BY queued_at`
	rows, err := r.db.Query(query, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pending deletions")
	}
	defer rows.Close()

	var entries []PendingDelete
	for rows.Next() {
		var e PendingDelete
		if err := rows.Scan(&e.ImageID, &e.Location, &e.QueuedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending deletion")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RemovePendingDeletion drops a processed queue entry.
func (r *Repository) RemovePendingDeletion(imageID string) error {
	_, err := r.db.Exec(`DELETE FROM pending_deletes WHERE image_id = ?`, imageID)
	return errors.Wrap(err, "failed to remove pending deletion")
}

// StalledSince returns non-deleted records that have sat in one of the given
// statuses since before the cutoff, for the reconciliation sweep.
func (r *Repository) StalledSince(statuses []string, cutoff time.Time) ([]*Image, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	query := fmt.Sprintf(
		`SELECT `+imageColumns+` FROM images WHERE deleted = 0 AND status IN (%s) AND updated_at <= ?`,
		placeholders)

	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, cutoff.UTC().Format("2006-01-02 15:04:05"))

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stalled images")
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*Image, error) {
	var img Image
	var isPublic, protected, deleted int
	var props string
	var deletedAt sql.NullString

	err := row.Scan(
		&img.ID, &img.Name, &img.DiskFormat, &img.ContainerFormat, &img.Size,
		&img.Checksum, &img.Status, &img.Location, &isPublic, &protected,
		&img.Owner, &props, &deleted, &img.CreatedAt, &img.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	img.IsPublic = isPublic != 0
	img.Protected = protected != 0
	img.Deleted = deleted != 0
	img.DeletedAt = deletedAt.String
	if err := json.Unmarshal([]byte(props), &img.Properties); err != nil {
		return nil, fmt.Errorf("corrupt properties for image %s: %w", img.ID, err)
	}
	return &img, nil
}

func propsOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
