// Package notifier emits informational and error events at the major image
// lifecycle transitions. Location URIs can embed storage credentials, so
// every emission path redacts the location field before the event leaves
// this package.
package notifier

import (
	"log/slog"

	"github.com/imagereg/imaged/pkg/db"
)

// Notifier is the event sink consumed by the ingestion state machine.
type Notifier interface {
	Info(event string, meta map[string]any)
	Error(event string, message string)
}

// Meta converts an image record into event metadata with the location
// stripped.
func Meta(img *db.Image) map[string]any {
	return map[string]any{
		"id":               img.ID,
		"name":             img.Name,
		"disk_format":      img.DiskFormat,
		"container_format": img.ContainerFormat,
		"size":             img.Size,
		"checksum":         img.Checksum,
		"status":           img.Status,
		"is_public":        img.IsPublic,
		"protected":        img.Protected,
		"owner":            img.Owner,
	}
}

// LogNotifier writes events to the structured log.
type LogNotifier struct{}

// NewLogNotifier returns a log-backed sink.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Info(event string, meta map[string]any) {
	attrs := make([]any, 0, 2+2*len(meta))
	attrs = append(attrs, "event", event)
	for k, v := range redact(meta) {
		attrs = append(attrs, k, v)
	}
	slog.Info("notification", attrs...)
}

func (n *LogNotifier) Error(event string, message string) {
	slog.Error("notification", "event", event, "message", message)
}

// redact drops the location field from arbitrary metadata. Meta never adds
// it, but callers may pass hand-built maps.
func redact(meta map[string]any) map[string]any {
	if _, ok := meta["location"]; !ok {
		return meta
	}
	clean := make(map[string]any, len(meta))
	for k, v := range meta {
		if k == "location" {
			continue
		}
		clean[k] = v
	}
	return clean
}
