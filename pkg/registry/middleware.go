package registry

import (
	"log/slog"

	"github.com/imagereg/imaged/pkg/policy"
)

// mutating wraps a state-machine entry point with the cross-cutting
// behavior every mutation gets: policy enforcement first, then guaranteed
// argument and result logging around the operation.
func (s *Service) mutating(p policy.Principal, action, op, imageID string, fn func() error) error {
	if err := s.enforcer.Enforce(p, action); err != nil {
		slog.Info("ingest_op_denied", "op", op, "image_id", imageID, "owner", p.Owner)
		return err
	}

	slog.Info("ingest_op_start", "op", op, "image_id", imageID, "owner", p.Owner)
	err := fn()
	if err != nil {
		slog.Info("ingest_op_failed", "op", op, "image_id", imageID, "error", err)
	} else {
		slog.Info("ingest_op_done", "op", op, "image_id", imageID)
	}
	return err
}
