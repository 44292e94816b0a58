// Package flow implements the durable image ingestion workflow. It drives
// the reserve, transfer, and activate steps through the superfly/fsm
// library so an interrupted ingestion can resume from its persisted state
// instead of restarting the stream from scratch.
package flow

import (
	"context"

	"github.com/imagereg/imaged/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the image ingestion FSM.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[IngestRequest, IngestResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[IngestRequest, IngestResponse](manager, "image-ingest").
		Start(StateReserve, m.handleReserve).
		To(StateTransfer, m.handleTransfer).
		To(StateActivate, m.handleActivate).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
