package flow

// IngestRequest is the FSM input describing one image to ingest.
type IngestRequest struct {
	ImageID         string
	Name            string
	DiskFormat      string
	ContainerFormat string
	IsPublic        bool
	Protected       bool
	Owner           string

	// FilePath streams a local file through the upload protocol;
	// CopyFrom pulls from an external store. At most one is set.
	FilePath string
	CopyFrom string
}

// IngestResponse is the FSM output, accumulated across transitions.
type IngestResponse struct {
	// From Reserve
	ImageID string

	// From Transfer
	Location string
	Size     int64
	Checksum string

	// From Activate / Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateReserve  = "reserve"
	StateTransfer = "transfer"
	StateActivate = "activate"
	StateFailed   = "failed"
)
