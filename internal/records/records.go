// Package records defines the transfer history kept for completed
// deliveries.
package records

import (
	"context"
	"time"
)

// Transfer is one completed delivery.
type Transfer struct {
	ID           string    `json:"id"`
	CallerID     int64     `json:"caller_id"`
	Destination  int64     `json:"destination"`
	URL          string    `json:"url"`
	Filename     string    `json:"filename"`
	MIME         string    `json:"mime,omitempty"`
	Size         int64     `json:"size"`
	BytesSent    int64     `json:"bytes_sent"`
	Strategy     string    `json:"strategy"`
	ChunksFailed []int     `json:"chunks_failed,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Stats aggregates recorded transfers.
type Stats struct {
	Transfers  int64            `json:"transfers"`
	Bytes      int64            `json:"bytes"`
	ByStrategy map[string]int64 `json:"by_strategy"`
}

// Recorder stores completed transfers.
type Recorder interface {
	RecordTransfer(ctx context.Context, t Transfer) error
}

// Reader lists recorded transfers. callerID 0 means all callers.
type Reader interface {
	ListTransfers(ctx context.Context, callerID int64, limit int) ([]Transfer, error)
	Stats(ctx context.Context) (*Stats, error)
}
