package journal

import (
	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/pkg/types"
)

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the records of the pending-commit journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventPending  EventType = "PENDING"  // Catalog write failed; history kept here until it lands
	EventResolved EventType = "RESOLVED" // A later write of the image's history succeeded
)

// Event is one journal record (one JSON line)
type Event struct {
	Seq       uint64          `json:"seq"`       // Monotonically increasing, starts at 1
	Type      EventType       `json:"type"`      // Event type
	Image     types.ImageID   `json:"image"`     // Image whose history is affected
	Snapshots []edit.Snapshot `json:"snapshots,omitempty"`
	Head      int             `json:"head"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Checksum  uint32          `json:"checksum"`  // CRC32 over the record with Checksum zeroed
}

// EventHandler processes one event during Replay.
type EventHandler func(event Event) error
