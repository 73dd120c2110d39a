// Package delivery holds the data model shared by the delivery pipeline:
// requests, staged files, chunks, strategies and results.
package delivery

import (
	"fmt"
	"math"
)

// Size constants.
const (
	KB int64 = 1024
	MB       = 1024 * KB
	GB       = 1024 * MB
)

// Defaults for the transports.
const (
	PrimaryMaxFileSize = 50 * MB // primary transport per-file cap
	HardMaxFileSize    = 2 * GB  // secondary transport cap, also the absolute fetch ceiling
	DefaultChunkSize   = 45 * MB
)

// Request is a single, already-authorized delivery attempt.
type Request struct {
	URL              string
	Destination      int64 // chat the file is delivered to
	CallerID         int64 // who asked; only used for record keeping
	SizeCeiling      int64 // caller-imposed limit in bytes; <= 0 means the hard ceiling
	FilenameOverride string
}

// StagedFile is a fully downloaded local copy of the source URL.
type StagedFile struct {
	Path string
	Name string
	Size int64
	MIME string
}

// Strategy is the transport path chosen for a request.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyDirect
	StrategySecondaryLarge
	StrategySplitFallback
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategySecondaryLarge:
		return "secondary_large"
	case StrategySplitFallback:
		return "split_fallback"
	default:
		return "none"
	}
}

// MarshalText renders the strategy by name in JSON payloads.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Chunk is one contiguous slice of a staged file.
type Chunk struct {
	Path  string
	Name  string
	Index int // 1-based
	Size  int64
}

// ChunkCount returns how many chunks of chunkSize a file of size bytes needs.
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int(math.Ceil(float64(size) / float64(chunkSize)))
}

// Result is what the caller of Deliver gets back.
type Result struct {
	ID           string   `json:"id"`
	Success      bool     `json:"success"`
	Strategy     Strategy `json:"strategy"`
	Filename     string   `json:"filename,omitempty"`
	Size         int64    `json:"size"`
	BytesSent    int64    `json:"bytes_sent"`
	ChunksTotal  int      `json:"chunks_total,omitempty"`
	ChunksFailed []int    `json:"chunks_failed,omitempty"`
}

// FormatSize renders a byte count the way captions and chat replies show it.
func FormatSize(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d %s", n, units[0])
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}
