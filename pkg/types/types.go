package types

import "time"

// Limits describes the per-key size limits a cluster publishes. For
// erasure-coded clusters MaxValueSize is the drive limit multiplied by the
// number of data blocks in a stripe.
type Limits struct {
	MaxKeySize     int64 `json:"max_key_size"`
	MaxValueSize   int64 `json:"max_value_size"`
	MaxVersionSize int64 `json:"max_version_size"`
}

// Capacity is the aggregated capacity of all drives in a cluster.
type Capacity struct {
	BytesTotal uint64 `json:"bytes_total"`
	BytesFree  uint64 `json:"bytes_free"`
}

// KeyCounts accumulates the results of admin scan / repair / reset passes.
type KeyCounts struct {
	Total        int `json:"total"`
	Incomplete   int `json:"incomplete"`
	NeedAction   int `json:"need_action"`
	Repaired     int `json:"repaired"`
	Removed      int `json:"removed"`
	Unrepairable int `json:"unrepairable"`
}

// CacheStats is a snapshot of the data cache counters.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	TargetSize  int64   `json:"target_size"`
	Capacity    int64   `json:"capacity"`
	Pressure    float64 `json:"pressure"`
	Utilization float64 `json:"utilization"`
}

// DriveStatus is one drive's connectivity as seen by a cluster.
type DriveStatus struct {
	WWN         string    `json:"wwn"`
	Healthy     bool      `json:"healthy"`
	LastAttempt time.Time `json:"last_attempt"`
}

// RedundancyType selects how a cluster protects data across drives.
type RedundancyType int

const (
	// RedundancyErasure stripes values into data chunks plus parity chunks.
	RedundancyErasure RedundancyType = iota
	// RedundancyReplication stores full copies of the value.
	RedundancyReplication
)

// String returns the configuration name of the redundancy type.
func (r RedundancyType) String() string {
	switch r {
	case RedundancyErasure:
		return "erasure"
	case RedundancyReplication:
		return "replication"
	default:
		return "unknown"
	}
}
