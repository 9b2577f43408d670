// Package models holds the data model shared by the store, service
// and handler layers: the Session record (spec §3), assembly states,
// and the completed-artifact sidecar metadata.
package models

import "time"

// AssemblyState is the per-session assembly state machine from spec
// §3 / §4.4: none -> pending -> in_progress -> {done, failed}, monotone
// over the order listed.
type AssemblyState string

const (
	AssemblyNone       AssemblyState = "none"
	AssemblyPending    AssemblyState = "pending"
	AssemblyInProgress AssemblyState = "in_progress"
	AssemblyDone       AssemblyState = "done"
	AssemblyFailed     AssemblyState = "failed"
)

// Session is one active or recently-completed upload, per spec §3.
// Every mutation of a Session goes through the Session Registry's
// Update, which serializes access per session_id.
type Session struct {
	SessionID   string
	TotalChunks uint32
	// ExpectedTotalBytes is optional; it is meaningful only when
	// HasExpectedTotalBytes is true.
	ExpectedTotalBytes    uint64
	HasExpectedTotalBytes bool

	// ChunksPersisted is the set of chunk indices whose on-disk size
	// equals their announced size (or were explicitly flagged
	// complete). Subset of [0, TotalChunks).
	ChunksPersisted map[uint32]struct{}
	// ChunkSizes is an advisory cache of on-disk chunk size, recorded
	// when append or the fallback upload persists a chunk and on
	// hydration; probe does not update it. The file is authoritative.
	ChunkSizes map[uint32]int64
	// ChunkOffsets tracks the last-accepted offset per chunk, including
	// partially-written chunks not yet in ChunksPersisted.
	ChunkOffsets map[uint32]int64

	RecordingName string
	Format        string
	// Metadata holds passthrough key/value pairs from create-chunk-slot
	// beyond chunk_index/total_chunks/recording_name/format, persisted
	// verbatim into the sidecar metadata file at assembly time.
	Metadata map[string]string

	CreatedAt      time.Time
	LastActivityAt time.Time

	CompletionSignalled bool
	AssemblyState       AssemblyState
	// AssemblyResultPath is set iff AssemblyState is done.
	AssemblyResultPath string
	// AssemblyError is set iff AssemblyState is failed.
	AssemblyError string
	// AssemblyCompletedAt is set iff AssemblyState is done or failed.
	AssemblyCompletedAt time.Time

	// HalfKnown is true when the record was rehydrated from disk after
	// a restart but the client has not yet re-supplied TotalChunks /
	// RecordingName / Format (spec §4.2). Only probe, status and
	// cancel are accepted while true.
	HalfKnown bool
}

// Clone returns a deep-enough copy for safe use outside the registry's
// per-session lock: map fields are copied, not shared.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ChunksPersisted = make(map[uint32]struct{}, len(s.ChunksPersisted))
	for k, v := range s.ChunksPersisted {
		c.ChunksPersisted[k] = v
	}
	c.ChunkSizes = make(map[uint32]int64, len(s.ChunkSizes))
	for k, v := range s.ChunkSizes {
		c.ChunkSizes[k] = v
	}
	c.ChunkOffsets = make(map[uint32]int64, len(s.ChunkOffsets))
	for k, v := range s.ChunkOffsets {
		c.ChunkOffsets[k] = v
	}
	c.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// MissingIndices returns the sorted list of chunk indices in
// [0, TotalChunks) not yet in ChunksPersisted.
func (s *Session) MissingIndices() []uint32 {
	var missing []uint32
	for i := uint32(0); i < s.TotalChunks; i++ {
		if _, ok := s.ChunksPersisted[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// AllChunksPersisted reports whether every index in [0, TotalChunks)
// is in ChunksPersisted.
func (s *Session) AllChunksPersisted() bool {
	return s.TotalChunks > 0 && len(s.ChunksPersisted) == int(s.TotalChunks) && len(s.MissingIndices()) == 0
}
