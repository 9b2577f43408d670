package models

import "time"

// ArtifactMeta is the sidecar `{recording_name}.meta` content written
// alongside a completed artifact, per spec §3/§6.
type ArtifactMeta struct {
	SessionID    string            `json:"session_id"`
	TotalChunks  uint32            `json:"total_chunks"`
	TotalBytes   int64             `json:"total_bytes"`
	Format       string            `json:"format"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  time.Time         `json:"completed_at"`
	Passthrough  map[string]string `json:"passthrough,omitempty"`
}

// ChunkInfo is one (index, size) pair as returned by list_session.
type ChunkInfo struct {
	Index uint32
	Size  int64
}
