package models

import "time"

// AssembledEvent is published to the Assembly Event Publisher once a
// session reaches AssemblyDone, so an out-of-scope downstream pipeline
// (e.g. transcription) can react.
type AssembledEvent struct {
	EventID      string    `json:"event_id"`
	SessionID    string    `json:"session_id"`
	ArtifactPath string    `json:"artifact_path"`
	RecordingName string   `json:"recording_name"`
	Format       string    `json:"format"`
	TotalBytes   int64     `json:"total_bytes"`
	CompletedAt  time.Time `json:"completed_at"`
}

// LedgerEntry is one row of the Assembly Ledger audit sink, independent
// of and non-authoritative relative to the in-memory Session Registry.
type LedgerEntry struct {
	SessionID  string    `dynamodbav:"session_id"`
	Outcome    string    `dynamodbav:"outcome"` // "done" or "failed"
	Reason     string    `dynamodbav:"reason,omitempty"`
	TotalBytes int64     `dynamodbav:"total_bytes"`
	DurationMS int64     `dynamodbav:"duration_ms"`
	StartedAt  time.Time `dynamodbav:"started_at"`
	FinishedAt time.Time `dynamodbav:"finished_at"`
}
