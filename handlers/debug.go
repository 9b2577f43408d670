package handlers

import (
	"net/http"

	"github.com/lfusys/recorder-uploads/apperror"
)

// DebugHandler exposes GET /debug/session/{id}, an operator
// introspection aid listing the raw on-disk chunk state alongside the
// registry's view. It is kept separate from the client-facing verb table.
type DebugHandler struct {
	Handler *UploadHandler
}

func (d *DebugHandler) DebugSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	sess, err := d.Handler.Registry.Get(sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	chunks, err := d.Handler.ChunkStore.ListSession(sessionID)
	if err != nil {
		writeAppError(w, apperror.Newf(apperror.KindInternal, "list chunks: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, debugResponse{
		SessionID:           sess.SessionID,
		TotalChunks:         sess.TotalChunks,
		ChunksPersisted:     len(sess.ChunksPersisted),
		OnDiskChunks:        chunks,
		AssemblyState:       string(sess.AssemblyState),
		CompletionSignalled: sess.CompletionSignalled,
		HalfKnown:           sess.HalfKnown,
		Metadata:            sess.Metadata,
	})
}

type debugResponse struct {
	SessionID           string            `json:"session_id"`
	TotalChunks         uint32            `json:"total_chunks"`
	ChunksPersisted     int               `json:"chunks_persisted"`
	OnDiskChunks        any               `json:"on_disk_chunks"`
	AssemblyState       string            `json:"assembly_state"`
	CompletionSignalled bool              `json:"completion_signalled"`
	HalfKnown           bool              `json:"half_known"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}
