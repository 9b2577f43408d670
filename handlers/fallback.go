package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lfusys/recorder-uploads/apperror"
	"github.com/lfusys/recorder-uploads/models"
)

const fallbackMaxMemory = 32 << 20

// FallbackChunkUpload implements the one-shot multipart fallback verb:
// form fields session_id, chunk_index, and a file part named "file"
// for clients that cannot do the resumable PATCH-based flow. Unlike
// the resumable append verb it always writes at offset 0, overwriting
// whatever partial attempt for that chunk exists, and is idempotent by
// checking whether the chunk is already persisted rather than by offset.
func (h *UploadHandler) FallbackChunkUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(fallbackMaxMemory); err != nil {
		writeAppError(w, apperror.Newf(apperror.KindBadIdentifier, "parse multipart form: %v", err))
		return
	}

	sessionID := r.FormValue("session_id")
	if err := h.ChunkStore.ValidateSessionID(sessionID); err != nil {
		writeAppError(w, err)
		return
	}
	index, err := strconv.ParseUint(r.FormValue("chunk_index"), 10, 32)
	if err != nil {
		writeAppError(w, apperror.Newf(apperror.KindBadIdentifier, "invalid chunk_index"))
		return
	}

	sess, err := h.Registry.Get(sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if sess.HalfKnown {
		writeAppError(w, apperror.ErrHalfKnown)
		return
	}

	if _, persisted := sess.ChunksPersisted[uint32(index)]; persisted {
		writeJSON(w, http.StatusOK, fallbackResponse{Status: "chunk_already_exists", ChunkIndex: uint32(index)})
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeAppError(w, apperror.Newf(apperror.KindBadIdentifier, "missing file part: %v", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeAppError(w, apperror.Newf(apperror.KindInternal, "read upload: %v", err))
		return
	}
	if h.MaxChunkBytes > 0 && int64(len(data)) > h.MaxChunkBytes {
		writeAppError(w, apperror.New(apperror.KindPayloadTooLarge, "chunk body exceeds max_chunk_bytes"))
		return
	}

	// Overwrite any partial prior attempt: truncate to zero before the
	// offset-0 write the resumable AppendAt expects.
	if err := h.ChunkStore.TruncateChunk(sessionID, uint32(index)); err != nil {
		writeAppError(w, apperror.Newf(apperror.KindInternal, "truncate chunk: %v", err))
		return
	}
	newSize, err := h.ChunkStore.AppendAt(sessionID, uint32(index), 0, data)
	if err != nil {
		writeAppError(w, err)
		return
	}

	_, err = h.Registry.Update(sessionID, func(cur *models.Session) (*models.Session, error) {
		cur.ChunkOffsets[uint32(index)] = newSize
		cur.ChunksPersisted[uint32(index)] = struct{}{}
		cur.ChunkSizes[uint32(index)] = newSize
		cur.LastActivityAt = time.Now()
		return cur, nil
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Delete(r.Context(), statusCacheKey(sessionID))
	}

	writeJSON(w, http.StatusCreated, fallbackResponse{Status: "chunk_received", ChunkIndex: uint32(index)})
}

type fallbackResponse struct {
	Status     string `json:"status"`
	ChunkIndex uint32 `json:"chunk_index"`
}
