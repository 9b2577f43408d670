// Package handlers implements the TUS-flavored resumable-upload
// protocol from spec §4.3/§6, wired on Go 1.22's method+pattern
// net/http.ServeMux routing rather than a third-party router.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lfusys/recorder-uploads/apperror"
	"github.com/lfusys/recorder-uploads/caching"
	"github.com/lfusys/recorder-uploads/logging"
	"github.com/lfusys/recorder-uploads/models"
	"github.com/lfusys/recorder-uploads/services"
	"github.com/lfusys/recorder-uploads/store"
)

const tusResumableVersion = "1.0.0"

// UploadHandler implements the resumable-upload verb table. Each
// method is a http.HandlerFunc registered by RegisterRoutes.
type UploadHandler struct {
	Registry      *store.Registry
	ChunkStore    *store.ChunkStore
	Coordinator   *services.CompletionCoordinator
	Cache         caching.CachingService
	Logger        logging.Logger
	MaxChunkBytes int64
}

// RegisterRoutes wires the resumable-upload verbs from spec §6 onto
// mux. The fallback multipart verb and health are registered by the
// caller (Services.RegisterRoutes), not here.
func (h *UploadHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions/{session}/chunks/{index}", h.CreateChunkSlot)
	mux.HandleFunc("PATCH /api/sessions/{session}/chunks/{index}", h.Append)
	mux.HandleFunc("HEAD /api/sessions/{session}/chunks/{index}", h.Probe)
	mux.HandleFunc("OPTIONS /api/sessions/{session}/chunks/{index}", h.ChunkOptions)
	mux.HandleFunc("OPTIONS /api/sessions/{session}/chunks", h.ChunkOptions)
	mux.HandleFunc("GET /api/sessions/{session}/chunks/{index}/verify", h.VerifyChunk)
	mux.HandleFunc("GET /api/sessions/{session}", h.Status)
	mux.HandleFunc("DELETE /api/sessions/{session}", h.Cancel)
	mux.HandleFunc("POST /api/sessions/{session}/complete", h.CompletionSignal)
	mux.HandleFunc("POST /api/sessions/{session}/assemble", h.Assemble)
}

func setTusHeaders(w http.ResponseWriter) {
	w.Header().Set("Tus-Resumable", tusResumableVersion)
}

// CreateChunkSlot implements verb (a): spec §4.3a.
func (h *UploadHandler) CreateChunkSlot(w http.ResponseWriter, r *http.Request) {
	setTusHeaders(w)
	sessionID := r.PathValue("session")
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	if err := h.ChunkStore.ValidateSessionID(sessionID); err != nil {
		writeAppError(w, err)
		return
	}

	fields := parseUploadMetadata(r.Header.Get("Upload-Metadata"))
	totalChunks, err := parseUintField(fields, "total_chunks")
	if err != nil {
		writeAppError(w, apperror.Newf(apperror.KindBadIdentifier, "invalid total_chunks: %v", err))
		return
	}
	if totalChunks == 0 {
		writeAppError(w, apperror.New(apperror.KindBadIdentifier, "total_chunks must be greater than zero"))
		return
	}
	recordingName := fields["recording_name"]
	format := fields["format"]
	var expectedTotalBytes uint64
	var hasExpectedTotalBytes bool
	if raw, ok := fields["expected_total_bytes"]; ok && raw != "" {
		expectedTotalBytes, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeAppError(w, apperror.Newf(apperror.KindBadIdentifier, "invalid expected_total_bytes: %v", err))
			return
		}
		hasExpectedTotalBytes = true
	}
	delete(fields, "chunk_index")
	delete(fields, "total_chunks")
	delete(fields, "recording_name")
	delete(fields, "format")
	delete(fields, "expected_total_bytes")

	sess, err := h.Registry.GetOrCreate(sessionID, store.CreateMetadata{
		TotalChunks:           uint32(totalChunks),
		RecordingName:         recordingName,
		Format:                format,
		ExpectedTotalBytes:    expectedTotalBytes,
		HasExpectedTotalBytes: hasExpectedTotalBytes,
		Passthrough:           fields,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	if index >= sess.TotalChunks {
		writeAppError(w, apperror.Newf(apperror.KindBadIdentifier, "chunk index %d out of range [0,%d)", index, sess.TotalChunks))
		return
	}

	if _, err := h.ChunkStore.EnsureChunkSlot(sessionID, index); err != nil {
		writeAppError(w, err)
		return
	}

	w.Header().Set("Location", chunkLocation(sessionID, index))
	w.Header().Set("Upload-Offset", "0")
	w.WriteHeader(http.StatusCreated)
}

// Append implements verb (b): spec §4.3b.
func (h *UploadHandler) Append(w http.ResponseWriter, r *http.Request) {
	setTusHeaders(w)
	sessionID := r.PathValue("session")
	index, ok := parseIndex(w, r)
	if !ok {
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

	declaredOffset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		writeAppError(w, apperror.Newf(apperror.KindBadIdentifier, "missing or invalid Upload-Offset"))
		return
	}

	if h.MaxChunkBytes > 0 && r.ContentLength > h.MaxChunkBytes {
		writeAppError(w, apperror.New(apperror.KindPayloadTooLarge, "chunk body exceeds max_chunk_bytes"))
		return
	}
	var bodyReader io.Reader = r.Body
	if h.MaxChunkBytes > 0 {
		bodyReader = io.LimitReader(r.Body, h.MaxChunkBytes+1)
	}
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		writeAppError(w, apperror.Newf(apperror.KindInternal, "read body: %v", err))
		return
	}
	if h.MaxChunkBytes > 0 && int64(len(body)) > h.MaxChunkBytes {
		writeAppError(w, apperror.New(apperror.KindPayloadTooLarge, "chunk body exceeds max_chunk_bytes"))
		return
	}

	newSize, err := h.ChunkStore.AppendAt(sessionID, index, declaredOffset, body)
	if err != nil {
		if appErr, ok := apperror.As(err); ok && appErr.Kind == apperror.KindOffsetMismatch {
			w.Header().Set("Upload-Offset", strconv.FormatInt(appErr.Detail.(apperror.OffsetMismatchDetail).ActualOffset, 10))
		}
		writeAppError(w, err)
		return
	}

	announced := int64(-1)
	if v, ok := sess.ChunkSizes[index]; ok {
		announced = v
	}
	explicitComplete := r.Header.Get("X-Chunk-Complete") == "true"

	_, err = h.Registry.Update(sessionID, func(cur *models.Session) (*models.Session, error) {
		cur.ChunkOffsets[index] = newSize
		if newSize == announced || explicitComplete {
			cur.ChunksPersisted[index] = struct{}{}
			cur.ChunkSizes[index] = newSize
		}
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

	w.Header().Set("Upload-Offset", strconv.FormatInt(newSize, 10))
	w.WriteHeader(http.StatusNoContent)
}

// Probe implements verb (c): spec §4.3c.
func (h *UploadHandler) Probe(w http.ResponseWriter, r *http.Request) {
	setTusHeaders(w)
	sessionID := r.PathValue("session")
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}

	if _, err := h.Registry.Get(sessionID); err != nil {
		writeAppError(w, err)
		return
	}

	size, exists, err := h.ChunkStore.SizeOf(sessionID, index)
	if err != nil {
		writeAppError(w, apperror.Newf(apperror.KindInternal, "probe: %v", err))
		return
	}
	if !exists {
		size = 0
	}
	w.Header().Set("Upload-Offset", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusNoContent)
}

// VerifyChunk implements verb (h): spec §4.3h.
func (h *UploadHandler) VerifyChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	index, ok := parseIndex(w, r)
	if !ok {
		return
	}
	if _, err := h.Registry.Get(sessionID); err != nil {
		writeAppError(w, err)
		return
	}
	size, exists, err := h.ChunkStore.SizeOf(sessionID, index)
	if err != nil {
		writeAppError(w, apperror.Newf(apperror.KindInternal, "verify: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Exists:   exists,
		Size:     size,
		PathHint: chunkLocation(sessionID, index),
	})
}

type verifyResponse struct {
	Exists   bool   `json:"exists"`
	Size     int64  `json:"size_on_disk"`
	PathHint string `json:"path_hint,omitempty"`
}

// Status implements verb (d): spec §4.3d.
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	if h.Cache != nil {
		if cached, ok, err := h.Cache.Get(r.Context(), statusCacheKey(sessionID)); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write(cached)
			return
		}
	}

	sess, err := h.Registry.Get(sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}

	resp := statusResponse{
		TotalChunks:    sess.TotalChunks,
		PersistedCount: len(sess.ChunksPersisted),
		MissingIndices: sess.MissingIndices(),
		AssemblyState:  string(sess.AssemblyState),
		ArtifactPath:   sess.AssemblyResultPath,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		writeAppError(w, apperror.Newf(apperror.KindInternal, "marshal status: %v", err))
		return
	}
	if h.Cache != nil && sess.AssemblyState == models.AssemblyDone {
		h.Cache.Set(r.Context(), statusCacheKey(sessionID), body, 0)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

type statusResponse struct {
	TotalChunks    uint32   `json:"total_chunks"`
	PersistedCount int      `json:"chunks_persisted_count"`
	MissingIndices []uint32 `json:"missing_indices"`
	AssemblyState  string   `json:"assembly_state"`
	ArtifactPath   string   `json:"artifact_path,omitempty"`
}

// CompletionSignal implements verb (e): spec §4.3e/§4.5.
func (h *UploadHandler) CompletionSignal(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r)
}

// Assemble implements verb (f): spec §4.3f.
func (h *UploadHandler) Assemble(w http.ResponseWriter, r *http.Request) {
	h.trigger(w, r)
}

func (h *UploadHandler) trigger(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	sess, err := h.Registry.Get(sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if sess.HalfKnown {
		writeAppError(w, apperror.ErrHalfKnown)
		return
	}
	if _, err := h.Registry.Update(sessionID, func(cur *models.Session) (*models.Session, error) {
		cur.LastActivityAt = time.Now()
		return cur, nil
	}); err != nil {
		writeAppError(w, err)
		return
	}

	state, err := h.Coordinator.Trigger(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if h.Cache != nil {
		h.Cache.Delete(r.Context(), statusCacheKey(sessionID))
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"assembly_state": string(state)})
}

// Cancel implements verb (g): spec §4.3g.
func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	sess, err := h.Registry.Get(sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if sess.AssemblyState == models.AssemblyInProgress {
		writeAppError(w, apperror.ErrAssemblyInProgress)
		return
	}
	if err := h.ChunkStore.DeleteSession(sessionID); err != nil {
		writeAppError(w, apperror.Newf(apperror.KindInternal, "cancel: %v", err))
		return
	}
	h.Registry.Delete(sessionID)
	if h.Cache != nil {
		h.Cache.Delete(r.Context(), statusCacheKey(sessionID))
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChunkOptions answers the CORS preflight requests browsers send ahead
// of the chunk-creation and chunk-upload verbs.
func (h *UploadHandler) ChunkOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "POST, PATCH, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Upload-Metadata, Upload-Offset, Tus-Resumable, Content-Type, X-Chunk-Complete")
	w.WriteHeader(http.StatusNoContent)
}

func statusCacheKey(sessionID string) string { return "status:" + sessionID }

func chunkLocation(sessionID string, index uint32) string {
	return "/api/sessions/" + sessionID + "/chunks/" + strconv.FormatUint(uint64(index), 10)
}

func parseIndex(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := r.PathValue("index")
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeAppError(w, apperror.Newf(apperror.KindBadIdentifier, "invalid chunk index %q", raw))
		return 0, false
	}
	return uint32(n), true
}

func parseUintField(fields map[string]string, key string) (uint64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, errors.New("missing field " + key)
	}
	return strconv.ParseUint(v, 10, 32)
}

// parseUploadMetadata decodes the TUS Upload-Metadata header: a
// comma-separated list of "key base64(value)" pairs.
func parseUploadMetadata(header string) map[string]string {
	fields := make(map[string]string)
	if header == "" {
		return fields
	}
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, " ", 2)
		key := parts[0]
		if key == "" {
			continue
		}
		if len(parts) == 1 {
			fields[key] = ""
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			continue
		}
		fields[key] = string(decoded)
	}
	return fields
}
