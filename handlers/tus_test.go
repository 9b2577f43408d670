package handlers_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lfusys/recorder-uploads/caching"
	"github.com/lfusys/recorder-uploads/handlers"
	"github.com/lfusys/recorder-uploads/logging"
	"github.com/lfusys/recorder-uploads/services"
	"github.com/lfusys/recorder-uploads/store"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_"

func discardLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// harness wires a real Registry, ChunkStore, Assembler and Completion
// Coordinator against a temp directory, the same components services.go
// assembles for the process, minus the optional AWS/Redis components.
type harness struct {
	server *httptest.Server
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := discardLogger()

	cs, err := store.NewChunkStore(t.TempDir(), alphabet)
	require.NoError(t, err)
	registry := store.NewRegistry()

	assembler := services.NewAssembler(registry, cs, 0, 2, logger, nil, nil, nil)
	coordinator := services.NewCompletionCoordinator(registry, assembler, 5*time.Millisecond, 20*time.Millisecond, time.Minute, logger)

	ctx, cancel := context.WithCancel(context.Background())
	assembler.Start(ctx)

	uploadHandler := &handlers.UploadHandler{
		Registry:      registry,
		ChunkStore:    cs,
		Coordinator:   coordinator,
		Cache:         caching.NewNullCachingService(),
		Logger:        logger,
		MaxChunkBytes: 0,
	}

	mux := http.NewServeMux()
	uploadHandler.RegisterRoutes(mux)
	mux.HandleFunc("POST /api/upload/chunk", uploadHandler.FallbackChunkUpload)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	return &harness{server: srv, cancel: cancel}
}

func (h *harness) url(path string) string { return h.server.URL + path }

func uploadMetadata(fields map[string]string) string {
	out := ""
	for k, v := range fields {
		if out != "" {
			out += ","
		}
		out += k + " " + base64.StdEncoding.EncodeToString([]byte(v))
	}
	return out
}

func TestCreateChunkSlot(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.url("/api/sessions/sess-1/chunks/0"), nil)
	require.NoError(t, err)
	req.Header.Set("Upload-Metadata", uploadMetadata(map[string]string{
		"total_chunks":   "2",
		"recording_name": "clip",
		"format":         "wav",
	}))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "0", resp.Header.Get("Upload-Offset"))
	require.Equal(t, "/api/sessions/sess-1/chunks/0", resp.Header.Get("Location"))
	require.Equal(t, "1.0.0", resp.Header.Get("Tus-Resumable"))
}

func TestCreateChunkSlot_MetadataConflict(t *testing.T) {
	h := newHarness(t)
	createSession(t, h, "sess-conflict", 2, "clip", "wav")

	req, err := http.NewRequest(http.MethodPost, h.url("/api/sessions/sess-conflict/chunks/0"), nil)
	require.NoError(t, err)
	req.Header.Set("Upload-Metadata", uploadMetadata(map[string]string{
		"total_chunks":   "5",
		"recording_name": "clip",
		"format":         "wav",
	}))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAppendAndProbe(t *testing.T) {
	h := newHarness(t)
	createSession(t, h, "sess-2", 1, "clip", "wav")

	appendChunk(t, h, "sess-2", 0, 0, []byte("hello world"), true)

	req, err := http.NewRequest(http.MethodHead, h.url("/api/sessions/sess-2/chunks/0"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "11", resp.Header.Get("Upload-Offset"))
}

func TestAppend_OffsetMismatch(t *testing.T) {
	h := newHarness(t)
	createSession(t, h, "sess-3", 1, "clip", "wav")
	appendChunk(t, h, "sess-3", 0, 0, []byte("first"), false)

	req, err := http.NewRequest(http.MethodPatch, h.url("/api/sessions/sess-3/chunks/0"), bytesReader([]byte("second")))
	require.NoError(t, err)
	req.Header.Set("Upload-Offset", "0")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "5", resp.Header.Get("Upload-Offset"))
}

func TestFullFlow_AssembleAndStatus(t *testing.T) {
	h := newHarness(t)
	createSession(t, h, "sess-4", 2, "clip", "wav")
	appendChunk(t, h, "sess-4", 0, 0, []byte("hello "), true)
	appendChunk(t, h, "sess-4", 1, 0, []byte("world"), true)

	req, err := http.NewRequest(http.MethodPost, h.url("/api/sessions/sess-4/complete"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		st := getStatus(t, h, "sess-4")
		return st.AssemblyState == "done"
	}, 2*time.Second, 10*time.Millisecond)

	st := getStatus(t, h, "sess-4")
	require.NotEmpty(t, st.ArtifactPath)
	require.Empty(t, st.MissingIndices)
}

func TestCompletionSignal_WaitsForMissingChunks(t *testing.T) {
	h := newHarness(t)
	createSession(t, h, "sess-5", 2, "clip", "wav")
	appendChunk(t, h, "sess-5", 0, 0, []byte("only one"), true)

	req, err := http.NewRequest(http.MethodPost, h.url("/api/sessions/sess-5/complete"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	st := getStatus(t, h, "sess-5")
	require.Equal(t, "pending", st.AssemblyState)

	appendChunk(t, h, "sess-5", 1, 0, []byte("second"), true)

	require.Eventually(t, func() bool {
		return getStatus(t, h, "sess-5").AssemblyState == "done"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancel_RemovesSession(t *testing.T) {
	h := newHarness(t)
	createSession(t, h, "sess-6", 1, "clip", "wav")
	appendChunk(t, h, "sess-6", 0, 0, []byte("data"), true)

	req, err := http.NewRequest(http.MethodDelete, h.url("/api/sessions/sess-6"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	getReq, err := http.NewRequest(http.MethodGet, h.url("/api/sessions/sess-6"), nil)
	require.NoError(t, err)
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestUnknownSession_Status404(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodGet, h.url("/api/sessions/does-not-exist"), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFallbackChunkUpload(t *testing.T) {
	h := newHarness(t)
	createSession(t, h, "sess-7", 1, "clip", "wav")

	body, contentType := multipartBody(t, "sess-7", 0, []byte("fallback data"))
	req, err := http.NewRequest(http.MethodPost, h.url("/api/upload/chunk"), body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	st := getStatus(t, h, "sess-7")
	require.Equal(t, 1, st.PersistedCount)
}

// --- helpers ---

type statusBody struct {
	TotalChunks    uint32   `json:"total_chunks"`
	PersistedCount int      `json:"chunks_persisted_count"`
	MissingIndices []uint32 `json:"missing_indices"`
	AssemblyState  string   `json:"assembly_state"`
	ArtifactPath   string   `json:"artifact_path,omitempty"`
}

func getStatus(t *testing.T, h *harness, sessionID string) statusBody {
	t.Helper()
	resp, err := http.Get(h.url("/api/sessions/" + sessionID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out statusBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createSession(t *testing.T, h *harness, sessionID string, totalChunks int, name, format string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.url(fmt.Sprintf("/api/sessions/%s/chunks/0", sessionID)), nil)
	require.NoError(t, err)
	req.Header.Set("Upload-Metadata", uploadMetadata(map[string]string{
		"total_chunks":   fmt.Sprintf("%d", totalChunks),
		"recording_name": name,
		"format":         format,
	}))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func appendChunk(t *testing.T, h *harness, sessionID string, index uint32, offset int64, data []byte, complete bool) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPatch, h.url(fmt.Sprintf("/api/sessions/%s/chunks/%d", sessionID, index)), bytesReader(data))
	require.NoError(t, err)
	req.Header.Set("Upload-Offset", fmt.Sprintf("%d", offset))
	if complete {
		req.Header.Set("X-Chunk-Complete", "true")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func multipartBody(t *testing.T, sessionID string, index uint32, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("session_id", sessionID))
	require.NoError(t, mw.WriteField("chunk_index", fmt.Sprintf("%d", index)))
	part, err := mw.CreateFormFile("file", "chunk.bin")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}
