package handlers

import (
	"net/http"
	"strings"

	"github.com/lfusys/recorder-uploads/apperror"
	"github.com/lfusys/recorder-uploads/models"
)

var extContentType = map[string]string{
	".webm": "audio/webm",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
}

// GetRecording implements GET /recordings/{session}/{file}: direct
// artifact retrieval by name once assembly has finished.
func (h *UploadHandler) GetRecording(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	file := r.PathValue("file")
	if file == "" || strings.Contains(file, "/") || strings.Contains(file, "..") {
		writeAppError(w, apperror.ErrBadIdentifier)
		return
	}

	sess, err := h.Registry.Get(sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if sess.AssemblyState != models.AssemblyDone {
		writeAppError(w, apperror.New(apperror.KindMissingChunks, "recording is not yet assembled"))
		return
	}

	path := h.ChunkStore.ArtifactPath(sessionID, file)
	if ct, ok := contentTypeForFile(file); ok {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeFile(w, r, path)
}

func contentTypeForFile(name string) (string, bool) {
	for ext, ct := range extContentType {
		if strings.HasSuffix(name, ext) {
			return ct, true
		}
	}
	return "", false
}
