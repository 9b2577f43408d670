package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lfusys/recorder-uploads/apperror"
)

// writeAppError translates an apperror.Kind (or an unrecognized error,
// treated as internal) into a wire error, per spec §7's propagation
// policy: handlers translate internal error kinds. An unrecognized
// error is reported as KindInternal with its message as the detail.
func writeAppError(w http.ResponseWriter, err error) {
	appErr, ok := apperror.As(err)
	if !ok {
		if errors.Is(err, apperror.ErrUnknownSession) {
			appErr = apperror.ErrUnknownSession
		} else {
			appErr = apperror.New(apperror.KindInternal, err.Error())
		}
	}

	status := statusForKind(appErr.Kind)
	writeJSON(w, status, errorResponse{
		Error:  string(appErr.Kind),
		Detail: appErr.Message,
		Data:   appErr.Detail,
	})
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func statusForKind(kind apperror.Kind) int {
	switch kind {
	case apperror.KindBadIdentifier, apperror.KindMetadataConflict:
		return http.StatusBadRequest
	case apperror.KindUnknownSession, apperror.KindUnknownChunk:
		return http.StatusNotFound
	case apperror.KindOffsetMismatch:
		return http.StatusConflict
	case apperror.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperror.KindStorageFull:
		return http.StatusInsufficientStorage
	case apperror.KindAssemblyInProgress, apperror.KindHalfKnown:
		return http.StatusConflict
	case apperror.KindMissingChunks:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
