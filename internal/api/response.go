package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/chfs-io/chfs/internal/quota"
	"github.com/chfs-io/chfs/internal/storage"
	"github.com/chfs-io/chfs/internal/transfer"
)

// Response is the uniform envelope for every API reply. Code 0 is
// success; error codes mirror the HTTP status, with 1 reserved for
// generic failures.
type Response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

const (
	CodeOK    = 0
	CodeError = 1
)

// WriteSuccess sends a 200 envelope with data.
func WriteSuccess(w http.ResponseWriter, data any) {
	writeResponse(w, http.StatusOK, Response{Code: CodeOK, Msg: "ok", Data: data})
}

// WriteError sends an error envelope whose code mirrors the HTTP
// status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	writeResponse(w, status, Response{Code: status, Msg: msg})
}

// WriteUnauthorized sends a 401 with a Basic challenge.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="chfs"`)
	WriteError(w, http.StatusUnauthorized, "authentication required")
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode API response", "error", err)
	}
}

// writeStorageError maps a storage gateway failure onto the envelope.
func writeStorageError(w http.ResponseWriter, err error) {
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		WriteError(w, http.StatusRequestEntityTooLarge, exceeded.Error())
		return
	}

	switch storage.KindOf(err) {
	case storage.KindNotFound:
		WriteError(w, http.StatusNotFound, "not found")
	case storage.KindNotDir:
		WriteError(w, http.StatusBadRequest, "not a directory")
	case storage.KindExists:
		WriteError(w, http.StatusConflict, "already exists")
	case storage.KindParentMissing:
		WriteError(w, http.StatusNotFound, "parent directory does not exist")
	case storage.KindBadPath, storage.KindTraversal:
		WriteError(w, http.StatusBadRequest, "invalid path")
	case storage.KindTooLarge:
		WriteError(w, http.StatusRequestEntityTooLarge, "file too large")
	default:
		slog.Error("Storage operation failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeTransferError maps a transfer broker failure onto the envelope.
func writeTransferError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch transfer.KindOf(err) {
	case transfer.KindNotFound:
		WriteError(w, http.StatusNotFound, msg)
	case transfer.KindForbidden:
		WriteError(w, http.StatusForbidden, msg)
	case transfer.KindTooLarge:
		WriteError(w, http.StatusRequestEntityTooLarge, msg)
	case transfer.KindBadRequest:
		WriteError(w, http.StatusBadRequest, msg)
	default:
		slog.Error("Transfer operation failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
