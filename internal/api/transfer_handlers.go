package api

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/chfs-io/chfs/internal/transfer"
)

// transferDTO is the public shape of a pending transfer.
type transferDTO struct {
	ID          string  `json:"id"`
	Sender      string  `json:"sender"`
	Recipient   string  `json:"recipient"`
	Filename    string  `json:"filename"`
	Size        int64   `json:"size"`
	ContentType string  `json:"contentType"`
	CreatedAt   float64 `json:"createdAt"`
	ExpiresAt   float64 `json:"expiresAt,omitempty"`
	DownloadURL string  `json:"downloadUrl"`
}

func toTransferDTO(entry *transfer.Entry) transferDTO {
	return transferDTO{
		ID:          entry.ID,
		Sender:      entry.Sender,
		Recipient:   entry.Recipient,
		Filename:    entry.Filename,
		Size:        entry.Size,
		ContentType: entry.ContentType,
		CreatedAt:   entry.CreatedAt,
		ExpiresAt:   entry.ExpiresAt,
		DownloadURL: "/api/direct-transfer/download/" + entry.ID,
	}
}

// handleTransferRecipients lists the usernames a transfer can be sent
// to: everyone except the sender.
func (s *Server) handleTransferRecipients(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	cfg := s.getter()
	recipients := make([]string, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		if u.Name != user.Name {
			recipients = append(recipients, u.Name)
		}
	}
	WriteSuccess(w, map[string]any{"recipients": recipients})
}

// handleTransferSend accepts a multipart form with recipient, an
// optional expiresIn (seconds) and the file payload. The text fields
// must precede the file part so the recipient is known before any
// payload byte is read.
func (s *Server) handleTransferSend(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		WriteError(w, http.StatusBadRequest, "multipart form required")
		return
	}

	var recipient string
	var expiresIn int64
	var filePart *multipart.Part
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			WriteError(w, http.StatusBadRequest, "malformed multipart form")
			return
		}
		switch part.FormName() {
		case "recipient":
			recipient = strings.TrimSpace(formValue(part))
		case "expiresIn":
			expiresIn, _ = strconv.ParseInt(strings.TrimSpace(formValue(part)), 10, 64)
		case "file":
			filePart = part
		}
		if filePart != nil {
			break
		}
	}
	if filePart == nil {
		WriteError(w, http.StatusBadRequest, "recipient and file are required")
		return
	}
	if recipient == "" {
		WriteError(w, http.StatusBadRequest, "recipient field must precede the file part")
		return
	}

	cfg := s.getter()
	if cfg.GetUser(recipient) == nil {
		WriteError(w, http.StatusNotFound, "recipient not found")
		return
	}
	if recipient == user.Name {
		WriteError(w, http.StatusBadRequest, "cannot send a transfer to yourself")
		return
	}

	entry, err := s.transfers.Create(r.Context(), user.Name, recipient,
		filePart.FileName(), filePart.Header.Get("Content-Type"),
		filePart, expiresIn, cfg.UI.MaxUploadSize)
	if err != nil {
		writeTransferError(w, err)
		return
	}

	s.metrics.AddUploadBytes(entry.Size)
	WriteSuccess(w, toTransferDTO(entry))
}

func (s *Server) handleTransferList(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	direction := r.URL.Query().Get("direction")
	entries, err := s.transfers.List(user.Name, direction)
	if err != nil {
		writeTransferError(w, err)
		return
	}

	items := make([]transferDTO, len(entries))
	for i, entry := range entries {
		items[i] = toTransferDTO(entry)
	}
	WriteSuccess(w, map[string]any{"transfers": items})
}

// handleTransferDownload delivers a pending transfer to its recipient.
// The metadata entry is removed before the first byte is streamed, so
// concurrent claims succeed at most once; the payload file is deleted
// when the stream ends either way.
func (s *Server) handleTransferDownload(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	id := r.PathValue("id")
	payload, entry, err := s.transfers.Claim(id, user.Name)
	if err != nil {
		writeTransferError(w, err)
		return
	}
	defer s.transfers.Finish(entry)

	f, err := os.Open(payload)
	if err != nil {
		s.logger.Error("Failed to open claimed payload", "id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	w.Header().Set("Content-Disposition", contentDisposition(entry.Filename))

	sent, err := io.Copy(w, f)
	s.metrics.AddDownloadBytes(sent)
	if err != nil {
		s.logger.Debug("Transfer download aborted", "id", id, "error", err)
	}
}

func (s *Server) handleTransferDelete(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	id := r.PathValue("id")
	entry, action, err := s.transfers.Delete(id, user.Name)
	if err != nil {
		writeTransferError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{
		"id":     entry.ID,
		"action": action,
	})
}
