package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/chfs-io/chfs/internal/config"
	"github.com/chfs-io/chfs/internal/httprange"
	"github.com/chfs-io/chfs/internal/ipfilter"
)

// handleSession returns the current principal and the share roots it
// can reach from this address.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	roots := s.evaluator.AccessibleRoots(user, ipfilter.ClientIP(r))
	if roots == nil {
		roots = []string{}
	}
	WriteSuccess(w, map[string]any{
		"user":    user.Name,
		"dynamic": user.Dynamic,
		"roots":   roots,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	root := r.URL.Query().Get("root")
	rel := r.URL.Query().Get("path")
	if root == "" {
		WriteError(w, http.StatusBadRequest, "root is required")
		return
	}
	if !s.authorize(w, r, user, config.PermRead, root, rel) {
		return
	}

	files, err := s.gateway.List(r.Context(), root, rel)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{
		"root":  root,
		"path":  rel,
		"files": files,
	})
}

// handleUpload streams a multipart upload. The root and path fields
// must precede the file part so authorization runs before any payload
// byte is read.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		WriteError(w, http.StatusBadRequest, "multipart form required")
		return
	}

	var root, rel string
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
		case "root":
			root = formValue(part)
		case "path":
			rel = formValue(part)
		case "file":
			filePart = part
		}
		if filePart != nil {
			break
		}
	}
	if filePart == nil {
		WriteError(w, http.StatusBadRequest, "root and file are required")
		return
	}
	if root == "" {
		WriteError(w, http.StatusBadRequest, "root field must precede the file part")
		return
	}
	if !s.authorize(w, r, user, config.PermWrite, root, rel) {
		return
	}

	maxSize := int64(0)
	if cfg := s.getter(); cfg != nil {
		maxSize = cfg.UI.MaxUploadSize
	}
	// Multipart encoding hides the file's own length, so the declared
	// size is unknown and quota is enforced on the written bytes.
	written, err := s.gateway.Upload(r.Context(), root, rel, filePart.FileName(), filePart, -1, maxSize)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	s.metrics.AddUploadBytes(written)
	WriteSuccess(w, map[string]any{
		"name": filePart.FileName(),
		"size": written,
	})
}

func formValue(part *multipart.Part) string {
	data, err := io.ReadAll(io.LimitReader(part, 4096))
	if err != nil {
		return ""
	}
	return string(data)
}

type pathRequest struct {
	Root    string   `json:"root"`
	Path    string   `json:"path"`
	Paths   []string `json:"paths"`
	NewName string   `json:"newName"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	var req pathRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Root == "" || req.Path == "" {
		WriteError(w, http.StatusBadRequest, "root and path are required")
		return
	}
	if !s.authorize(w, r, user, config.PermWrite, req.Root, req.Path) {
		return
	}

	if err := s.gateway.Mkdir(r.Context(), req.Root, req.Path); err != nil {
		writeStorageError(w, err)
		return
	}
	WriteSuccess(w, nil)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	var req pathRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Root == "" || req.Path == "" || req.NewName == "" {
		WriteError(w, http.StatusBadRequest, "root, path and newName are required")
		return
	}
	if !s.authorize(w, r, user, config.PermWrite, req.Root, req.Path) {
		return
	}

	if err := s.gateway.Rename(r.Context(), req.Root, req.Path, req.NewName); err != nil {
		writeStorageError(w, err)
		return
	}
	WriteSuccess(w, nil)
}

// handleDelete removes each requested path, reporting per-path results
// instead of failing the batch.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	var req pathRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Root == "" || len(req.Paths) == 0 {
		WriteError(w, http.StatusBadRequest, "root and paths are required")
		return
	}

	deleted := []string{}
	failed := []string{}
	ip := ipfilter.ClientIP(r)
	for _, rel := range req.Paths {
		if allowed, _ := s.evaluator.Evaluate(user, config.PermDelete, req.Root, rel, ip); !allowed {
			failed = append(failed, rel)
			continue
		}
		if err := s.gateway.Delete(r.Context(), req.Root, rel); err != nil {
			failed = append(failed, rel)
			continue
		}
		deleted = append(deleted, rel)
	}
	WriteSuccess(w, map[string]any{
		"deleted": deleted,
		"failed":  failed,
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	user := s.requirePrincipal(w, r)
	if user == nil {
		return
	}

	root := r.URL.Query().Get("root")
	rel := r.URL.Query().Get("path")
	if root == "" || rel == "" {
		WriteError(w, http.StatusBadRequest, "root and path are required")
		return
	}
	if !s.authorize(w, r, user, config.PermRead, root, rel) {
		return
	}

	var rng *httprange.Range
	if header := r.Header.Get("Range"); header != "" {
		parsed, err := httprange.Parse(header)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid range header")
			return
		}
		rng = parsed
	}

	download, err := s.gateway.OpenDownload(r.Context(), root, rel, rng)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	defer download.Close()

	w.Header().Set("Content-Type", download.MIME)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Disposition", contentDisposition(download.Name))
	w.Header().Set("Content-Length", strconv.FormatInt(download.Length(), 10))
	if rng != nil {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", download.Start, download.End, download.Size))
		w.WriteHeader(http.StatusPartialContent)
	}

	sent, err := io.Copy(w, download)
	s.metrics.AddDownloadBytes(sent)
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.logger.Debug("Download aborted", "root", root, "path", rel, "error", err)
	}
}

// contentDisposition builds an attachment header with an RFC 5987
// encoded filename alongside an ASCII fallback.
func contentDisposition(name string) string {
	fallback := make([]rune, 0, len(name))
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			fallback = append(fallback, '_')
		} else {
			fallback = append(fallback, r)
		}
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		string(fallback), url.PathEscape(name))
}
