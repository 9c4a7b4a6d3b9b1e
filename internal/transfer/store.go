// Package transfer is the direct-transfer broker: a mediated file drop
// between two users with at-most-once delivery. Metadata lives in one
// JSON document next to the payload files; the entry is removed and
// persisted before the first payload byte is served, so concurrent
// claims resolve to exactly one winner.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/chfs-io/chfs/internal/utils"
)

const (
	idLength      = 12
	allocAttempts = 64
	copyChunkSize = 1024 * 1024
)

// Kind classifies a transfer failure for HTTP status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindTooLarge
	KindBadRequest
)

// Error is a transfer broker failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Entry is a pending transfer. Fields mirror the persisted metadata.
type Entry struct {
	ID             string  `json:"id"`
	Sender         string  `json:"sender"`
	Recipient      string  `json:"recipient"`
	Filename       string  `json:"filename"`
	StoredFilename string  `json:"stored_filename"`
	Size           int64   `json:"size"`
	ContentType    string  `json:"content_type"`
	CreatedAt      float64 `json:"created_at"`
	ExpiresAt      float64 `json:"expires_at,omitempty"` // zero means no expiry
}

type metaDocument struct {
	Transfers []*Entry `json:"transfers"`
}

// Store persists pending transfers and their payloads under baseDir.
// A single mutex guards metadata and payload allocation; payload
// streaming happens outside the lock.
type Store struct {
	baseDir  string
	metaPath string
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewStore opens (or creates) the transfer directory and loads any
// surviving metadata. Entries whose payload file is gone are dropped.
func NewStore(baseDir string) (*Store, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve transfer directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transfer directory: %w", err)
	}

	s := &Store{
		baseDir:  abs,
		metaPath: filepath.Join(abs, "transfers.json"),
		logger:   slog.Default(),
		entries:  make(map[string]*Entry),
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to read transfer metadata", "error", err)
		}
		return
	}

	var doc metaDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("Failed to parse transfer metadata", "error", err)
		return
	}

	loaded := 0
	for _, entry := range doc.Transfers {
		if entry == nil || entry.ID == "" || entry.StoredFilename == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.baseDir, entry.StoredFilename)); err != nil {
			s.logger.Info("Dropping transfer with missing payload", "id", entry.ID)
			continue
		}
		s.entries[entry.ID] = entry
		loaded++
	}
	if loaded > 0 {
		s.logger.Info("Loaded pending transfers", "count", loaded)
	}
}

// saveLocked persists the metadata document. Caller holds s.mu.
func (s *Store) saveLocked() error {
	doc := metaDocument{Transfers: make([]*Entry, 0, len(s.entries))}
	for _, entry := range s.entries {
		doc.Transfers = append(doc.Transfers, entry)
	}
	sort.Slice(doc.Transfers, func(i, j int) bool {
		return doc.Transfers[i].CreatedAt < doc.Transfers[j].CreatedAt
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transfer metadata: %w", err)
	}
	if err := atomic.WriteFile(s.metaPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write transfer metadata: %w", err)
	}
	return nil
}

// pruneLocked drops expired entries and entries whose payload vanished.
// Caller holds s.mu.
func (s *Store) pruneLocked() {
	now := float64(time.Now().Unix())
	removed := false
	for id, entry := range s.entries {
		expired := entry.ExpiresAt > 0 && entry.ExpiresAt < now
		if !expired {
			if _, err := os.Stat(filepath.Join(s.baseDir, entry.StoredFilename)); err == nil {
				continue
			}
		}
		s.logger.Info("Pruning transfer", "id", id, "expired", expired)
		delete(s.entries, id)
		s.removePayload(entry)
		removed = true
	}
	if removed {
		if err := s.saveLocked(); err != nil {
			s.logger.Error("Failed to persist pruned metadata", "error", err)
		}
	}
}

// allocateLocked picks an unused id and stored filename. Caller holds
// s.mu.
func (s *Store) allocateLocked(originalFilename string) (string, string, error) {
	ext := path.Ext(originalFilename)
	if ext == "" {
		ext = ".bin"
	}
	for i := 0; i < allocAttempts; i++ {
		id := utils.ShortID(idLength)
		stored := id + ext
		if _, taken := s.entries[id]; taken {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.baseDir, stored)); err == nil {
			continue
		}
		return id, stored, nil
	}
	return "", "", newError(KindInternal, "unable to allocate a transfer identifier")
}

func (s *Store) removePayload(entry *Entry) {
	if err := os.Remove(filepath.Join(s.baseDir, entry.StoredFilename)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to delete transfer payload", "id", entry.ID, "error", err)
	}
}

// Create streams the payload into a temp file, then allocates an id
// and publishes the entry under the store lock. expiresIn seconds of
// zero or less means no expiry; maxSize of zero or less means no cap.
func (s *Store) Create(ctx context.Context, sender, recipient, filename, contentType string, r io.Reader, expiresIn, maxSize int64) (*Entry, error) {
	tmpPath := filepath.Join(s.baseDir, "tmp-"+utils.ShortID(10))

	size, err := s.writePayload(ctx, tmpPath, r, maxSize)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	createdAt := float64(time.Now().Unix())
	var expiresAt float64
	if expiresIn > 0 {
		expiresAt = createdAt + float64(expiresIn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	id, stored, err := s.allocateLocked(filename)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, filepath.Join(s.baseDir, stored)); err != nil {
		_ = os.Remove(tmpPath)
		return nil, newError(KindInternal, "failed to store transfer payload")
	}

	if filename == "" {
		filename = stored
	}
	entry := &Entry{
		ID:             id,
		Sender:         sender,
		Recipient:      recipient,
		Filename:       filename,
		StoredFilename: stored,
		Size:           size,
		ContentType:    contentType,
		CreatedAt:      createdAt,
		ExpiresAt:      expiresAt,
	}
	s.entries[id] = entry
	if err := s.saveLocked(); err != nil {
		delete(s.entries, id)
		s.removePayload(entry)
		return nil, newError(KindInternal, "failed to persist transfer metadata")
	}

	s.logger.Info("Created direct transfer", "id", id, "sender", sender, "recipient", recipient, "bytes", size)
	return entry, nil
}

func (s *Store) writePayload(ctx context.Context, dest string, r io.Reader, maxSize int64) (int64, error) {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, newError(KindInternal, "failed to create transfer payload")
	}

	buf := make([]byte, copyChunkSize)
	var size int64
	for {
		if err := ctx.Err(); err != nil {
			_ = f.Close()
			return size, newError(KindInternal, "transfer upload cancelled")
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			size += int64(n)
			if maxSize > 0 && size > maxSize {
				_ = f.Close()
				return size, newError(KindTooLarge, fmt.Sprintf("file too large (max: %d bytes)", maxSize))
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				_ = f.Close()
				return size, newError(KindInternal, "failed to write transfer payload")
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = f.Close()
			return size, newError(KindInternal, "failed to read transfer upload")
		}
	}
	if err := f.Close(); err != nil {
		return size, newError(KindInternal, "failed to finish transfer payload")
	}
	return size, nil
}

// List returns the pending transfers involving username, newest first.
// direction is "incoming" (recipient) or "outgoing" (sender).
func (s *Store) List(username, direction string) ([]*Entry, error) {
	if direction != "incoming" && direction != "outgoing" {
		return nil, newError(KindBadRequest, "invalid transfer direction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	entries := make([]*Entry, 0)
	for _, entry := range s.entries {
		if direction == "incoming" && entry.Recipient == username {
			entries = append(entries, entry)
		}
		if direction == "outgoing" && entry.Sender == username {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt > entries[j].CreatedAt
	})
	return entries, nil
}

// Claim removes the entry from the metadata and persists the removal,
// then returns the payload path. Only the recipient may claim, and a
// given transfer can be claimed at most once; later callers get
// NotFound. The caller streams the payload and must call Finish.
func (s *Store) Claim(id, username string) (string, *Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	entry, ok := s.entries[id]
	if !ok {
		return "", nil, newError(KindNotFound, "transfer not found")
	}
	if entry.Recipient != username {
		return "", nil, newError(KindForbidden, "you do not have access to this transfer")
	}

	payload := filepath.Join(s.baseDir, entry.StoredFilename)
	if _, err := os.Stat(payload); err != nil {
		delete(s.entries, id)
		if serr := s.saveLocked(); serr != nil {
			s.logger.Error("Failed to persist metadata", "error", serr)
		}
		return "", nil, newError(KindNotFound, "transfer payload is no longer available")
	}

	delete(s.entries, id)
	if err := s.saveLocked(); err != nil {
		s.entries[id] = entry
		return "", nil, newError(KindInternal, "failed to persist transfer metadata")
	}
	return payload, entry, nil
}

// Finish deletes the payload after a claimed download completes,
// whether or not the stream succeeded.
func (s *Store) Finish(entry *Entry) {
	s.removePayload(entry)
	s.logger.Info("Direct transfer delivered", "id", entry.ID, "recipient", entry.Recipient)
}

// Delete removes a pending transfer without delivering it. The action
// is "cancelled" when the sender removes it and "dismissed" when the
// recipient does.
func (s *Store) Delete(id, username string) (*Entry, string, error) {
	s.mu.Lock()
	s.pruneLocked()

	entry, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, "", newError(KindNotFound, "transfer not found")
	}
	if username != entry.Sender && username != entry.Recipient {
		s.mu.Unlock()
		return nil, "", newError(KindForbidden, "you do not have access to this transfer")
	}

	delete(s.entries, id)
	if err := s.saveLocked(); err != nil {
		s.entries[id] = entry
		s.mu.Unlock()
		return nil, "", newError(KindInternal, "failed to persist transfer metadata")
	}
	s.mu.Unlock()

	s.removePayload(entry)
	action := "dismissed"
	if username == entry.Sender {
		action = "cancelled"
	}
	s.logger.Info("Direct transfer removed", "id", id, "by", username, "action", action)
	return entry, action, nil
}

// KindOf extracts the transfer kind from an error, or KindInternal.
func KindOf(err error) Kind {
	if te, ok := err.(*Error); ok {
		return te.Kind
	}
	return KindInternal
}
