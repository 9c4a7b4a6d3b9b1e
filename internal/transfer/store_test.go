package transfer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "transfers"))
	require.NoError(t, err)
	return s
}

func createTransfer(t *testing.T, s *Store, sender, recipient, filename, body string) *Entry {
	t.Helper()
	entry, err := s.Create(context.Background(), sender, recipient, filename, "text/plain", strings.NewReader(body), 0, 0)
	require.NoError(t, err)
	return entry
}

func TestCreate(t *testing.T) {
	s := newStore(t)

	entry := createTransfer(t, s, "alice", "bob", "notes.txt", "hello bob")
	assert.Len(t, entry.ID, 12)
	assert.Equal(t, entry.ID+".txt", entry.StoredFilename)
	assert.Equal(t, int64(9), entry.Size)
	assert.Equal(t, "text/plain", entry.ContentType)
	assert.Zero(t, entry.ExpiresAt)

	payload, err := os.ReadFile(filepath.Join(s.baseDir, entry.StoredFilename))
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(payload))

	// No temp file is left behind.
	entries, err := os.ReadDir(s.baseDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "tmp-"), e.Name())
	}
}

func TestCreate_NoExtension(t *testing.T) {
	s := newStore(t)
	entry := createTransfer(t, s, "alice", "bob", "README", "x")
	assert.Equal(t, entry.ID+".bin", entry.StoredFilename)
}

func TestCreate_TooLarge(t *testing.T) {
	s := newStore(t)

	_, err := s.Create(context.Background(), "alice", "bob", "big.bin", "", strings.NewReader(strings.Repeat("x", 20)), 0, 10)
	assert.Equal(t, KindTooLarge, KindOf(err))

	entries, rerr := os.ReadDir(s.baseDir)
	require.NoError(t, rerr)
	assert.Len(t, entries, 0)
}

func TestList(t *testing.T) {
	s := newStore(t)
	createTransfer(t, s, "alice", "bob", "one.txt", "1")
	createTransfer(t, s, "bob", "alice", "two.txt", "2")

	incoming, err := s.List("bob", "incoming")
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, "one.txt", incoming[0].Filename)

	outgoing, err := s.List("bob", "outgoing")
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	assert.Equal(t, "two.txt", outgoing[0].Filename)

	_, err = s.List("bob", "sideways")
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestClaim(t *testing.T) {
	s := newStore(t)
	entry := createTransfer(t, s, "alice", "bob", "notes.txt", "hello")

	// Wrong recipient.
	_, _, err := s.Claim(entry.ID, "alice")
	assert.Equal(t, KindForbidden, KindOf(err))

	payload, claimed, err := s.Claim(entry.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, claimed.ID)
	assert.FileExists(t, payload)

	// The entry is gone from the metadata before the stream starts.
	_, _, err = s.Claim(entry.ID, "bob")
	assert.Equal(t, KindNotFound, KindOf(err))

	s.Finish(claimed)
	assert.NoFileExists(t, payload)
}

func TestClaim_AtMostOnce(t *testing.T) {
	s := newStore(t)
	entry := createTransfer(t, s, "alice", "bob", "notes.txt", "hello")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.Claim(entry.ID, "bob"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestDelete(t *testing.T) {
	s := newStore(t)

	entry := createTransfer(t, s, "alice", "bob", "a.txt", "x")
	_, _, err := s.Delete(entry.ID, "mallory")
	assert.Equal(t, KindForbidden, KindOf(err))

	_, action, err := s.Delete(entry.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", action)
	assert.NoFileExists(t, filepath.Join(s.baseDir, entry.StoredFilename))

	entry = createTransfer(t, s, "alice", "bob", "b.txt", "x")
	_, action, err = s.Delete(entry.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "dismissed", action)

	_, _, err = s.Delete("nope", "alice")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestReload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "transfers")
	s, err := NewStore(dir)
	require.NoError(t, err)
	entry := createTransfer(t, s, "alice", "bob", "keep.txt", "kept")
	orphan := createTransfer(t, s, "alice", "bob", "gone.txt", "lost")

	// Simulate a payload deleted out from under the store.
	require.NoError(t, os.Remove(filepath.Join(dir, orphan.StoredFilename)))

	reloaded, err := NewStore(dir)
	require.NoError(t, err)

	incoming, err := reloaded.List("bob", "incoming")
	require.NoError(t, err)
	require.Len(t, incoming, 1)
	assert.Equal(t, entry.ID, incoming[0].ID)
}

func TestExpiry(t *testing.T) {
	s := newStore(t)

	entry, err := s.Create(context.Background(), "alice", "bob", "short.txt", "", strings.NewReader("x"), 60, 0)
	require.NoError(t, err)
	require.NotZero(t, entry.ExpiresAt)

	// Force the entry into the past and let the next operation prune it.
	s.mu.Lock()
	s.entries[entry.ID].ExpiresAt = 1
	s.mu.Unlock()

	incoming, err := s.List("bob", "incoming")
	require.NoError(t, err)
	assert.Len(t, incoming, 0)
	assert.NoFileExists(t, filepath.Join(s.baseDir, entry.StoredFilename))
}
