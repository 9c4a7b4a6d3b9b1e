package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chfs-io/chfs/internal/config"
	"github.com/chfs-io/chfs/internal/httprange"
	"github.com/chfs-io/chfs/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGateway(t *testing.T, quotaBytes int64) (*Gateway, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Shares = []config.ShareConfig{{Name: "pub", Path: dir, QuotaBytes: quotaBytes}}
	g := NewGateway(func() *config.Config { return cfg }, quota.NewManager())
	return g, dir
}

func mustWrite(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestList(t *testing.T) {
	g, dir := testGateway(t, 0)
	mustWrite(t, dir, "beta.txt", "b")
	mustWrite(t, dir, "Alpha.txt", "a")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "zdir"), 0755))

	files, err := g.List(context.Background(), "pub", "")
	require.NoError(t, err)
	require.Len(t, files, 3)

	// Directories first, then case-insensitive by name.
	assert.Equal(t, "zdir", files[0].Name)
	assert.True(t, files[0].IsDir)
	assert.Equal(t, "Alpha.txt", files[1].Name)
	assert.Equal(t, "beta.txt", files[2].Name)
	assert.Equal(t, "text/plain; charset=utf-8", files[2].MIMEType)
}

func TestList_Errors(t *testing.T) {
	g, dir := testGateway(t, 0)
	mustWrite(t, dir, "file.txt", "x")

	_, err := g.List(context.Background(), "pub", "missing")
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = g.List(context.Background(), "pub", "file.txt")
	assert.Equal(t, KindNotDir, KindOf(err))

	_, err = g.List(context.Background(), "ghost", "")
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = g.List(context.Background(), "pub", "../etc")
	assert.Equal(t, KindTraversal, KindOf(err))
}

func TestMkdir(t *testing.T) {
	g, dir := testGateway(t, 0)

	require.NoError(t, g.Mkdir(context.Background(), "pub", "newdir"))
	info, err := os.Stat(filepath.Join(dir, "newdir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	err = g.Mkdir(context.Background(), "pub", "newdir")
	assert.Equal(t, KindExists, KindOf(err))

	err = g.Mkdir(context.Background(), "pub", "a/b/c")
	assert.Equal(t, KindParentMissing, KindOf(err))
}

func TestRename(t *testing.T) {
	g, dir := testGateway(t, 0)
	mustWrite(t, dir, "a/old.txt", "data")
	mustWrite(t, dir, "a/taken.txt", "other")

	require.NoError(t, g.Rename(context.Background(), "pub", "a/old.txt", "new.txt"))
	assert.FileExists(t, filepath.Join(dir, "a", "new.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "a", "old.txt"))

	// Bad new names never touch the file.
	err := g.Rename(context.Background(), "pub", "a/new.txt", "../x")
	assert.Equal(t, KindBadPath, KindOf(err))
	assert.FileExists(t, filepath.Join(dir, "a", "new.txt"))

	// Existing targets conflict and leave both files intact.
	err = g.Rename(context.Background(), "pub", "a/new.txt", "taken.txt")
	assert.Equal(t, KindExists, KindOf(err))
	assert.FileExists(t, filepath.Join(dir, "a", "new.txt"))
	content, _ := os.ReadFile(filepath.Join(dir, "a", "taken.txt"))
	assert.Equal(t, "other", string(content))

	err = g.Rename(context.Background(), "pub", "a/missing.txt", "x.txt")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestDelete(t *testing.T) {
	g, dir := testGateway(t, 0)
	mustWrite(t, dir, "sub/deep/file.txt", "x")

	require.NoError(t, g.Delete(context.Background(), "pub", "sub"))
	assert.NoDirExists(t, filepath.Join(dir, "sub"))

	err := g.Delete(context.Background(), "pub", "sub")
	assert.Equal(t, KindNotFound, KindOf(err))

	// The share root itself is protected.
	err = g.Delete(context.Background(), "pub", "")
	assert.Equal(t, KindBadPath, KindOf(err))
}

func TestUpload(t *testing.T) {
	g, dir := testGateway(t, 0)

	n, err := g.Upload(context.Background(), "pub", "a/b", "hi.txt", strings.NewReader("hello"), -1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	content, err := os.ReadFile(filepath.Join(dir, "a", "b", "hi.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	// Existing target conflicts.
	_, err = g.Upload(context.Background(), "pub", "a/b", "hi.txt", strings.NewReader("x"), -1, 0)
	assert.Equal(t, KindExists, KindOf(err))
}

func TestUpload_SanitizesFilename(t *testing.T) {
	g, dir := testGateway(t, 0)

	_, err := g.Upload(context.Background(), "pub", "", `we<ird>.txt`, strings.NewReader("x"), -1, 0)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "we_ird_.txt"))
}

func TestUpload_MaxSize(t *testing.T) {
	g, dir := testGateway(t, 0)

	// Exactly max size succeeds.
	n, err := g.Upload(context.Background(), "pub", "", "ok.bin", strings.NewReader(strings.Repeat("x", 10)), -1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	// One more byte fails and leaves no file behind.
	_, err = g.Upload(context.Background(), "pub", "", "big.bin", strings.NewReader(strings.Repeat("x", 11)), -1, 10)
	assert.Equal(t, KindTooLarge, KindOf(err))
	assert.NoFileExists(t, filepath.Join(dir, "big.bin"))

	// A declared length over the cap is rejected before any byte.
	_, err = g.Upload(context.Background(), "pub", "", "big2.bin", strings.NewReader("x"), 11, 10)
	assert.Equal(t, KindTooLarge, KindOf(err))
}

func TestUpload_Quota(t *testing.T) {
	g, dir := testGateway(t, 10)

	n, err := g.Upload(context.Background(), "pub", "", "a.bin", strings.NewReader(strings.Repeat("x", 8)), -1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	// Over quota: the new file is removed.
	_, err = g.Upload(context.Background(), "pub", "", "b.bin", strings.NewReader(strings.Repeat("x", 8)), -1, 0)
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.NoFileExists(t, filepath.Join(dir, "b.bin"))

	// Declared length over quota is rejected up front.
	_, err = g.Upload(context.Background(), "pub", "", "c.bin", strings.NewReader("x"), 100, 0)
	require.ErrorAs(t, err, &exceeded)
}

func TestUpload_CancelledContext(t *testing.T) {
	g, dir := testGateway(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Upload(ctx, "pub", "", "x.bin", strings.NewReader("data"), -1, 0)
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "x.bin"))
}

func TestOpenDownload(t *testing.T) {
	g, dir := testGateway(t, 0)
	mustWrite(t, dir, "hello.txt", "hello")

	d, err := g.OpenDownload(context.Background(), "pub", "hello.txt", nil)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, int64(0), d.Start)
	assert.Equal(t, int64(4), d.End)
	assert.Equal(t, int64(5), d.Size)
	assert.Equal(t, int64(5), d.Length())

	body, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestOpenDownload_Range(t *testing.T) {
	g, dir := testGateway(t, 0)
	mustWrite(t, dir, "hello.txt", "hello")

	d, err := g.OpenDownload(context.Background(), "pub", "hello.txt", &httprange.Range{Start: 0, End: 3})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, int64(0), d.Start)
	assert.Equal(t, int64(3), d.End)
	body, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, "hell", string(body))
}

func TestOpenDownload_EmptyFileRange(t *testing.T) {
	g, dir := testGateway(t, 0)
	mustWrite(t, dir, "empty.txt", "")

	d, err := g.OpenDownload(context.Background(), "pub", "empty.txt", &httprange.Range{Start: 0, End: -1})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, int64(0), d.Length())
	body, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestOpenDownload_Errors(t *testing.T) {
	g, dir := testGateway(t, 0)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d"), 0755))

	_, err := g.OpenDownload(context.Background(), "pub", "missing.txt", nil)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = g.OpenDownload(context.Background(), "pub", "d", nil)
	assert.Equal(t, KindNotFound, KindOf(err))
}
