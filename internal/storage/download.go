package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/chfs-io/chfs/internal/httprange"
)

const downloadChunkSize = 64 * 1024

// Download is an open ranged read of a file. It reads in chunks of at
// most 64 KiB; Close releases the file handle and is safe to call after
// a partial transfer.
type Download struct {
	Name  string
	MIME  string
	Start int64
	End   int64 // inclusive; End < Start marks an empty range
	Size  int64

	file      *os.File
	remaining int64
}

// Length returns the number of body bytes to serve.
func (d *Download) Length() int64 {
	if d.End < d.Start {
		return 0
	}
	return d.End - d.Start + 1
}

func (d *Download) Read(p []byte) (int, error) {
	if d.remaining <= 0 {
		return 0, io.EOF
	}
	limit := int64(len(p))
	if limit > downloadChunkSize {
		limit = downloadChunkSize
	}
	if limit > d.remaining {
		limit = d.remaining
	}
	n, err := d.file.Read(p[:limit])
	d.remaining -= int64(n)
	if err == nil && d.remaining == 0 {
		return n, io.EOF
	}
	return n, err
}

// Close releases the underlying file handle.
func (d *Download) Close() error {
	return d.file.Close()
}

// OpenDownload opens share:rel for reading, resolving rng against the
// file size. rng may be nil for a full read.
func (g *Gateway) OpenDownload(ctx context.Context, shareName, rel string, rng *httprange.Range) (*Download, error) {
	_, abs, err := g.resolve("download", shareName, rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindNotFound, "download", nil)
		}
		return nil, newError(KindInternal, "download", err)
	}
	if info.IsDir() {
		return nil, newError(KindNotFound, "download", nil)
	}

	size := info.Size()
	start, end := int64(0), size-1
	if rng != nil {
		start, end = rng.Resolve(size)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, newError(KindInternal, "download", err)
	}

	if start > 0 && start <= size {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, newError(KindInternal, "download", err)
		}
	}

	d := &Download{
		Name:  filepath.Base(abs),
		MIME:  mimeType(abs, false),
		Start: start,
		End:   end,
		Size:  size,
		file:  f,
	}
	d.remaining = d.Length()
	return d, nil
}
