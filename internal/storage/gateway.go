// Package storage is the gateway between the HTTP surfaces and the
// filesystem. Every operation takes a (share, relative path) pair and
// resolves it through the path resolver, so no absolute path handed to
// the OS can leave its share root.
package storage

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chfs-io/chfs/internal/config"
	"github.com/chfs-io/chfs/internal/pathutil"
	"github.com/chfs-io/chfs/internal/quota"
)

const uploadChunkSize = 1024 * 1024

// FileInfo describes one directory entry.
type FileInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	IsDir    bool   `json:"is_dir"`
	Modified int64  `json:"modified"`
	MIMEType string `json:"mime_type"`
}

// Gateway performs share-scoped filesystem operations.
type Gateway struct {
	getter config.Getter
	quota  *quota.Manager
	logger *slog.Logger
}

// NewGateway creates a storage gateway.
func NewGateway(getter config.Getter, quotaManager *quota.Manager) *Gateway {
	return &Gateway{
		getter: getter,
		quota:  quotaManager,
		logger: slog.Default(),
	}
}

// Share resolves a share by name.
func (g *Gateway) Share(name string) (config.ShareConfig, error) {
	cfg := g.getter()
	if cfg != nil {
		if share := cfg.GetShare(name); share != nil {
			return *share, nil
		}
	}
	return config.ShareConfig{}, newError(KindNotFound, "share", nil)
}

func (g *Gateway) resolve(op, shareName, rel string) (config.ShareConfig, string, error) {
	share, err := g.Share(shareName)
	if err != nil {
		return config.ShareConfig{}, "", err
	}
	abs, err := pathutil.SafeJoin(share.Path, rel)
	if err != nil {
		return config.ShareConfig{}, "", pathError(op, err)
	}
	return share, abs, nil
}

// List returns the entries of a directory, directories first, then by
// name case-insensitively.
func (g *Gateway) List(ctx context.Context, shareName, rel string) ([]FileInfo, error) {
	_, abs, err := g.resolve("list", shareName, rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindNotFound, "list", nil)
		}
		return nil, newError(KindInternal, "list", err)
	}
	if !info.IsDir() {
		return nil, newError(KindNotDir, "list", nil)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, newError(KindInternal, "list", err)
	}

	relNorm := strings.Trim(strings.ReplaceAll(rel, "\\", "/"), "/")
	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		childRel := entry.Name()
		if relNorm != "" {
			childRel = relNorm + "/" + entry.Name()
		}
		files = append(files, FileInfo{
			Name:     entry.Name(),
			Path:     childRel,
			Size:     fi.Size(),
			IsDir:    fi.IsDir(),
			Modified: fi.ModTime().Unix(),
			MIMEType: mimeType(entry.Name(), fi.IsDir()),
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].IsDir != files[j].IsDir {
			return files[i].IsDir
		}
		return strings.ToLower(files[i].Name) < strings.ToLower(files[j].Name)
	})

	return files, nil
}

// Mkdir creates a single directory. The parent must already exist.
func (g *Gateway) Mkdir(ctx context.Context, shareName, rel string) error {
	_, abs, err := g.resolve("mkdir", shareName, rel)
	if err != nil {
		return err
	}

	if err := os.Mkdir(abs, 0755); err != nil {
		switch {
		case os.IsExist(err):
			return newError(KindExists, "mkdir", nil)
		case os.IsNotExist(err):
			return newError(KindParentMissing, "mkdir", nil)
		default:
			return newError(KindInternal, "mkdir", err)
		}
	}

	g.logger.Info("Created directory", "share", shareName, "path", rel)
	return nil
}

// Rename renames the entry at rel to newName within the same parent
// directory. newName must be a single valid path component and the
// target must not exist.
func (g *Gateway) Rename(ctx context.Context, shareName, rel, newName string) error {
	if err := pathutil.ValidateFilename(newName); err != nil {
		return newError(KindBadPath, "rename", nil)
	}

	_, abs, err := g.resolve("rename", shareName, rel)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(abs); err != nil {
		if os.IsNotExist(err) {
			return newError(KindNotFound, "rename", nil)
		}
		return newError(KindInternal, "rename", err)
	}

	target := filepath.Join(filepath.Dir(abs), newName)
	if _, err := os.Lstat(target); err == nil {
		return newError(KindExists, "rename", nil)
	} else if !os.IsNotExist(err) {
		return newError(KindInternal, "rename", err)
	}

	if err := os.Rename(abs, target); err != nil {
		return newError(KindInternal, "rename", err)
	}

	g.quota.Invalidate(shareName)
	g.logger.Info("Renamed entry", "share", shareName, "path", rel, "new_name", newName)
	return nil
}

// Delete removes the entry at rel, recursively for directories. The
// share root itself cannot be deleted.
func (g *Gateway) Delete(ctx context.Context, shareName, rel string) error {
	share, abs, err := g.resolve("delete", shareName, rel)
	if err != nil {
		return err
	}

	if resolvedRoot, err := pathutil.SafeJoin(share.Path, ""); err == nil && abs == resolvedRoot {
		return newError(KindBadPath, "delete", nil)
	}

	if _, err := os.Lstat(abs); err != nil {
		if os.IsNotExist(err) {
			return newError(KindNotFound, "delete", nil)
		}
		return newError(KindInternal, "delete", err)
	}

	if err := os.RemoveAll(abs); err != nil {
		return newError(KindInternal, "delete", err)
	}

	g.quota.Invalidate(shareName)
	g.logger.Info("Deleted entry", "share", shareName, "path", rel)
	return nil
}

// Upload streams a new file into share:rel/filename. Missing parent
// directories are created; an existing target is a conflict. The
// stream is size-capped and any failure removes the partial file.
// declared carries the client's Content-Length, or -1 when unknown,
// for the pre-write quota check.
func (g *Gateway) Upload(ctx context.Context, shareName, rel, filename string, r io.Reader, declared, maxSize int64) (int64, error) {
	share, dir, err := g.resolve("upload", shareName, rel)
	if err != nil {
		return 0, err
	}

	name := pathutil.SanitizeFilename(filename)
	if maxSize > 0 && declared > maxSize {
		return 0, newError(KindTooLarge, "upload", nil)
	}
	if declared > 0 {
		if usage, err := g.quota.Usage(ctx, share, false); err == nil {
			if err := g.quota.EnsureWithin(share, usage+declared); err != nil {
				return 0, err
			}
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, newError(KindInternal, "upload", err)
	}

	target := filepath.Join(dir, name)
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return 0, newError(KindExists, "upload", nil)
		}
		return 0, newError(KindInternal, "upload", err)
	}

	written, err := g.copyCapped(ctx, f, r, maxSize)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = newError(KindInternal, "upload", cerr)
	}
	if err != nil {
		_ = os.Remove(target)
		return 0, err
	}

	if err := g.quota.Charge(ctx, share, written); err != nil {
		_ = os.Remove(target)
		return 0, err
	}

	g.logger.Info("Uploaded file", "share", shareName, "path", rel, "name", name, "bytes", written)
	return written, nil
}

// copyCapped streams r into w in chunks, honoring ctx cancellation and
// the size cap.
func (g *Gateway) copyCapped(ctx context.Context, w io.Writer, r io.Reader, maxSize int64) (int64, error) {
	buf := make([]byte, uploadChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, newError(KindInternal, "upload", err)
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if maxSize > 0 && written > maxSize {
				return written, newError(KindTooLarge, "upload", nil)
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, newError(KindInternal, "upload", werr)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, newError(KindInternal, "upload", rerr)
		}
	}
}

func mimeType(name string, isDir bool) string {
	if isDir {
		return "inode/directory"
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
