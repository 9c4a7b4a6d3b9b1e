package webdav

import (
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/net/webdav"

	"github.com/chfs-io/chfs/internal/auth"
	"github.com/chfs-io/chfs/internal/config"
	"github.com/chfs-io/chfs/internal/pathutil"
	"github.com/chfs-io/chfs/internal/quota"
	"github.com/chfs-io/chfs/internal/rules"
)

type ctxKey int

const clientIPKey ctxKey = iota

// withClientIP stores the resolved client address for rule-local IP
// checks inside the filesystem.
func withClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

func clientIPFrom(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey).(string); ok {
		return ip
	}
	return ""
}

// shareFS routes WebDAV paths onto share roots: the first path segment
// selects the share and the remainder resolves through the safe path
// join. The virtual root directory lists the shares the principal can
// read.
type shareFS struct {
	getter    config.Getter
	evaluator *rules.Evaluator
	quota     *quota.Manager
	fs        afero.Fs
}

func newShareFS(getter config.Getter, evaluator *rules.Evaluator, quotaManager *quota.Manager) *shareFS {
	return &shareFS{
		getter:    getter,
		evaluator: evaluator,
		quota:     quotaManager,
		fs:        afero.NewOsFs(),
	}
}

// splitPath returns the share name and the share-relative path.
func splitPath(name string) (string, string) {
	trimmed := strings.Trim(path.Clean("/"+name), "/")
	if trimmed == "" {
		return "", ""
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i+1:]
	}
	return trimmed, ""
}

// resolve maps a WebDAV path to an absolute filesystem path.
func (s *shareFS) resolve(name string) (string, error) {
	shareName, rel := splitPath(name)
	if shareName == "" {
		return "", os.ErrPermission
	}
	cfg := s.getter()
	share := cfg.GetShare(shareName)
	if share == nil {
		return "", os.ErrNotExist
	}
	abs, err := pathutil.SafeJoin(share.Path, rel)
	if err != nil {
		return "", os.ErrPermission
	}
	return abs, nil
}

func (s *shareFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	abs, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := s.fs.Mkdir(abs, perm); err != nil {
		return err
	}
	shareName, _ := splitPath(name)
	s.quota.Invalidate(shareName)
	return nil
}

func (s *shareFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	shareName, rel := splitPath(name)
	if shareName == "" {
		return s.openRoot(ctx)
	}

	abs, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.OpenFile(abs, flag, perm)
	if err != nil {
		return nil, err
	}

	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return &writeFile{File: f, fs: s, share: shareName}, nil
	}
	return &readFile{File: f, fs: s, ctx: ctx, share: shareName, rel: rel}, nil
}

func (s *shareFS) RemoveAll(ctx context.Context, name string) error {
	abs, err := s.resolve(name)
	if err != nil {
		return err
	}

	// The share root itself is not removable.
	shareName, rel := splitPath(name)
	if rel == "" {
		return os.ErrPermission
	}
	if err := s.fs.RemoveAll(abs); err != nil {
		return err
	}
	s.quota.Invalidate(shareName)
	return nil
}

func (s *shareFS) Rename(ctx context.Context, oldName, newName string) error {
	oldAbs, err := s.resolve(oldName)
	if err != nil {
		return err
	}
	newAbs, err := s.resolve(newName)
	if err != nil {
		return err
	}
	if err := s.fs.Rename(oldAbs, newAbs); err != nil {
		return err
	}

	oldShare, _ := splitPath(oldName)
	newShare, _ := splitPath(newName)
	s.quota.Invalidate(oldShare)
	if newShare != oldShare {
		s.quota.Invalidate(newShare)
	}
	return nil
}

func (s *shareFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	shareName, _ := splitPath(name)
	if shareName == "" {
		return rootInfo{}, nil
	}
	abs, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	return s.fs.Stat(abs)
}

// openRoot builds the virtual root directory listing the shares the
// principal can read from this address.
func (s *shareFS) openRoot(ctx context.Context) (webdav.File, error) {
	user := auth.PrincipalFrom(ctx)
	roots := s.evaluator.AccessibleRoots(user, clientIPFrom(ctx))

	cfg := s.getter()
	infos := make([]os.FileInfo, 0, len(roots))
	for _, name := range roots {
		share := cfg.GetShare(name)
		if share == nil {
			continue
		}
		if info, err := s.fs.Stat(share.Path); err == nil {
			infos = append(infos, renamedInfo{FileInfo: info, name: name})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return &rootDir{entries: infos}, nil
}

// readFile filters directory listings: entries the principal cannot
// read are hidden.
type readFile struct {
	afero.File
	fs    *shareFS
	ctx   context.Context
	share string
	rel   string
}

func (f *readFile) Readdir(count int) ([]os.FileInfo, error) {
	entries, err := f.File.Readdir(count)
	if err != nil {
		return nil, err
	}

	user := auth.PrincipalFrom(f.ctx)
	ip := clientIPFrom(f.ctx)
	visible := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		childRel := entry.Name()
		if f.rel != "" {
			childRel = f.rel + "/" + entry.Name()
		}
		if allowed, _ := f.fs.evaluator.Evaluate(user, config.PermRead, f.share, childRel, ip); allowed {
			visible = append(visible, entry)
		}
	}
	return visible, nil
}

// writeFile invalidates the share's quota cache once the upload is
// closed.
type writeFile struct {
	afero.File
	fs    *shareFS
	share string
}

func (f *writeFile) Close() error {
	err := f.File.Close()
	f.fs.quota.Invalidate(f.share)
	return err
}

// rootInfo is the synthetic stat result for the virtual root.
type rootInfo struct{}

func (rootInfo) Name() string       { return "/" }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) Mode() os.FileMode  { return os.ModeDir | 0555 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Sys() any           { return nil }

// renamedInfo presents a share directory under its share name.
type renamedInfo struct {
	os.FileInfo
	name string
}

func (r renamedInfo) Name() string { return r.name }

// rootDir is the virtual root directory file.
type rootDir struct {
	entries []os.FileInfo
	pos     int
}

func (d *rootDir) Close() error                   { return nil }
func (d *rootDir) Read(p []byte) (int, error)     { return 0, os.ErrInvalid }
func (d *rootDir) Write(p []byte) (int, error)    { return 0, os.ErrPermission }
func (d *rootDir) Seek(int64, int) (int64, error) { return 0, os.ErrInvalid }
func (d *rootDir) Stat() (os.FileInfo, error)     { return rootInfo{}, nil }

func (d *rootDir) Readdir(count int) ([]os.FileInfo, error) {
	if d.pos >= len(d.entries) && count > 0 {
		return nil, io.EOF
	}
	if count <= 0 {
		rest := d.entries[d.pos:]
		d.pos = len(d.entries)
		return rest, nil
	}
	end := d.pos + count
	if end > len(d.entries) {
		end = len(d.entries)
	}
	batch := d.entries[d.pos:end]
	d.pos = end
	return batch, nil
}
