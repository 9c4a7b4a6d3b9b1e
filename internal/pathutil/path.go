// Package pathutil provides path containment and filename validation.
package pathutil

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathTraversal indicates the requested path escapes its share root.
	ErrPathTraversal = errors.New("path escapes root")
	// ErrBadPath indicates the path could not be resolved.
	ErrBadPath = errors.New("invalid path")
)

// SafeJoin resolves an untrusted relative path against an absolute root
// directory. The returned path is canonical (symlinks followed, trailing
// non-existent components allowed) and is guaranteed to be the root or a
// descendant of it. Any ".." segment, lexical escape, or symlink whose
// target leaves the root fails with ErrPathTraversal.
func SafeJoin(root, rel string) (string, error) {
	// PathUnescape, not QueryUnescape: "+" is a literal character in
	// path segments.
	if decoded, err := url.PathUnescape(rel); err == nil {
		rel = decoded
	}
	rel = strings.ReplaceAll(rel, "\\", "/")

	resolvedRoot, err := resolvePath(root)
	if err != nil {
		return "", ErrBadPath
	}

	segments, err := CleanSegments(rel)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return resolvedRoot, nil
	}

	joined := filepath.Join(resolvedRoot, filepath.Join(segments...))
	resolved, err := resolvePath(joined)
	if err != nil {
		return "", ErrBadPath
	}

	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}

	return resolved, nil
}

// CleanSegments splits a slash-separated relative path into its
// meaningful segments. Empty and "." segments are dropped; any ".."
// segment fails with ErrPathTraversal.
func CleanSegments(rel string) ([]string, error) {
	if rel == "" || rel == "." || rel == "./" {
		return nil, nil
	}
	rel = strings.TrimLeft(rel, "/")

	var segments []string
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" || seg == "." {
			continue
		}
		if seg == ".." {
			return nil, ErrPathTraversal
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// resolvePath canonicalizes a path like filepath.EvalSymlinks but allows
// trailing components to not exist yet: it walks up to the nearest
// existing ancestor, resolves that, and re-appends the missing tail.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	existing := abs
	var pending []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		pending = append(pending, filepath.Base(existing))
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	for i := len(pending) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, pending[i])
	}
	return resolved, nil
}

// CheckDirectoryWritable checks if a directory exists and is writable.
// If the directory doesn't exist, it attempts to create it.
func CheckDirectoryWritable(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(absPath, 0755); err != nil {
				return fmt.Errorf("directory %s does not exist and cannot be created: %w", absPath, err)
			}
		} else {
			return fmt.Errorf("cannot access directory %s: %w", absPath, err)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("path %s exists but is not a directory", absPath)
	}

	// Test write permissions by creating a temporary file
	testFile := filepath.Join(absPath, ".chfs-write-test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, err)
	}

	_, writeErr := file.Write([]byte("test"))
	_ = file.Close()
	_ = os.Remove(testFile)

	if writeErr != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, writeErr)
	}

	return nil
}
