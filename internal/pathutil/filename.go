package pathutil

import (
	"errors"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrBadFilename indicates a filename failed validation.
var ErrBadFilename = errors.New("invalid filename")

const reservedFilenameChars = `<>:"/\|?*`

const maxFilenameBytes = 255

// ValidateFilename rejects names unusable as a single path component:
// empty, ".", "..", names containing path separators, NTFS-reserved
// glyphs, control characters, or names longer than 255 bytes.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrBadFilename
	}
	if len(name) > maxFilenameBytes {
		return ErrBadFilename
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return ErrBadFilename
		}
		if strings.ContainsRune(reservedFilenameChars, r) {
			return ErrBadFilename
		}
	}
	return nil
}

// SanitizeFilename rewrites a name so that it passes ValidateFilename:
// reserved glyphs and control characters become "_", trailing spaces and
// dots are trimmed, empty results become "unnamed", and over-long names
// are truncated to 255 bytes preserving the extension.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(reservedFilenameChars, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}

	out := strings.TrimRight(b.String(), " .")
	if out == "" || out == "." || out == ".." {
		return "unnamed"
	}

	if len(out) > maxFilenameBytes {
		ext := filepath.Ext(out)
		if len(ext) >= maxFilenameBytes {
			ext = ""
		}
		stem := out[:maxFilenameBytes-len(ext)]
		for len(stem) > 0 && !utf8.ValidString(stem) {
			stem = stem[:len(stem)-1]
		}
		out = stem + ext
		if out == "" {
			return "unnamed"
		}
	}

	return out
}
