package storage

import (
	"path"
	"strings"
)

// reservedChars are characters FAT and friends reject in file names.
const reservedChars = `\/:*?"<>|`

// SanitizeFilename strips any directory components from lpath and
// replaces characters the filesystem rejects. The result is a bare
// file name safe to create under the library root.
func SanitizeFilename(lpath string) string {
	// lpath uses forward slashes regardless of platform.
	name := path.Base(strings.ReplaceAll(lpath, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "book"
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(reservedChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}

	out := strings.Trim(b.String(), " .")
	if out == "" {
		return "book"
	}
	return out
}

// EnsureExtension appends ext (with leading dot) unless the name
// already carries it, case-insensitively.
func EnsureExtension(name, ext string) string {
	if strings.EqualFold(path.Ext(name), ext) {
		return name
	}
	return name + ext
}
