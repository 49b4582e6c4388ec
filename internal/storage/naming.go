package storage

import (
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	serr "github.com/transfery/transfery/internal/errors"
)

// Reserved top-level directories of the local backend root.
const (
	tmpDirName     = ".tmp"
	uploadsDirName = ".uploads"
)

// maxStagingKeyLen bounds the key portion of a staging directory name so the
// whole name stays under common filesystem limits.
const maxStagingKeyLen = 128

// ObjectName derives a collision-resistant object key from a client-supplied
// file name by inserting the upload timestamp (in seconds) before the
// extension, e.g. "notes.txt" -> "notes_1700000000.txt". The result is a
// single path segment safe to store on any backend.
func ObjectName(fileName string, at time.Time) string {
	base := SanitizeFileName(fileName)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "file"
	}
	return stem + "_" + strconv.FormatInt(at.Unix(), 10) + ext
}

// SanitizeFileName reduces name to a single safe path segment: separators,
// control characters and characters rejected by common filesystems are
// replaced, and relative-path names collapse to "file".
func SanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsControl(r):
			continue
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.TrimRight(out, ". ")
	if out == "" || out == "." || out == ".." {
		return "file"
	}
	return out
}

// cleanKey validates an object key for the local backend and returns its
// canonical slash-separated form. Keys may contain "/" to form nested paths
// but cannot escape the root or collide with the reserved directories.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", serr.Newf(serr.ErrInvalidKey, "object key is empty")
	}
	if strings.ContainsRune(key, 0) || strings.Contains(key, `\`) {
		return "", serr.Newf(serr.ErrInvalidKey, "object key %q contains forbidden characters", key)
	}
	if strings.HasPrefix(key, "/") {
		return "", serr.Newf(serr.ErrInvalidKey, "object key %q must be relative", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", serr.Newf(serr.ErrInvalidKey, "object key %q escapes the storage root", key)
		}
	}
	cleaned := path.Clean(key)
	if cleaned == "." || strings.HasSuffix(key, "/") {
		return "", serr.Newf(serr.ErrInvalidKey, "object key %q does not name a file", key)
	}
	first, _, _ := strings.Cut(cleaned, "/")
	if first == tmpDirName || first == uploadsDirName {
		return "", serr.Newf(serr.ErrInvalidKey, "object key %q uses a reserved prefix", key)
	}
	return cleaned, nil
}

// stagingDirName embeds the target key and upload id so concurrent uploads to
// the same key never share a directory and leftovers stay attributable.
// The upload id is always the suffix after the last "_".
func stagingDirName(key, uploadID string) string {
	escaped := url.PathEscape(key)
	if len(escaped) > maxStagingKeyLen {
		escaped = escaped[:maxStagingKeyLen]
	}
	return escaped + "_" + uploadID
}

// uploadIDFromStagingDir recovers the upload id from a staging directory name.
func uploadIDFromStagingDir(name string) (string, bool) {
	i := strings.LastIndexByte(name, '_')
	if i < 0 || i == len(name)-1 {
		return "", false
	}
	return name[i+1:], true
}
