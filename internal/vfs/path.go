package vfs

import (
	"path"
	"strings"
)

// Normalize turns a client-supplied path into the canonical file key.
// Backslashes are treated as separators, leading separators are stripped and
// "." / ".." segments are collapsed lexically. ".." never climbs above the
// project root. The root itself normalizes to "".
//
// Normalize is idempotent: Normalize(Normalize(p)) == Normalize(p).
func Normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	cleaned := path.Clean("/" + p)
	return strings.TrimPrefix(cleaned, "/")
}
