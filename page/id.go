// Package page holds the vocabulary shared by every storage component:
// page identifiers, directory entries, edits, snapshots and the typed
// errors they can fail with.
package page

import "strings"

// ID is an opaque, caller-chosen byte string. It is logically partitioned
// by prefix: listings and external-page callbacks are scoped by prefix.
type ID string

// HasPrefix reports whether id is logically under prefix.
func (id ID) HasPrefix(prefix ID) bool {
	return strings.HasPrefix(string(id), string(prefix))
}

// FileID identifies a blob file, local or remote, by a process-wide
// monotonically increasing 64-bit number.
type FileID uint64
