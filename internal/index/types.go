// Package index implements the per-folder file-index store (C1): a durable
// keyed mapping from relative path to the attributes the rest of the system
// needs to decide what to copy, delete, or leave cloud-only.
package index

import "time"

// Entry is a single FileIndex row. Zero values of Hash, ModTime, and Size
// represent ABSENT per spec.md §3 invariant 2-4: a directory or a
// cloud-only placeholder carries no local byte attributes.
type Entry struct {
	Path string

	Hash string // opaque hash from the storage tool, "" if ABSENT

	ModTime time.Time // zero value means ABSENT
	Size    int64     // meaningful only when ModTime is present

	UploadedTime time.Time // zero value means ABSENT

	CloudOnly bool
}

// HasBytes reports whether the entry carries known local file attributes.
func (e Entry) HasBytes() bool {
	return !e.ModTime.IsZero()
}

// HasUploadedTime reports whether UploadedTime is present.
func (e Entry) HasUploadedTime() bool {
	return !e.UploadedTime.IsZero()
}

// ClearedBytes returns a copy of e with hash/modTime/size reset to ABSENT,
// the soft-delete transformation applied by clearBytes.
func (e Entry) ClearedBytes() Entry {
	e.Hash = ""
	e.ModTime = time.Time{}
	e.Size = 0

	return e
}

// Predicate filters rows for selectWhere. All fields are optional; a zero
// Predicate matches every row.
type Predicate struct {
	PathPrefix string
	PathRegexp string // compiled and matched by SelectWhere

	UploadedTimePresent *bool
	CloudOnly           *bool
}
