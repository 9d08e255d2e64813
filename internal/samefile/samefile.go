// Package samefile implements the file-equality predicate shared by the
// index refresh, upload syncer, and reconciler (spec.md §4.7).
package samefile

import (
	"log/slog"
	"time"
)

// Entry is the minimal projection of an index.Entry this package compares.
// Presence of each field is recorded in HasHash, HasModTime and HasSize; an
// absent field's value is not consulted.
type Entry struct {
	Hash    string
	ModTime time.Time
	Size    int64

	HasHash    bool
	HasModTime bool
	HasSize    bool
}

const tolerance = 10 * time.Microsecond

// infoWindowMin and infoWindowMax bound the [1µs, 1ms) band in which a mtime
// difference is logged at info level (spec.md §4.7 point 2); a difference
// in the band still counts as the same file when it is under tolerance.
const infoWindowMin = time.Microsecond
const infoWindowMax = time.Millisecond

// Same applies the §4.7 predicate: hash comparison when both hashes are
// present, else (modTime, size) comparison, else ABSENT-vs-ABSENT mtime
// equality.
func Same(a, b Entry, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}

	if a.HasHash && b.HasHash {
		return sameByHash(a, b, logger)
	}

	if !a.HasModTime || !b.HasModTime {
		return !a.HasModTime && !b.HasModTime
	}

	return sameByModTimeAndSize(a, b, logger)
}

func sameByHash(a, b Entry, logger *slog.Logger) bool {
	if a.Hash != b.Hash {
		return false
	}

	if a.HasSize && b.HasSize && a.Size != b.Size {
		logger.Warn("samefile: hash match but size mismatch", "hash", a.Hash, "sizeA", a.Size, "sizeB", b.Size)

		return false
	}

	if a.HasModTime && b.HasModTime {
		diff := absDuration(a.ModTime.Sub(b.ModTime))
		if diff > tolerance {
			logger.Warn("samefile: hash+size match but mtime differs beyond tolerance",
				"hash", a.Hash, "diff", diff)
		}
	}

	return true
}

func sameByModTimeAndSize(a, b Entry, logger *slog.Logger) bool {
	if !a.HasSize || !b.HasSize || a.Size != b.Size {
		return false
	}

	diff := absDuration(a.ModTime.Sub(b.ModTime))

	if diff >= infoWindowMin && diff < infoWindowMax {
		logger.Info("samefile: mtime difference within noted window", "diff", diff, "same", diff < tolerance)
	}

	return diff < tolerance
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}

	return d
}
