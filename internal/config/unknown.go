package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownGlobalKeys are the valid keys inside the [global] section.
var knownGlobalKeys = map[string]bool{
	"sync_daemon_url": true, "sync_daemon_api_key": true,
	"time_format": true, "filesystem_timezone": true,
	"syncthing_retry_count": true, "syncthing_retry_delay": true,
	"tool_retry_count": true, "tool_retry_expiry": true, "tool_retry_delay": true,
	"max_async_poll_interval": true,
	"listener_address":        true, "listener_secret": true,
	"log_dir": true, "log_level": true, "log_retention_days": true,
	"max_failures_per_hour": true, "max_failures_per_day": true,
	"default_hash_sentinel":     true,
	"storage_tool_binary":       true,
	"storage_tool_gui_user":     true,
	"storage_tool_gui_password": true,
}

var knownGlobalKeysList = sortedKeys(knownGlobalKeys)

// knownFolderKeys are the valid keys inside a [[folders]] block.
var knownFolderKeys = map[string]bool{
	"id": true, "local_root": true, "remote_root": true, "trash_root": true,
	"local_ignore_patterns": true,
	"trash_keep_duration":   true, "local_keep_duration": true,
	"archive": true, "cloud_only_rules": true,
}

var knownFolderKeysList = sortedKeys(knownFolderKeys)

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		keyStr := key.String()

		topKey := strings.SplitN(keyStr, ".", 2)[0]

		switch topKey {
		case "global":
			if err := buildKeyError(trimPrefix(keyStr, "global."), knownGlobalKeys, knownGlobalKeysList, ""); err != nil {
				errs = append(errs, err)
			}
		case "folders":
			// folder sections are validated separately via checkFolderUnknownKeys
			continue
		default:
			errs = append(errs, fmt.Errorf("unknown top-level config key %q", topKey))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func trimPrefix(s, prefix string) string {
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):]
	}

	return s
}

// buildKeyError creates a descriptive error for an unknown key, optionally
// suggesting the closest known key. Returns nil if the key is a valid
// sub-field of a known key (e.g. array-of-tables entries).
func buildKeyError(keyStr string, known map[string]bool, knownList []string, context string) error {
	parts := strings.SplitN(keyStr, ".", 2)
	fieldName := parts[0]

	if len(parts) > 1 && known[fieldName] {
		return nil // parent is known, sub-field is expected
	}

	suggestion := closestMatch(fieldName, knownList)

	if context != "" {
		if suggestion != "" {
			return fmt.Errorf("unknown key %q in %s — did you mean %q?", fieldName, context, suggestion)
		}

		return fmt.Errorf("unknown key %q in %s", fieldName, context)
	}

	if suggestion != "" {
		return fmt.Errorf("unknown config key %q — did you mean %q?", fieldName, suggestion)
	}

	return fmt.Errorf("unknown config key %q", fieldName)
}

// checkFolderUnknownKeys validates that all keys in a folder section map are
// recognized folder keys.
func checkFolderUnknownKeys(folderMap map[string]any, folderID string) error {
	var errs []error

	for key := range folderMap {
		if knownFolderKeys[key] {
			continue
		}

		if err := buildKeyError(key, knownFolderKeys, knownFolderKeysList,
			fmt.Sprintf("folder %q", folderID)); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// closestMatch finds the closest known key by Levenshtein distance. Returns
// empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
