package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// Validation range constants.
const (
	minRetryCount       = 0
	maxRetryCount       = 20
	minFailuresPerHour  = 1
	minFailuresPerDay   = 1
	minLogRetentionDays = 1
)

// Validate checks all configuration values and returns all errors found. It
// accumulates every error rather than stopping at the first, so users see a
// complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateGlobal(&cfg.Global)...)

	seen := make(map[string]bool, len(cfg.Folders))

	for i := range cfg.Folders {
		f := &cfg.Folders[i]

		if f.ID == "" {
			errs = append(errs, fmt.Errorf("folders[%d]: id must not be empty", i))
		} else if seen[f.ID] {
			errs = append(errs, fmt.Errorf("folders[%d]: duplicate folder id %q", i, f.ID))
		} else {
			seen[f.ID] = true
		}

		errs = append(errs, validateFolder(f)...)
	}

	return errors.Join(errs...)
}

func validateGlobal(g *GlobalConfig) []error {
	var errs []error

	if g.SyncDaemonURL == "" {
		errs = append(errs, errors.New("global.sync_daemon_url: must not be empty"))
	}

	if g.SyncthingRetryCount < minRetryCount || g.SyncthingRetryCount > maxRetryCount {
		errs = append(errs, fmt.Errorf("global.syncthing_retry_count: must be between %d and %d, got %d",
			minRetryCount, maxRetryCount, g.SyncthingRetryCount))
	}

	if g.ToolRetryCount < minRetryCount || g.ToolRetryCount > maxRetryCount {
		errs = append(errs, fmt.Errorf("global.tool_retry_count: must be between %d and %d, got %d",
			minRetryCount, maxRetryCount, g.ToolRetryCount))
	}

	errs = append(errs, validateDurationField("global.syncthing_retry_delay", g.SyncthingRetryDelay)...)
	errs = append(errs, validateDurationField("global.tool_retry_expiry", g.ToolRetryExpiry)...)
	errs = append(errs, validateDurationField("global.tool_retry_delay", g.ToolRetryDelay)...)
	errs = append(errs, validateDurationField("global.max_async_poll_interval", g.MaxAsyncPollInterval)...)

	if g.ListenerAddress == "" {
		errs = append(errs, errors.New("global.listener_address: must not be empty"))
	}

	if g.LogRetentionDays < minLogRetentionDays {
		errs = append(errs, fmt.Errorf("global.log_retention_days: must be >= %d, got %d",
			minLogRetentionDays, g.LogRetentionDays))
	}

	errs = append(errs, validateLogLevel(g.LogLevel)...)

	if g.MaxFailuresPerHour < minFailuresPerHour {
		errs = append(errs, fmt.Errorf("global.max_failures_per_hour: must be >= %d, got %d",
			minFailuresPerHour, g.MaxFailuresPerHour))
	}

	if g.MaxFailuresPerDay < minFailuresPerDay {
		errs = append(errs, fmt.Errorf("global.max_failures_per_day: must be >= %d, got %d",
			minFailuresPerDay, g.MaxFailuresPerDay))
	}

	if _, err := time.LoadLocation(g.FilesystemTimezone); g.FilesystemTimezone != "" && err != nil {
		errs = append(errs, fmt.Errorf("global.filesystem_timezone: %w", err))
	}

	return errs
}

func validateFolder(f *Folder) []error {
	var errs []error

	if f.LocalRoot == "" || !filepath.IsAbs(f.LocalRoot) {
		errs = append(errs, fmt.Errorf("folder %q: local_root must be an absolute path, got %q", f.ID, f.LocalRoot))
	}

	if f.RemoteRoot == "" {
		errs = append(errs, fmt.Errorf("folder %q: remote_root must not be empty", f.ID))
	}

	if f.TrashRoot == "" || !filepath.IsAbs(f.TrashRoot) {
		errs = append(errs, fmt.Errorf("folder %q: trash_root must be an absolute path, got %q", f.ID, f.TrashRoot))
	}

	errs = append(errs, validateDurationField(fmt.Sprintf("folder %q: trash_keep_duration", f.ID), f.TrashKeepDuration)...)
	errs = append(errs, validateDurationField(fmt.Sprintf("folder %q: local_keep_duration", f.ID), f.LocalKeepDuration)...)

	if f.HasArchive() {
		if f.Archive.MountPoint == "" {
			errs = append(errs, fmt.Errorf("folder %q: archive.mount_point must not be empty", f.ID))
		}
	}

	for i, rule := range f.CloudOnlyRules {
		errs = append(errs, validateCloudOnlyRule(f.ID, i, rule)...)
	}

	for _, pat := range f.LocalIgnorePatterns {
		if _, err := regexp.Compile(pat); err != nil {
			errs = append(errs, fmt.Errorf("folder %q: local_ignore_patterns: invalid pattern %q: %w", f.ID, pat, err))
		}
	}

	return errs
}

func validateCloudOnlyRule(folderID string, idx int, rule CloudOnlyRule) []error {
	var errs []error

	if rule.TargetPattern == "" {
		errs = append(errs, fmt.Errorf("folder %q: cloud_only_rules[%d]: target_pattern must not be empty", folderID, idx))
	} else if _, err := regexp.Compile(rule.TargetPattern); err != nil {
		errs = append(errs, fmt.Errorf("folder %q: cloud_only_rules[%d]: invalid target_pattern: %w", folderID, idx, err))
	}

	for _, cp := range rule.CriterionPatterns {
		if _, err := regexp.Compile(cp); err != nil {
			errs = append(errs, fmt.Errorf("folder %q: cloud_only_rules[%d]: invalid criterion pattern %q: %w",
				folderID, idx, cp, err))
		}
	}

	return errs
}

func validateDurationField(field, value string) []error {
	if value == "" {
		return nil
	}

	if _, err := time.ParseDuration(value); err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("global.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}
