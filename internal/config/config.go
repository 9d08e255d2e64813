// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for triplicate.
package config

// Config is the top-level configuration structure: one process-wide
// GlobalConfig section plus the list of folders under management.
type Config struct {
	Global  GlobalConfig `toml:"global"`
	Folders []Folder     `toml:"folders"`
}

// GlobalConfig holds process-wide settings: sync-daemon connection details,
// time handling, retry budgets, the control listener, logging, and
// failure-rate ceilings.
type GlobalConfig struct {
	SyncDaemonURL    string `toml:"sync_daemon_url"`
	SyncDaemonAPIKey string `toml:"sync_daemon_api_key"`

	TimeFormat         string `toml:"time_format"`
	FilesystemTimezone string `toml:"filesystem_timezone"`

	SyncthingRetryCount  int    `toml:"syncthing_retry_count"`
	SyncthingRetryDelay  string `toml:"syncthing_retry_delay"`
	ToolRetryCount       int    `toml:"tool_retry_count"`
	ToolRetryExpiry      string `toml:"tool_retry_expiry"`
	ToolRetryDelay       string `toml:"tool_retry_delay"`
	MaxAsyncPollInterval string `toml:"max_async_poll_interval"`

	ListenerAddress string `toml:"listener_address"`
	ListenerSecret  string `toml:"listener_secret"`

	LogDir           string `toml:"log_dir"`
	LogLevel         string `toml:"log_level"`
	LogRetentionDays int    `toml:"log_retention_days"`

	MaxFailuresPerHour int `toml:"max_failures_per_hour"`
	MaxFailuresPerDay  int `toml:"max_failures_per_day"`

	DefaultHashSentinel string `toml:"default_hash_sentinel"`

	StorageToolBinary      string `toml:"storage_tool_binary"`
	StorageToolGUIUser     string `toml:"storage_tool_gui_user"`
	StorageToolGUIPassword string `toml:"storage_tool_gui_password"`
}

// Folder is a named synchronization unit under management.
type Folder struct {
	ID         string `toml:"id"`
	LocalRoot  string `toml:"local_root"`
	RemoteRoot string `toml:"remote_root"`
	TrashRoot  string `toml:"trash_root"`

	LocalIgnorePatterns []string `toml:"local_ignore_patterns"`

	TrashKeepDuration string `toml:"trash_keep_duration"`
	LocalKeepDuration string `toml:"local_keep_duration"`

	Archive *ArchiveConfig `toml:"archive"`

	CloudOnlyRules []CloudOnlyRule `toml:"cloud_only_rules"`
}

// ArchiveConfig describes the optional removable-media archive for a folder.
type ArchiveConfig struct {
	ArchiveRoot string `toml:"archive_root"`
	MountPoint  string `toml:"mount_point"`
	DeviceID    string `toml:"device_id"`
}

// CloudOnlyRule pairs a target pattern with the criteria under which matched
// paths are kept cloud-only (not materialized locally).
type CloudOnlyRule struct {
	TargetPattern     string   `toml:"target_pattern"`
	CriterionPatterns []string `toml:"criterion_patterns"`
}

// HasArchive reports whether the folder has archival configured.
func (f *Folder) HasArchive() bool {
	return f.Archive != nil && f.Archive.ArchiveRoot != ""
}
