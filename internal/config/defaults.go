package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and are chosen to be safe, reasonable
// starting points that work without any config file beyond folder list.
const (
	defaultTimeFormat         = "2006-01-02T15:04:05Z07:00"
	defaultFilesystemTimezone = "UTC"

	defaultSyncthingRetryCount  = 5
	defaultSyncthingRetryDelay  = "2s"
	defaultToolRetryCount       = 3
	defaultToolRetryExpiry      = "10m"
	defaultToolRetryDelay       = "5s"
	defaultMaxAsyncPollInterval = "30s"

	defaultListenerAddress = "unix:///run/triplicate/control.sock"

	defaultLogDir           = "log"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 30

	defaultMaxFailuresPerHour = 20
	defaultMaxFailuresPerDay  = 100

	defaultHashSentinel = "00000000000000000000000000000000"

	defaultTrashKeepDuration = "720h"
	defaultLocalKeepDuration = "0"

	defaultStorageToolBinary = "storage-tool"
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Global:  defaultGlobalConfig(),
		Folders: nil,
	}
}

func defaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		TimeFormat:           defaultTimeFormat,
		FilesystemTimezone:   defaultFilesystemTimezone,
		SyncthingRetryCount:  defaultSyncthingRetryCount,
		SyncthingRetryDelay:  defaultSyncthingRetryDelay,
		ToolRetryCount:       defaultToolRetryCount,
		ToolRetryExpiry:      defaultToolRetryExpiry,
		ToolRetryDelay:       defaultToolRetryDelay,
		MaxAsyncPollInterval: defaultMaxAsyncPollInterval,
		ListenerAddress:      defaultListenerAddress,
		LogDir:               defaultLogDir,
		LogLevel:             defaultLogLevel,
		LogRetentionDays:     defaultLogRetentionDays,
		MaxFailuresPerHour:   defaultMaxFailuresPerHour,
		MaxFailuresPerDay:    defaultMaxFailuresPerDay,
		DefaultHashSentinel:  defaultHashSentinel,
		StorageToolBinary:    defaultStorageToolBinary,
	}
}

// defaultFolder fills in the defaults applied to a folder section that
// doesn't set trash/local keep durations explicitly.
func defaultFolder(f Folder) Folder {
	if f.TrashKeepDuration == "" {
		f.TrashKeepDuration = defaultTrashKeepDuration
	}

	if f.LocalKeepDuration == "" {
		f.LocalKeepDuration = defaultLocalKeepDuration
	}

	return f
}
