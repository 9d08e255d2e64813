package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// decodeInto decodes TOML bytes into v, returning the metadata needed for
// unknown-key checking.
func decodeInto(data []byte, v any) (toml.MetaData, error) {
	return toml.Decode(string(data), v)
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal errors with "did you
// mean?" suggestions.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading config file", "path", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	md, err := decodeInto(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := checkFolderSections(data, cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Folders {
		cfg.Folders[i] = defaultFolder(cfg.Folders[i])
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("config file parsed successfully",
		"path", path,
		"folder_count", len(cfg.Folders),
	)

	return cfg, nil
}

// checkFolderSections re-decodes folder sections as raw maps purely to run
// unknown-key checking per folder (tomlMetaData.Undecoded does not give us
// per-array-element granularity for array-of-tables).
func checkFolderSections(data []byte, cfg *Config) error {
	var raw struct {
		Folders []map[string]any `toml:"folders"`
	}

	if _, err := decodeInto(data, &raw); err != nil {
		return fmt.Errorf("re-parsing folder sections: %w", err)
	}

	var errs []error

	for i, fm := range raw.Folders {
		id := fmt.Sprintf("#%d", i)
		if v, ok := fm["id"].(string); ok && v != "" {
			id = v
		}

		if err := checkFolderUnknownKeys(fm, id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", "path", path)

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// ResolveConfigPath determines the config file path using the three-layer
// priority: CLI flag > environment variable > platform default.
func ResolveConfigPath(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) string {
	cfgPath := DefaultConfigPath()
	source := "default"

	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
		source = "env"
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
		source = "cli"
	}

	logger.Debug("config path resolved", "path", cfgPath, "source", source)

	return cfgPath
}

// CLIOverrides holds values supplied on the command line that take
// precedence over both the config file and environment variables.
type CLIOverrides struct {
	ConfigPath string
	Folder     string
	DryRun     *bool
}

// FolderByID finds a configured folder by its ID.
func (c *Config) FolderByID(id string) (*Folder, bool) {
	for i := range c.Folders {
		if c.Folders[i].ID == id {
			return &c.Folders[i], true
		}
	}

	return nil, false
}
