package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pbs-plus/pbx-backup/internal/store/constants"
)

// DefaultConfigPaths are searched in order when no explicit path is given.
var DefaultConfigPaths = []string{
	constants.DefaultConfigPath,
	"./config.yaml",
}

// sliceConfigPaths are split on commas when they arrive as plain strings from
// the environment.
var sliceConfigPaths = []string{
	"hooks.pre_backup",
	"hooks.post_backup",
	"hooks.pre_restore",
	"hooks.post_restore",
	"restore.local_patterns",
	"modules.files.paths",
}

// envMappings keeps the variable names the telephony platform already
// exports, plus PBX_BACKUP_* names for everything else.
var envMappings = map[string]string{
	"ampsbin":          "job.sbin",
	"astlogdir":        "paths.log_dir",
	"astspooldir":      "paths.spool_dir",
	"backuphookdir":    "hooks.dir",
	"backupprehooks":   "hooks.pre_backup",
	"backupposthooks":  "hooks.post_backup",
	"restoreprehooks":  "hooks.pre_restore",
	"restoreposthooks": "hooks.post_restore",

	"pbx_backup_listen":           "server.listen",
	"pbx_backup_shutdown_timeout": "server.shutdown_timeout",
	"pbx_backup_upload_rate":      "server.upload_rate",
	"pbx_backup_upload_burst":     "server.upload_burst",
	"pbx_backup_max_chunk_bytes":  "server.max_chunk_bytes",
	"pbx_backup_binary":           "job.binary",
	"pbx_backup_lock_dir":         "job.lock_dir",
	"pbx_backup_poll_interval":    "job.poll_interval",
	"pbx_backup_upload_dir":       "paths.upload_dir",
	"pbx_backup_backup_dir":       "paths.backup_dir",
	"pbx_backup_db_path":          "paths.db_path",
	"pbx_backup_home_dir":         "paths.home_dir",
	"pbx_backup_lock_socket":      "paths.lock_socket",
	"pbx_backup_hooks_watch":      "hooks.watch",
	"pbx_backup_log_level":        "log.level",
	"pbx_backup_log_format":       "log.format",
	"pbx_backup_local_patterns":   "restore.local_patterns",
	"pbx_backup_files_paths":      "modules.files.paths",
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence. An empty path searches
// $PBX_BACKUP_CONFIG and DefaultConfigPaths.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.applyDerived()
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			cfg.Source = abs
		} else {
			cfg.Source = path
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(constants.ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}

		trimmed := []string{}
		for _, p := range strings.Split(strVal, ",") {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envTransformFunc maps an environment variable name to its config path.
// Unmapped variables return "" and are skipped.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
