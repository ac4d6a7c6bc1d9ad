package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pbs-plus/pbx-backup/internal/store/constants"
)

// Config is the complete runtime configuration. Every component receives the
// slice of it that it needs; nothing reads the environment directly.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Job     JobConfig     `koanf:"job"`
	Paths   PathsConfig   `koanf:"paths"`
	Hooks   HooksConfig   `koanf:"hooks"`
	Log     LogConfig     `koanf:"log"`
	Restore RestoreConfig `koanf:"restore"`
	Modules ModulesConfig `koanf:"modules"`

	// Source is the absolute path of the file that was loaded, if any.
	Source string `koanf:"-"`
}

type ServerConfig struct {
	Listen          string        `koanf:"listen" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
	UploadRate      float64       `koanf:"upload_rate" validate:"gte=0"`
	UploadBurst     int           `koanf:"upload_burst" validate:"gte=0"`
	MaxChunkBytes   int64         `koanf:"max_chunk_bytes" validate:"gt=0"`
}

type JobConfig struct {
	Sbin         string        `koanf:"sbin" validate:"required"`
	Binary       string        `koanf:"binary"`
	LockDir      string        `koanf:"lock_dir" validate:"required"`
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
}

type PathsConfig struct {
	LogDir     string `koanf:"log_dir" validate:"required"`
	SpoolDir   string `koanf:"spool_dir" validate:"required"`
	UploadDir  string `koanf:"upload_dir"`
	BackupDir  string `koanf:"backup_dir"`
	DbPath     string `koanf:"db_path" validate:"required"`
	HomeDir    string `koanf:"home_dir"`
	LockSocket string `koanf:"lock_socket"`
}

type HooksConfig struct {
	Dir         string   `koanf:"dir"`
	PreBackup   []string `koanf:"pre_backup"`
	PostBackup  []string `koanf:"post_backup"`
	PreRestore  []string `koanf:"pre_restore"`
	PostRestore []string `koanf:"post_restore"`
	Watch       bool     `koanf:"watch"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=console json"`
}

type RestoreConfig struct {
	LocalPatterns []string `koanf:"local_patterns" validate:"min=1,dive,required"`
}

type ModulesConfig struct {
	Files FilesModuleConfig `koanf:"files"`
}

type FilesModuleConfig struct {
	Paths []string `koanf:"paths" validate:"dive,required"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8090",
			ShutdownTimeout: 10 * time.Second,
			UploadRate:      20,
			UploadBurst:     40,
			MaxChunkBytes:   64 << 20,
		},
		Job: JobConfig{
			Sbin:         constants.DefaultSbinPath,
			LockDir:      constants.JobLockPath,
			PollInterval: time.Second,
		},
		Paths: PathsConfig{
			LogDir:     constants.DefaultLogDir,
			SpoolDir:   constants.DefaultSpoolDir,
			DbPath:     constants.DefaultDbPath,
			HomeDir:    constants.DefaultHomeDir,
			LockSocket: constants.LockSocketPath,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Restore: RestoreConfig{
			LocalPatterns: constants.DefaultLocalFilePatterns,
		},
	}
}

// applyDerived fills the paths that default relative to other settings.
func (c *Config) applyDerived() {
	if c.Job.Binary == "" {
		c.Job.Binary = filepath.Join(c.Job.Sbin, constants.JobBinaryName)
	}
	if c.Paths.BackupDir == "" {
		c.Paths.BackupDir = filepath.Join(c.Paths.SpoolDir, "backup")
	}
	if c.Paths.UploadDir == "" {
		c.Paths.UploadDir = filepath.Join(c.Paths.BackupDir, "uploads")
	}
	if c.Hooks.Dir == "" {
		c.Hooks.Dir = filepath.Join(c.Paths.HomeDir, constants.DefaultHookDir)
	}
}

func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
