// Package config loads daemon configuration from config_dir/settings.json,
// with environment variable overrides, via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Settings is the user-level configuration described in spec §6.
type Settings struct {
	MountPoint                string   `mapstructure:"mount_point"`
	DownloadFolders           []string `mapstructure:"download_folders"`
	SyncIntervalS             int      `mapstructure:"sync_interval_s"`
	DeltaIntervalS            int      `mapstructure:"delta_interval_s"`
	LargeUploadThresholdBytes int64    `mapstructure:"large_upload_threshold_bytes"`
	RetryBackoffBaseMS        int      `mapstructure:"retry_backoff_base_ms"`
	RetryMax                  int      `mapstructure:"retry_max"`

	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// SyncInterval returns SyncIntervalS as a time.Duration.
func (s *Settings) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalS) * time.Second
}

// DeltaInterval returns DeltaIntervalS as a time.Duration, defaulting to
// the sync interval when unset (spec §6: "default equal to sync interval").
func (s *Settings) DeltaInterval() time.Duration {
	if s.DeltaIntervalS <= 0 {
		return s.SyncInterval()
	}
	return time.Duration(s.DeltaIntervalS) * time.Second
}

func defaults() *Settings {
	home, _ := os.UserHomeDir()
	return &Settings{
		MountPoint:                filepath.Join(home, "OneDrive"),
		DownloadFolders:           []string{},
		SyncIntervalS:             30,
		DeltaIntervalS:            0,
		LargeUploadThresholdBytes: 4 << 20,
		RetryBackoffBaseMS:        500,
		RetryMax:                  8,
		DataDir:                   filepath.Join(home, ".local", "share", "onedrived"),
		LogLevel:                  "info",
		LogFormat:                 "console",
	}
}

// Load reads config_dir/settings.json, applying defaults and ONEDRIVED_*
// environment variable overrides (mirroring the override pattern of the
// viper-based synology-file-cache config loader in the retrieved pack).
func Load(configDir string) (*Settings, error) {
	v := viper.New()
	v.SetConfigName("settings")
	v.SetConfigType("json")
	if configDir != "" {
		v.AddConfigPath(configDir)
	}
	v.SetEnvPrefix("ONEDRIVED")
	v.AutomaticEnv()

	d := defaults()
	v.SetDefault("mount_point", d.MountPoint)
	v.SetDefault("download_folders", d.DownloadFolders)
	v.SetDefault("sync_interval_s", d.SyncIntervalS)
	v.SetDefault("delta_interval_s", d.DeltaIntervalS)
	v.SetDefault("large_upload_threshold_bytes", d.LargeUploadThresholdBytes)
	v.SetDefault("retry_backoff_base_ms", d.RetryBackoffBaseMS)
	v.SetDefault("retry_max", d.RetryMax)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if s.SyncIntervalS <= 0 {
		s.SyncIntervalS = d.SyncIntervalS
	}
	if s.LargeUploadThresholdBytes <= 0 {
		s.LargeUploadThresholdBytes = d.LargeUploadThresholdBytes
	}
	if s.RetryBackoffBaseMS <= 0 {
		s.RetryBackoffBaseMS = d.RetryBackoffBaseMS
	}
	if s.RetryMax <= 0 {
		s.RetryMax = d.RetryMax
	}

	return &s, nil
}

// Paths derives the persistent state layout from Settings.DataDir (§6).
type Paths struct {
	DataDir     string
	MetadataDB  string
	DownloadDir string
	TmpDir      string
}

// DerivePaths computes the persistent state layout rooted at DataDir.
func (s *Settings) DerivePaths() Paths {
	return Paths{
		DataDir:     s.DataDir,
		MetadataDB:  filepath.Join(s.DataDir, "metadata.db"),
		DownloadDir: filepath.Join(s.DataDir, "downloads"),
		TmpDir:      filepath.Join(s.DataDir, "downloads", "tmp"),
	}
}

// EnsureLayout creates the persistent state directories if absent.
func (s *Settings) EnsureLayout() (Paths, error) {
	p := s.DerivePaths()
	for _, dir := range []string{p.DataDir, p.DownloadDir, p.TmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return p, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return p, nil
}
