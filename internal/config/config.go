// Package config loads the engine-tuning knobs the core itself consumes
// to construct a Downloader. This is infrastructure, not a persisted
// product-settings feature: no CLI, no settings UI, no file-watching
// reload loop.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the subset of tunables a Downloader needs at construction
// time and on ApplyConfig.
type Config struct {
	LogLevel          string        `mapstructure:"log_level"`
	DataDir           string        `mapstructure:"data_dir"`
	ResumeDBPath      string        `mapstructure:"resume_db_path"`
	MaxConnections    int           `mapstructure:"max_connections"`
	DownloadRateLimit int64         `mapstructure:"download_rate_limit"`
	UploadRateLimit   int64         `mapstructure:"upload_rate_limit"`
	PieceDeadlineMs   int           `mapstructure:"piece_deadline_ms"`
	StatsBufferSize   int           `mapstructure:"stats_buffer_size"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// Load reads config.yaml (if present) overlaid with environment
// variables, falling back to defaults tuned for a single streaming
// player. Matches the teacher's viper.SetDefault + AutomaticEnv shape.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("log_level", "info")
	viper.SetDefault("data_dir", "./downloads")
	viper.SetDefault("resume_db_path", "./downloads/resume.db")
	viper.SetDefault("max_connections", 100)
	viper.SetDefault("download_rate_limit", 0)
	viper.SetDefault("upload_rate_limit", 0)
	viper.SetDefault("piece_deadline_ms", 0)
	viper.SetDefault("stats_buffer_size", 16)
	viper.SetDefault("cleanup_interval", "10m")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
