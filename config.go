package main

import (
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"
)

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

type ModelConfig struct {
	Path         string `mapstructure:"path"`
	FallbackPath string `mapstructure:"fallback_path"`
	LabelsPath   string `mapstructure:"labels_path"`
	Backend      string `mapstructure:"backend"`
	InputSize    int    `mapstructure:"input_size"`
	PoolSize     int    `mapstructure:"pool_size"`
	Threads      int    `mapstructure:"threads"`
	OrtLibrary   string `mapstructure:"ort_library"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Model  ModelConfig  `mapstructure:"model"`
	Log    LogConfig    `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.read_timeout", 60*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_upload_bytes", int64(32<<20))

	v.SetDefault("model.path", "best.onnx")
	v.SetDefault("model.fallback_path", "yolov8n.onnx")
	v.SetDefault("model.labels_path", "")
	v.SetDefault("model.backend", "onnx")
	v.SetDefault("model.input_size", 640)
	v.SetDefault("model.pool_size", 4)
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.ort_library", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", true)
}

// LoadConfig merges defaults, an optional config file and the environment.
// configFile may be empty, in which case config.{yaml,toml,json} is looked up
// in the working directory.
func LoadConfig(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, xerrors.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "SERVER_PORT", "PORT"); err != nil {
		return nil, xerrors.Errorf("bind port env: %w", err)
	}

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, xerrors.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, xerrors.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Model.Path == "" {
		return xerrors.New("model.path must be set")
	}
	if c.Server.Port == "" {
		return xerrors.New("server.port must be set")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return xerrors.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return xerrors.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}
