// Package config loads runtime configuration from environment variables and an
// optional config file. All binaries share one AppConfig so the server and the
// workers agree on queue keys, batch limits and retention.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App struct {
		Name        string `mapstructure:"name"`
		Port        string `mapstructure:"port"`
		MetricsPort string `mapstructure:"metrics_port"`
		APIKey      string `mapstructure:"api_key"`
	} `mapstructure:"app"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`

	OCR struct {
		Languages     string        `mapstructure:"languages"`
		TesseractPath string        `mapstructure:"tesseract_path"`
		PdftoppmPath  string        `mapstructure:"pdftoppm_path"`
		StageTimeout  time.Duration `mapstructure:"stage_timeout"`
	} `mapstructure:"ocr"`

	Worker struct {
		IdleBackoff    time.Duration `mapstructure:"idle_backoff"`
		MaxIdleBackoff time.Duration `mapstructure:"max_idle_backoff"`
	} `mapstructure:"worker"`

	Queue struct {
		Retention time.Duration `mapstructure:"retention"`
		BatchCap  int           `mapstructure:"batch_cap"`
	} `mapstructure:"queue"`
}

// Load reads ocrflow.yaml from the working directory when present, then layers
// OCRFLOW_* environment variables on top (e.g. OCRFLOW_REDIS_ADDR).
func Load() (*AppConfig, error) {
	v := viper.New()

	// Every key needs a default, even an empty one: AutomaticEnv only
	// resolves keys viper already knows about, so an undefaulted key would
	// make its OCRFLOW_* override silently dead.
	v.SetDefault("app.name", "ocrflow")
	v.SetDefault("app.port", "8081")
	v.SetDefault("app.metrics_port", "8080")
	v.SetDefault("app.api_key", "")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("ocr.languages", "tur+eng")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.pdftoppm_path", "pdftoppm")
	v.SetDefault("ocr.stage_timeout", time.Minute)
	v.SetDefault("worker.idle_backoff", 5*time.Second)
	v.SetDefault("worker.max_idle_backoff", 40*time.Second)
	v.SetDefault("queue.retention", 7*24*time.Hour)
	v.SetDefault("queue.batch_cap", 300)

	v.SetConfigName("ocrflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ocrflow")

	v.SetEnvPrefix("OCRFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env vars and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
