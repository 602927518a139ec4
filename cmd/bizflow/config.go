package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/scheduler"
	"github.com/rendis/bizflow/pkg/schema"
)

// Config holds all bizflow configuration.
// Priority: flags > BIZFLOW_* env vars > settings.yaml > defaults.
type Config struct {
	ListenAddr  string          `mapstructure:"listen_addr" yaml:"listen_addr"`
	DBPath      string          `mapstructure:"db_path" yaml:"db_path"`
	LogLevel    string          `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string          `mapstructure:"log_format" yaml:"log_format"`
	CatalogPath string          `mapstructure:"catalog_path" yaml:"catalog_path,omitempty"`
	Billing     BillingConfig   `mapstructure:"billing" yaml:"billing"`
	Payments    PaymentsConfig  `mapstructure:"payments" yaml:"payments"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
}

// BillingConfig tunes billing schedule generation.
type BillingConfig struct {
	AmountFormula string `mapstructure:"amount_formula" yaml:"amount_formula,omitempty"`
}

// PaymentsConfig tunes payment processing.
type PaymentsConfig struct {
	GatewayMethods []string `mapstructure:"gateway_methods" yaml:"gateway_methods,omitempty"`
}

// SchedulerConfig enables the cron sweeps.
type SchedulerConfig struct {
	Enabled     bool            `mapstructure:"enabled" yaml:"enabled"`
	Concurrency int             `mapstructure:"concurrency" yaml:"concurrency"`
	Jobs        []scheduler.Job `mapstructure:"jobs" yaml:"jobs,omitempty"`
}

func bizflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bizflow"
	}
	return filepath.Join(home, ".bizflow")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4200")
	v.SetDefault("db_path", filepath.Join(bizflowDir(), "bizflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("catalog_path", "")
	v.SetDefault("billing.amount_formula", "")
	v.SetDefault("payments.gateway_methods", []string{})
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.concurrency", scheduler.DefaultConcurrency)
}

// newViper returns a viper instance reading cfgFile, or settings.yaml from
// the working directory and ~/.bizflow when cfgFile is empty.
func newViper(cfgFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("settings")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(bizflowDir())
	}

	v.SetEnvPrefix("BIZFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads the config file, if any, and decodes the merged settings.
func loadConfig(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		workflowTypeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return schema.NewError(schema.ErrCodeValidation, "db_path is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "log_level: %v", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Scheduler.Concurrency < 1 {
		return schema.NewError(schema.ErrCodeValidation, "scheduler.concurrency must be at least 1")
	}
	return nil
}

// workflowTypeHook rejects unknown workflow names while decoding.
func workflowTypeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(schema.WorkflowType(""))
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != target {
			return data, nil
		}
		return schema.ParseWorkflowType(reflect.ValueOf(data).String())
	}
}
