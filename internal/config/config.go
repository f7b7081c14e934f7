// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads the single Config value hostmove builds at process
// start. Components receive it (or the part they need) explicitly; nothing
// below the CLI reads process-wide state on its own.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/toeirei/hostmove/internal/model"
)

// Config is the full hostmove configuration.
type Config struct {
	Language string `mapstructure:"language" yaml:"language"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose,omitempty"`

	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Base      BaseConfig      `mapstructure:"base" yaml:"base"`
	Export    ExportConfig    `mapstructure:"export" yaml:"export"`
	Import    ImportConfig    `mapstructure:"import" yaml:"import"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`

	// Bindings extends (or, with DisableDefaultBindings, replaces) the
	// built-in service binding table.
	Bindings               []model.ServiceBinding `mapstructure:"bindings" yaml:"bindings,omitempty"`
	DisableDefaultBindings bool                   `mapstructure:"disable_default_bindings" yaml:"disable_default_bindings,omitempty"`
}

// StorageConfig selects the storage backend and the datasets to migrate.
type StorageConfig struct {
	Backend         string   `mapstructure:"backend" yaml:"backend"`
	Pool            string   `mapstructure:"pool" yaml:"pool"`
	Root            string   `mapstructure:"root" yaml:"root,omitempty"`
	Datasets        []string `mapstructure:"datasets" yaml:"datasets,omitempty"`
	ImportNamespace string   `mapstructure:"import_namespace" yaml:"import_namespace,omitempty"`
}

// BaseConfig lists the base-directory candidates in priority order.
type BaseConfig struct {
	PoolMount   string `mapstructure:"pool_mount" yaml:"pool_mount"`
	ServiceRoot string `mapstructure:"service_root" yaml:"service_root"`
}

// ExportConfig controls package output.
type ExportConfig struct {
	OutDir    string `mapstructure:"out_dir" yaml:"out_dir"`
	PruneKeep int    `mapstructure:"prune_keep" yaml:"prune_keep,omitempty"`
}

// ImportConfig controls restore behaviour.
type ImportConfig struct {
	RestoreConfigs bool `mapstructure:"restore_configs" yaml:"restore_configs,omitempty"`
	NoReconcile    bool `mapstructure:"no_reconcile" yaml:"no_reconcile,omitempty"`
}

// HistoryConfig points at the operation history database.
type HistoryConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dsn  string `mapstructure:"dsn" yaml:"dsn"`
}

// TransportConfig configures SSH/SFTP package transport.
type TransportConfig struct {
	IdentityFile string        `mapstructure:"identity_file" yaml:"identity_file,omitempty"`
	KnownHosts   string        `mapstructure:"known_hosts" yaml:"known_hosts,omitempty"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// Defaults returns the default values keyed the way viper expects them.
func Defaults() map[string]any {
	return map[string]any{
		"language":                 "en",
		"storage.backend":          "zfs",
		"storage.pool":             "tank",
		"base.pool_mount":          "/data",
		"base.service_root":        "/srv",
		"export.out_dir":           ".",
		"history.type":             "sqlite",
		"history.dsn":              "./hostmove.db",
		"transport.timeout":        "15s",
		"disable_default_bindings": false,
	}
}

// ImportNamespace returns the dataset namespace imports are received into.
func (c Config) ImportNamespace() string {
	if c.Storage.ImportNamespace != "" {
		return c.Storage.ImportNamespace
	}
	return c.Storage.Pool + "/imported"
}

// DatasetRoot returns the dataset hierarchy root selected for export.
func (c Config) DatasetRoot() string {
	if c.Storage.Root != "" {
		return c.Storage.Root
	}
	return c.Storage.Pool
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Hostmove")
		default:
			configDir = "/etc/hostmove"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "hostmove")
	}

	return filepath.Join(configDir, "hostmove.yaml"), nil
}

// GetConfigPath exposes the config file location for the user or system scope.
func GetConfigPath(system bool) (string, error) {
	return getConfigPath(system)
}

// LoadConfig layers defaults, config files, HOSTMOVE_* environment variables
// and command flags (highest precedence) into a T.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, additionalConfigFilePath *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("hostmove")
	v.SetConfigType("yaml")

	// An explicit --config file wins over the search path.
	if additionalConfigFilePath != nil {
		v.SetConfigFile(*additionalConfigFilePath)
	}

	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	readErr := v.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return c, readErr
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("hostmove")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return c, err
	}

	// Not-found is still reported so callers can offer to write a default file.
	return c, readErr
}

// WriteConfigFile persists c as YAML in the user or system config location.
func WriteConfigFile[T any](c *T, system bool) error {
	path, err := getConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	return os.WriteFile(path, data, 0600)
}
