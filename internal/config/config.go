// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads and writes the enforcer's configuration file and
// exposes the bypass policy settings consumed by the governance engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full on-disk configuration.
type Config struct {
	Database struct {
		Type string `mapstructure:"type" yaml:"type"`
		DSN  string `mapstructure:"dsn" yaml:"dsn"`
	} `mapstructure:"database" yaml:"database"`

	Bitbucket struct {
		BaseURL string `mapstructure:"base_url" yaml:"base_url"`
		Token   string `mapstructure:"token" yaml:"token"`
	} `mapstructure:"bitbucket" yaml:"bitbucket"`

	Policy struct {
		AuthorizedUser       string `mapstructure:"authorized_user" yaml:"authorized_user"`
		AuthorizedGroup      string `mapstructure:"authorized_group" yaml:"authorized_group"`
		UserKeyRetentionDays int    `mapstructure:"user_key_retention_days" yaml:"user_key_retention_days"`
	} `mapstructure:"policy" yaml:"policy"`

	Sweep struct {
		IntervalMinutes  int `mapstructure:"interval_minutes" yaml:"interval_minutes"`
		OrphanGraceHours int `mapstructure:"orphan_grace_hours" yaml:"orphan_grace_hours"`
	} `mapstructure:"sweep" yaml:"sweep"`

	Language string `mapstructure:"language" yaml:"language"`
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "ssh-key-enforcer")
		default: // Linux, macOS, etc.
			configDir = "/etc/ssh-key-enforcer"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "ssh-key-enforcer")
	}

	return filepath.Join(configDir, "ssh-key-enforcer.yaml"), nil
}

// LoadConfig resolves configuration from defaults, the config file, the
// environment (prefix SSH_KEY_ENFORCER) and the command's flags, in
// ascending precedence.
func LoadConfig(cmd *cobra.Command, defaults map[string]any, configFilePath *string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("ssh-key-enforcer")
	v.SetConfigType("yaml")

	// An explicit --config path has the highest precedence for file-based
	// configuration.
	if configFilePath != nil && *configFilePath != "" {
		v.SetConfigFile(*configFilePath)
	}

	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// It's okay if the file is not found, but other errors are fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("ssh_key_enforcer")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, nil
}

// WriteConfigFile persists the configuration to the standard location.
func WriteConfigFile(c *Config, system bool) error {
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

	// 0600 since the file may contain an API token.
	return os.WriteFile(path, data, 0600)
}
