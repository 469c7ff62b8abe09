package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the CLI configuration stored in ~/.wnpchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Embed   ConfigEmbed   `toml:"embed"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	LogLevel string `toml:"log_level"`
}

// ConfigEmbed holds embedded-mode settings.
type ConfigEmbed struct {
	Secret string `toml:"secret"`
	Tenant string `toml:"tenant"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.wnpchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".wnpchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file. A missing file yields a
// zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "embed":
		switch field {
		case "secret":
			cfg.Embed.Secret = value
		case "tenant":
			cfg.Embed.Tenant = value
		default:
			return fmt.Errorf("unknown field %q in section [embed]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, embed)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wnpchat",
	Short: "WNP Chat CLI",
	Long:  "Command-line client for the WNP chat service.\nLog in, browse channels, send messages, and watch realtime activity.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initViper()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("base-url", "", "API base URL")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	bindFlag("default.base_url", "base-url")
	bindFlag("default.log_level", "log-level")
}

func bindFlag(key, flag string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// initViper layers flag > env > config file > stored TOML defaults.
func initViper() error {
	viper.SetEnvPrefix("WNPCHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	viper.SetDefault("default.base_url", cfg.Default.BaseURL)
	viper.SetDefault("default.log_level", cfg.Default.LogLevel)
	viper.SetDefault("embed.secret", cfg.Embed.Secret)
	viper.SetDefault("embed.tenant", cfg.Embed.Tenant)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
