// Package config loads runtime configuration for the softdial backend.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// Config holds all runtime configuration for the softdial backend.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	AccountPath string // JSON account file (SIP credentials, audio devices)
	HTTPPort    int    // metrics + websocket frontend
	SIPPort     int
	LogLevel    string
	LogFormat   string // "text" or "json"
	Strict      bool   // treat invariant violations as errors, not logged skips
}

// defaults
const (
	defaultDataDir     = "./data"
	defaultAccountPath = "softdial_config.json"
	defaultHTTPPort    = 8080
	defaultSIPPort     = 5060
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
)

// envPrefix is the prefix for all softdial environment variables.
const envPrefix = "SOFTDIAL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("softdial", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for call history and contacts")
	fs.StringVar(&cfg.AccountPath, "account", defaultAccountPath, "path to the JSON account configuration file")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP listen port for metrics and the websocket frontend")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.BoolVar(&cfg.Strict, "strict", false, "fail hard on internal invariant violations")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":   envPrefix + "DATA_DIR",
		"account":    envPrefix + "ACCOUNT",
		"http-port":  envPrefix + "HTTP_PORT",
		"sip-port":   envPrefix + "SIP_PORT",
		"log-level":  envPrefix + "LOG_LEVEL",
		"log-format": envPrefix + "LOG_FORMAT",
		"strict":     envPrefix + "STRICT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "account":
			cfg.AccountPath = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "strict":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.Strict = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// SlogLevel maps the configured log level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SIPSettings are the account credentials for the upstream registrar.
type SIPSettings struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
	Proxy    string `json:"proxy"`
}

// AudioSettings select the capture and playback devices. Nil means the
// engine's default device.
type AudioSettings struct {
	InputDevice  *int `json:"input_device"`
	OutputDevice *int `json:"output_device"`
}

// Account is the user-editable account configuration, kept in a JSON file
// separate from the runtime flags so the frontend can manage it.
type Account struct {
	SIP   SIPSettings   `json:"sip"`
	Audio AudioSettings `json:"audio"`
}

// LoadAccount reads the account file at path, merging it over defaults.
// A missing file yields an empty account; registration later fails with a
// clear error if credentials are absent.
func LoadAccount(path string) (*Account, error) {
	acc := &Account{}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return acc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading account file: %w", err)
	}

	// Unmarshal into the defaults: fields absent from the file keep
	// their default values, nested objects merge field by field.
	if err := json.Unmarshal(data, acc); err != nil {
		return nil, fmt.Errorf("parsing account file %s: %w", path, err)
	}
	return acc, nil
}
