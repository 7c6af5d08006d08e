package main

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const (
	modeSpawn  = "spawn"
	modeListen = "listen"
)

// config is the supervisor configuration after defaults.
type config struct {
	Mode          string
	Command       string
	Args          []string
	Dir           string
	Socket        string
	InclusionPath []string
	StuckTimeout  time.Duration
	MetricsAddr   string
	LogLevel      string
	LogFormat     string
}

type fileConfig struct {
	Mode          string   `toml:"mode"`
	Command       string   `toml:"command"`
	Args          []string `toml:"args"`
	Dir           string   `toml:"dir"`
	Socket        string   `toml:"socket"`
	InclusionPath []string `toml:"inclusion_path"`
	StuckTimeout  string   `toml:"stuck_timeout"`
	MetricsAddr   string   `toml:"metrics_addr"`
	LogLevel      string   `toml:"log_level"`
	LogFormat     string   `toml:"log_format"`
}

func defaultConfig() config {
	return config{
		Mode:         modeSpawn,
		Command:      "tectonic",
		Socket:       "sprotocol.sock",
		StuckTimeout: 5 * time.Millisecond,
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, errors.Wrap(err, "load config")
	}

	if meta.IsDefined("mode") {
		cfg.Mode = strings.TrimSpace(raw.Mode)
	}
	if meta.IsDefined("command") {
		cfg.Command = strings.TrimSpace(raw.Command)
	}
	if meta.IsDefined("args") {
		cfg.Args = raw.Args
	}
	if meta.IsDefined("dir") {
		cfg.Dir = strings.TrimSpace(raw.Dir)
	}
	if meta.IsDefined("socket") {
		cfg.Socket = strings.TrimSpace(raw.Socket)
	}
	if meta.IsDefined("inclusion_path") {
		cfg.InclusionPath = raw.InclusionPath
	}
	if meta.IsDefined("stuck_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StuckTimeout))
		if err != nil {
			return config{}, errors.Wrap(err, "parse stuck_timeout")
		}
		cfg.StuckTimeout = d
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}

	if err := validateConfig(cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg config) error {
	switch cfg.Mode {
	case modeSpawn:
		if cfg.Command == "" {
			return errors.New("config missing command")
		}
	case modeListen:
		if cfg.Socket == "" {
			return errors.New("config missing socket")
		}
	default:
		return errors.Errorf("config mode %q is not %s or %s", cfg.Mode, modeSpawn, modeListen)
	}
	if cfg.StuckTimeout <= 0 {
		return errors.New("config stuck_timeout must be positive")
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return errors.Errorf("config log_format %q is not console or json", cfg.LogFormat)
	}
	return nil
}
