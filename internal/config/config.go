// Package config loads the engine's supervisor timeouts and external
// endpoints from environment variables, with an optional YAML file
// providing defaults and an optional file watch for picking up changes
// to that file without a restart.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/oet/pkg/log"
)

// Config holds every tunable the supervisor and API need at startup.
type Config struct {
	ODAURL          string        `yaml:"oda_url"`
	ScriptsLocation string        `yaml:"scripts_location"`
	APIAddr         string        `yaml:"api_addr"`
	WorkerBinary    string        `yaml:"worker_binary"`

	TStartup time.Duration `yaml:"t_startup"`
	TSoft    time.Duration `yaml:"t_soft"`
	THard    time.Duration `yaml:"t_hard"`
	TEnv     time.Duration `yaml:"t_env"`
	TAPI     time.Duration `yaml:"t_api"`
	H        int           `yaml:"h"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Defaults returns the documented defaults for every timeout.
func Defaults() Config {
	return Config{
		APIAddr:  ":8080",
		TStartup: 30 * time.Second,
		TSoft:    5 * time.Second,
		THard:    3 * time.Second,
		TEnv:     300 * time.Second,
		TAPI:     10 * time.Second,
		H:        10,
		LogLevel: "info",
	}
}

// LoadFile merges a YAML file's contents over the defaults. A missing
// file is not an error — env vars and defaults stand alone.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadEnv merges OET_* environment variables (plus the legacy ODA_URL,
// SCRIPTS_LOCATION, and T_* timeout names) over cfg.
func LoadEnv(cfg *Config) {
	if v := os.Getenv("ODA_URL"); v != "" {
		cfg.ODAURL = v
	}
	if v := os.Getenv("SCRIPTS_LOCATION"); v != "" {
		cfg.ScriptsLocation = v
	}
	if v := os.Getenv("OET_API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("OET_WORKER_BINARY"); v != "" {
		cfg.WorkerBinary = v
	}
	if v := os.Getenv("OET_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OET_LOG_JSON"); v != "" {
		cfg.LogJSON, _ = strconv.ParseBool(v)
	}

	durationEnv("T_startup", &cfg.TStartup)
	durationEnv("T_soft", &cfg.TSoft)
	durationEnv("T_hard", &cfg.THard)
	durationEnv("T_env", &cfg.TEnv)
	durationEnv("T_api", &cfg.TAPI)

	if v := os.Getenv("H"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.H = n
		}
	}
}

func durationEnv(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	// Accept either a bare integer (seconds) or a Go duration string.
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

// Load builds the effective configuration: Defaults, overridden by
// yamlPath (if present), overridden by environment variables.
func Load(yamlPath string) (Config, error) {
	cfg := Defaults()
	if yamlPath != "" {
		if err := LoadFile(yamlPath, &cfg); err != nil {
			return cfg, err
		}
	}
	LoadEnv(&cfg)
	return cfg, nil
}

// WatchFile watches yamlPath for changes and invokes onChange with the
// freshly reloaded Config whenever the file is written. Mirrors the
// corpus's fsnotify-based config reload pattern; env vars still take
// precedence over each reload since LoadEnv runs last.
func WatchFile(yamlPath string, onChange func(Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(yamlPath); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		cfgLog := log.WithComponent("config")
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(yamlPath)
				if err != nil {
					cfgLog.Warn().Err(err).Msg("failed to reload config")
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cfgLog.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return watcher, nil
}
