// Package config loads and persists the dispatcher's app-config file,
// the Go equivalent of the original server's config.json plus
// SD_UI_BIND_PORT/SD_UI_BIND_IP environment overrides.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// NetConfig mirrors the original config's "net" section.
type NetConfig struct {
	ListenPort      int  `json:"listen_port,omitempty"`
	ListenToNetwork bool `json:"listen_to_network,omitempty"`
}

// UIConfig mirrors the original config's "ui" section.
type UIConfig struct {
	OpenBrowserOnStart bool `json:"open_browser_on_start"`
}

// AppConfig is the full persisted configuration document.
type AppConfig struct {
	RenderDevices string    `json:"render_devices"`
	UpdateBranch  string    `json:"update_branch"`
	UI            UIConfig  `json:"ui"`
	Net           NetConfig `json:"net"`
}

// Defaults returns the factory AppConfig, matching APP_CONFIG_DEFAULTS.
func Defaults() AppConfig {
	return AppConfig{
		RenderDevices: "auto",
		UpdateBranch:  "main",
		UI:            UIConfig{OpenBrowserOnStart: true},
		Net:           NetConfig{ListenPort: 9000},
	}
}

// Store reads and writes a single config.json under Dir, applying the
// SD_UI_BIND_PORT / SD_UI_BIND_IP environment overrides on every Load,
// same as the original getConfig.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store { return &Store{Dir: dir} }

func (s *Store) path() string { return filepath.Join(s.Dir, "config.json") }

// Load returns the persisted config, or Defaults() if no config.json
// exists yet or it cannot be parsed.
func (s *Store) Load() AppConfig {
	cfg := Defaults()
	data, err := os.ReadFile(s.path())
	if err != nil {
		return applyEnvOverrides(cfg)
	}
	var onDisk AppConfig
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return applyEnvOverrides(cfg)
	}
	return applyEnvOverrides(onDisk)
}

func applyEnvOverrides(cfg AppConfig) AppConfig {
	if v := os.Getenv("SD_UI_BIND_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Net.ListenPort = port
		}
	}
	if v := os.Getenv("SD_UI_BIND_IP"); v != "" {
		cfg.Net.ListenToNetwork = v == "0.0.0.0"
	}
	return cfg
}

// Save persists cfg to config.json, creating Dir if needed.
func (s *Store) Save(cfg AppConfig) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(), data, 0o644)
}

// Patch applies a partial update document (the POST /app_config body)
// onto the currently persisted config and saves the result, mirroring
// server.py's app_config handler: only fields the caller actually sent
// are touched.
type Patch struct {
	RenderDevices        *string `json:"render_devices"`
	UpdateBranch         *string `json:"update_branch"`
	ListenPort           *int    `json:"listen_port"`
	ListenToNetwork      *bool   `json:"listen_to_network"`
	UIOpenBrowserOnStart *bool   `json:"ui_open_browser_on_start"`
}

func (s *Store) Patch(p Patch) (AppConfig, error) {
	cfg := s.Load()
	if p.RenderDevices != nil {
		cfg.RenderDevices = *p.RenderDevices
	}
	if p.UpdateBranch != nil {
		cfg.UpdateBranch = *p.UpdateBranch
	}
	if p.ListenPort != nil {
		cfg.Net.ListenPort = *p.ListenPort
	}
	if p.ListenToNetwork != nil {
		cfg.Net.ListenToNetwork = *p.ListenToNetwork
	}
	if p.UIOpenBrowserOnStart != nil {
		cfg.UI.OpenBrowserOnStart = *p.UIOpenBrowserOnStart
	}
	if err := s.Save(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
