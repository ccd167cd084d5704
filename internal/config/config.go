// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the station service's YAML
// configuration: station identity, the admin HTTP server, the MES backend
// connection, the operator workflow, git-based sequence sync, on-disk paths,
// the IPC fabric's bind ports, and the set of configured batches.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	stationerrors "github.com/Soochol/station-service/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConfigPathEnv is the environment variable naming the YAML config file.
const ConfigPathEnv = "STATION_CONFIG"

// CORSOriginsEnv overrides server.cors.allowed_origins with a comma-separated list.
const CORSOriginsEnv = "CORS_ALLOWED_ORIGINS"

// Config is the complete station service configuration.
type Config struct {
	// Version is the config format version. 1 = initial release.
	Version int `yaml:"version,omitempty"`

	Station  StationConfig  `yaml:"station"`
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Workflow WorkflowConfig `yaml:"workflow"`
	GitSync  GitSyncConfig  `yaml:"git_sync"`
	Paths    PathsConfig    `yaml:"paths"`
	IPC      IPCConfig      `yaml:"ipc"`

	// Batches lists the batches known at startup. The Batch Config Service
	// persists further create/update/delete operations back to this file.
	Batches []BatchConfig `yaml:"batches,omitempty"`
}

// StationConfig identifies this physical station to the MES backend.
type StationConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// ServerConfig configures the daemon's admin HTTP/WebSocket surface.
type ServerConfig struct {
	Host string     `yaml:"host"`
	Port int        `yaml:"port"`
	CORS CORSConfig `yaml:"cors,omitempty"`
}

// CORSConfig lists origins allowed to reach the admin API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// BackendConfig configures the MES backend client.
type BackendConfig struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key,omitempty"`
	StationID    string        `yaml:"station_id"`
	EquipmentID  string        `yaml:"equipment_id"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	SyncInterval time.Duration `yaml:"sync_interval,omitempty"`
}

// WorkflowConfig controls operator-facing behavior: how a WIP is identified,
// whether an operator must be logged in, and whether a sequence starts
// automatically once a WIP is scanned.
type WorkflowConfig struct {
	Enabled              bool   `yaml:"enabled"`
	InputMode            string `yaml:"input_mode"` // "barcode" or "manual"
	RequireOperatorLogin bool   `yaml:"require_operator_login"`
	AutoSequenceStart    bool   `yaml:"auto_sequence_start"`
	DefaultOperatorID    string `yaml:"default_operator_id,omitempty"`
}

// InputModeBarcode and InputModeManual are the recognized WorkflowConfig.InputMode values.
const (
	InputModeBarcode = "barcode"
	InputModeManual  = "manual"
)

// GitSyncConfig controls polling a git remote for sequence package updates.
type GitSyncConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	AutoPull     bool          `yaml:"auto_pull"`
}

// PathsConfig locates the on-disk directories the daemon reads and writes.
type PathsConfig struct {
	SequencesDir string `yaml:"sequences_dir"`
	DataDir      string `yaml:"data_dir"`
}

// IPCConfig configures the ZeroMQ fabric's bind ports on loopback.
type IPCConfig struct {
	RouterPort int `yaml:"router_port"`
	SubPort    int `yaml:"sub_port"`
}

// BatchConfig describes one batch: the sequence package it runs, the
// physical slot it occupies, and the MES/hardware context it carries.
type BatchConfig struct {
	ID              string                 `yaml:"id"`
	Name            string                 `yaml:"name"`
	SequencePackage string                 `yaml:"sequence_package"`
	SlotID          int                    `yaml:"slot_id"`
	AutoStart       bool                   `yaml:"auto_start"`
	Hardware        map[string]interface{} `yaml:"hardware,omitempty"`
	Parameters      map[string]interface{} `yaml:"parameters,omitempty"`
	Config          map[string]interface{} `yaml:"config,omitempty"`
	ProcessID       int                    `yaml:"process_id,omitempty"`
	HeaderID        int                    `yaml:"header_id,omitempty"`
	BarcodeScanner  *BarcodeScannerConfig  `yaml:"barcode_scanner,omitempty"`
}

// BarcodeScannerConfig configures a per-batch barcode scanner device.
type BarcodeScannerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Device  string `yaml:"device,omitempty"`
}

// MinSlotID and MaxSlotID bound the physical slots a station exposes.
const (
	MinSlotID = 1
	MaxSlotID = 12
)

// Default returns a configuration with sensible defaults for a
// freshly-installed station that hasn't yet been paired with a backend.
func Default() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9000,
		},
		Backend: BackendConfig{
			Timeout:      30 * time.Second,
			SyncInterval: 60 * time.Second,
		},
		Workflow: WorkflowConfig{
			Enabled:           true,
			InputMode:         InputModeBarcode,
			AutoSequenceStart: true,
		},
		GitSync: GitSyncConfig{
			PollInterval: 5 * time.Minute,
		},
		Paths: PathsConfig{
			SequencesDir: "sequences",
			DataDir:      "data",
		},
		IPC: IPCConfig{
			RouterPort: 5555,
			SubPort:    5556,
		},
	}
}

// Load reads the YAML file at configPath (or the STATION_CONFIG env var if
// configPath is empty), applies defaults to unset fields, overrides with
// environment variables, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = os.Getenv(ConfigPathEnv)
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &stationerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &stationerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file, expanding a leading "~/".
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyDefaults fills zero-valued fields so a minimal config file (e.g. just
// station identity and batches) still produces a runnable configuration.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = defaults.Backend.Timeout
	}
	if c.Backend.SyncInterval == 0 {
		c.Backend.SyncInterval = defaults.Backend.SyncInterval
	}
	if c.Workflow.InputMode == "" {
		c.Workflow.InputMode = defaults.Workflow.InputMode
	}
	if c.GitSync.PollInterval == 0 {
		c.GitSync.PollInterval = defaults.GitSync.PollInterval
	}
	if c.Paths.SequencesDir == "" {
		c.Paths.SequencesDir = defaults.Paths.SequencesDir
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = defaults.Paths.DataDir
	}
	if c.IPC.RouterPort == 0 {
		c.IPC.RouterPort = defaults.IPC.RouterPort
	}
	if c.IPC.SubPort == 0 {
		c.IPC.SubPort = defaults.IPC.SubPort
	}
}

// loadFromEnv overrides configuration from environment variables.
// CORS_ALLOWED_ORIGINS is the only override named in the deployment
// contract; it takes precedence over server.cors.allowed_origins in the file.
func (c *Config) loadFromEnv() {
	if val := os.Getenv(CORSOriginsEnv); val != "" {
		origins := strings.Split(val, ",")
		for i, o := range origins {
			origins[i] = strings.TrimSpace(o)
		}
		c.Server.CORS.AllowedOrigins = origins
	}
}
