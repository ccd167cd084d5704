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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Backend.Timeout != 30*time.Second {
		t.Errorf("expected backend timeout 30s, got %v", cfg.Backend.Timeout)
	}
	if cfg.Workflow.InputMode != InputModeBarcode {
		t.Errorf("expected input mode barcode, got %q", cfg.Workflow.InputMode)
	}
	if cfg.IPC.RouterPort != 5555 || cfg.IPC.SubPort != 5556 {
		t.Errorf("unexpected IPC ports: router=%d sub=%d", cfg.IPC.RouterPort, cfg.IPC.SubPort)
	}
	if cfg.Paths.SequencesDir != "sequences" || cfg.Paths.DataDir != "data" {
		t.Errorf("unexpected default paths: %+v", cfg.Paths)
	}
}

func writeConfigFile(t *testing.T, yamlBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "station.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_MinimalConfig(t *testing.T) {
	path := writeConfigFile(t, `
station:
  id: station-1
  name: Line 3 Station
backend:
  url: https://mes.example.internal
  station_id: "7"
batches:
  - id: batch_1
    name: Final Test
    sequence_package: mock_success
    slot_id: 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Station.ID != "station-1" {
		t.Errorf("Station.ID = %q, want station-1", cfg.Station.ID)
	}
	// Unset fields fall back to defaults.
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want default 9000", cfg.Server.Port)
	}
	if len(cfg.Batches) != 1 || cfg.Batches[0].SlotID != 1 {
		t.Fatalf("unexpected batches: %+v", cfg.Batches)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "station:\n  id: [unterminated\n")

	if _, err := Load(path); err == nil {
		t.Error("Load() with malformed YAML returned nil error, want error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/no/such/station.yaml"); err == nil {
		t.Error("Load() with missing file returned nil error, want error")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfigFile(t, `
station:
  id: station-1
batches:
  - id: batch_1
    slot_id: 1
  - id: batch_2
    slot_id: 1
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() with duplicate slot_id returned nil error, want error")
	}
}

func TestLoad_EnvOverridesConfigPath(t *testing.T) {
	path := writeConfigFile(t, `
station:
  id: station-env
`)
	t.Setenv(ConfigPathEnv, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Station.ID != "station-env" {
		t.Errorf("Station.ID = %q, want station-env", cfg.Station.ID)
	}
}

func TestLoad_CORSEnvOverride(t *testing.T) {
	path := writeConfigFile(t, `
station:
  id: station-1
server:
  cors:
    allowed_origins:
      - https://from-file.example
`)
	t.Setenv(CORSOriginsEnv, "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Server.CORS.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v, want %v", cfg.Server.CORS.AllowedOrigins, want)
	}
	for i, origin := range want {
		if cfg.Server.CORS.AllowedOrigins[i] != origin {
			t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.Server.CORS.AllowedOrigins[i], origin)
		}
	}
}

func TestLoadFromFile_ExpandsHomeDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	dir, err := os.MkdirTemp(home, "station-config-test-")
	if err != nil {
		t.Skip("cannot create temp dir under home")
	}
	defer os.RemoveAll(dir)

	relBase := dir[len(home):]
	configPath := filepath.Join(dir, "station.yaml")
	if err := os.WriteFile(configPath, []byte("station:\n  id: home-station\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load("~" + relBase + "/station.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Station.ID != "home-station" {
		t.Errorf("Station.ID = %q, want home-station", cfg.Station.ID)
	}
}
