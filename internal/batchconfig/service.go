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

// Package batchconfig implements the Batch Config Service: persist-first
// create/update/delete of a station's batch configurations (spec §4.11).
// Every mutation writes the YAML configuration file before it touches the
// Batch Manager's in-memory config table, and rolls the file back if the
// in-memory step is rejected.
package batchconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Soochol/station-service/internal/batchmanager"
	"github.com/Soochol/station-service/internal/config"
	stationerrors "github.com/Soochol/station-service/pkg/errors"
	"gopkg.in/yaml.v3"
)

// maxBackups caps how many rotated copies of the config file are kept
// (spec §4.11: "rotate backups keeping last 5").
const maxBackups = 5

// Registry is the subset of *batchmanager.Manager the service depends on.
type Registry interface {
	Config(batchID string) (*batchmanager.BatchConfig, bool)
	RegisterConfig(cfg *batchmanager.BatchConfig)
	RemoveConfig(batchID string)
	AllocateSlot() (int, error)
	IsRunning(batchID string) bool
}

// Service persists batch configuration changes to the YAML config file and
// mirrors them into the Batch Manager's in-memory table.
//
// A single mutex serializes Create/Update/Delete (spec §5 "Batch Config
// Service uses one service-level mutex around create/update/delete to
// serialize YAML writes and memory updates").
type Service struct {
	mu      sync.Mutex
	path    string
	manager Registry
}

// New constructs a Service that persists to path, the same YAML file the
// daemon loaded its startup configuration from.
func New(path string, manager Registry) *Service {
	return &Service{path: path, manager: manager}
}

// CreateRequest describes a new batch. SlotID of 0 means auto-allocate the
// lowest free slot.
type CreateRequest struct {
	ID              string
	Name            string
	SequencePackage string
	SlotID          int
	AutoStart       bool
	Hardware        map[string]interface{}
	Parameters      map[string]interface{}
	Config          map[string]interface{}
	ProcessID       int
	HeaderID        int
	BarcodeScanner  *config.BarcodeScannerConfig
}

// UpdateRequest patches an existing batch. Nil pointer fields and nil maps
// leave the corresponding stored value untouched; dict-typed fields that
// are supplied are merged key-by-key into the existing map, never replaced
// wholesale (spec §4.11).
type UpdateRequest struct {
	Name            *string
	SequencePackage *string
	SlotID          *int
	AutoStart       *bool
	Hardware        map[string]interface{}
	Parameters      map[string]interface{}
	Config          map[string]interface{}
	ProcessID       *int
	HeaderID        *int
	BarcodeScanner  *config.BarcodeScannerConfig
}

// Create validates req, allocates a slot if none was given, persists the
// new batch to the config file, and registers it with the Batch Manager.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*config.BatchConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		return nil, &stationerrors.ValidationError{Field: "id", Message: "batch id is required"}
	}
	if req.Name == "" {
		return nil, &stationerrors.ValidationError{Field: "name", Message: "batch name is required"}
	}
	if req.SequencePackage == "" {
		return nil, &stationerrors.ValidationError{Field: "sequence_package", Message: "sequence package is required"}
	}

	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	if indexOf(cfg.Batches, req.ID) >= 0 {
		return nil, &stationerrors.ConflictError{Resource: "batch", ID: req.ID, Reason: "already exists"}
	}

	slot := req.SlotID
	if slot == 0 {
		slot, err = s.manager.AllocateSlot()
		if err != nil {
			return nil, err
		}
	} else if slot < config.MinSlotID || slot > config.MaxSlotID {
		return nil, &stationerrors.ValidationError{
			Field:   "slot_id",
			Message: fmt.Sprintf("slot_id must be in [%d, %d]", config.MinSlotID, config.MaxSlotID),
		}
	} else {
		for _, b := range cfg.Batches {
			if b.SlotID == slot {
				return nil, &stationerrors.ConflictError{Resource: "slot", ID: fmt.Sprintf("%d", slot), Reason: "already occupied"}
			}
		}
	}

	entry := config.BatchConfig{
		ID:              req.ID,
		Name:            req.Name,
		SequencePackage: req.SequencePackage,
		SlotID:          slot,
		AutoStart:       req.AutoStart,
		Hardware:        req.Hardware,
		Parameters:      req.Parameters,
		Config:          req.Config,
		ProcessID:       req.ProcessID,
		HeaderID:        req.HeaderID,
		BarcodeScanner:  req.BarcodeScanner,
	}
	cfg.Batches = append(cfg.Batches, entry)

	if err := s.persist(cfg); err != nil {
		return nil, err
	}

	// The Batch Manager's in-memory table is a separate source of truth the
	// daemon also feeds at startup (Service Container), so a concurrent
	// direct registration could in principle race us here. Detect it and
	// roll the file write back rather than silently clobbering it.
	if _, exists := s.manager.Config(req.ID); exists {
		cfg.Batches = cfg.Batches[:len(cfg.Batches)-1]
		if rbErr := s.persist(cfg); rbErr != nil {
			return nil, &stationerrors.PersistenceError{Op: "create batch rollback", Cause: rbErr}
		}
		return nil, &stationerrors.PersistenceError{
			Op:    "register batch",
			Cause: &stationerrors.ConflictError{Resource: "batch", ID: req.ID, Reason: "already registered"},
		}
	}

	s.manager.RegisterConfig(toManagerConfig(&entry))
	return &entry, nil
}

// Update patches an existing batch. It rejects the call outright if the
// batch is currently running.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*config.BatchConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager.IsRunning(id) {
		return nil, &stationerrors.StateError{Resource: "batch", ID: id, State: "running", Reason: "cannot update a running batch"}
	}

	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	idx := indexOf(cfg.Batches, id)
	if idx < 0 {
		return nil, &stationerrors.NotFoundError{Resource: "batch", ID: id}
	}
	entry := cfg.Batches[idx]

	if req.Name != nil {
		entry.Name = *req.Name
	}
	if req.SequencePackage != nil {
		entry.SequencePackage = *req.SequencePackage
	}
	if req.AutoStart != nil {
		entry.AutoStart = *req.AutoStart
	}
	if req.ProcessID != nil {
		entry.ProcessID = *req.ProcessID
	}
	if req.HeaderID != nil {
		entry.HeaderID = *req.HeaderID
	}
	if req.BarcodeScanner != nil {
		entry.BarcodeScanner = req.BarcodeScanner
	}
	if req.SlotID != nil {
		slot := *req.SlotID
		if slot < config.MinSlotID || slot > config.MaxSlotID {
			return nil, &stationerrors.ValidationError{
				Field:   "slot_id",
				Message: fmt.Sprintf("slot_id must be in [%d, %d]", config.MinSlotID, config.MaxSlotID),
			}
		}
		for i, b := range cfg.Batches {
			if i != idx && b.SlotID == slot {
				return nil, &stationerrors.ConflictError{Resource: "slot", ID: fmt.Sprintf("%d", slot), Reason: "already occupied"}
			}
		}
		entry.SlotID = slot
	}

	entry.Hardware = mergeMaps(entry.Hardware, req.Hardware)
	entry.Parameters = mergeMaps(entry.Parameters, req.Parameters)
	entry.Config = mergeMaps(entry.Config, req.Config)

	cfg.Batches[idx] = entry
	if err := s.persist(cfg); err != nil {
		return nil, err
	}

	s.manager.RegisterConfig(toManagerConfig(&entry))
	return &entry, nil
}

// Delete removes a batch from both the config file and the Batch Manager.
// It rejects the call if the batch is currently running.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manager.IsRunning(id) {
		return &stationerrors.StateError{Resource: "batch", ID: id, State: "running", Reason: "cannot delete a running batch"}
	}

	cfg, err := s.load()
	if err != nil {
		return err
	}
	idx := indexOf(cfg.Batches, id)
	if idx < 0 {
		return &stationerrors.NotFoundError{Resource: "batch", ID: id}
	}
	cfg.Batches = append(cfg.Batches[:idx], cfg.Batches[idx+1:]...)

	if err := s.persist(cfg); err != nil {
		return err
	}

	s.manager.RemoveConfig(id)
	return nil
}

// load reads and parses the current config file.
func (s *Service) load() (*config.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "read config file", Cause: err}
	}
	cfg := &config.Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &stationerrors.PersistenceError{Op: "parse config file", Cause: err}
	}
	return cfg, nil
}

// persist rotates the existing config file into a numbered backup, then
// writes the new content via a temp-file-plus-rename, matching the
// teacher's SettingsFile.Save atomic-write idiom.
func (s *Service) persist(cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "marshal config", Cause: err}
	}

	if err := rotateBackups(s.path); err != nil {
		return &stationerrors.PersistenceError{Op: "rotate config backups", Cause: err}
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return &stationerrors.PersistenceError{Op: "write temp config file", Cause: err}
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return &stationerrors.PersistenceError{Op: "rename config file", Cause: err}
	}
	return nil
}

// rotateBackups shifts path.bak1..path.bak(maxBackups-1) up one slot,
// dropping the oldest, then copies the current file (if any) into
// path.bak1. A missing current file (first-ever write) is a no-op.
func rotateBackups(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	for i := maxBackups - 1; i >= 1; i-- {
		src := backupPath(path, i)
		dst := backupPath(path, i+1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return err
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return os.WriteFile(backupPath(path, 1), data, 0600)
}

func backupPath(path string, n int) string {
	return fmt.Sprintf("%s.bak%d", path, n)
}

// ListBackups returns the rotated backup files for path, newest first.
func ListBackups(path string) ([]string, error) {
	matches, err := filepath.Glob(path + ".bak*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func indexOf(batches []config.BatchConfig, id string) int {
	for i, b := range batches {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// mergeMaps merges patch into base, adding/overwriting keys and leaving
// everything else in base untouched (spec §4.11: dict-typed fields are
// merged, not replaced).
func mergeMaps(base, patch map[string]interface{}) map[string]interface{} {
	if patch == nil {
		return base
	}
	if base == nil {
		base = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		base[k] = v
	}
	return base
}

func toManagerConfig(c *config.BatchConfig) *batchmanager.BatchConfig {
	var scanner map[string]interface{}
	if c.BarcodeScanner != nil {
		scanner = map[string]interface{}{
			"enabled": c.BarcodeScanner.Enabled,
			"device":  c.BarcodeScanner.Device,
		}
	}
	return &batchmanager.BatchConfig{
		ID:              c.ID,
		Name:            c.Name,
		SequencePackage: c.SequencePackage,
		SlotID:          c.SlotID,
		AutoStart:       c.AutoStart,
		HardwareMap:     c.Hardware,
		Parameters:      c.Parameters,
		ProcessID:       c.ProcessID,
		HeaderID:        c.HeaderID,
		BarcodeScanner:  scanner,
	}
}
