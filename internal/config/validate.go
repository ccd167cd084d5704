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
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Validate checks that the configuration is internally consistent. It
// enforces the slot-uniqueness invariant (I1): every batch's slot_id falls
// within [MinSlotID, MaxSlotID] and no two batches share a slot.
func (c *Config) Validate() error {
	var errs []string

	if c.Station.ID == "" {
		errs = append(errs, "station.id must not be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be in [1, 65535], got %d", c.Server.Port))
	}

	validInputModes := map[string]bool{InputModeBarcode: true, InputModeManual: true}
	if c.Workflow.Enabled && !validInputModes[c.Workflow.InputMode] {
		errs = append(errs, fmt.Sprintf("workflow.input_mode must be one of [barcode, manual], got %q", c.Workflow.InputMode))
	}

	if c.Workflow.RequireOperatorLogin && c.Workflow.DefaultOperatorID != "" {
		errs = append(errs, "workflow.default_operator_id must not be set when workflow.require_operator_login is true")
	}

	if c.IPC.RouterPort != 0 && c.IPC.RouterPort == c.IPC.SubPort {
		errs = append(errs, fmt.Sprintf("ipc.router_port and ipc.sub_port must differ, both are %d", c.IPC.RouterPort))
	}

	seenSlots := make(map[int]string, len(c.Batches))
	seenIDs := make(map[string]bool, len(c.Batches))
	for _, b := range c.Batches {
		if b.ID == "" {
			errs = append(errs, "batch entry with empty id")
			continue
		}
		if seenIDs[b.ID] {
			errs = append(errs, fmt.Sprintf("duplicate batch id %q", b.ID))
		}
		seenIDs[b.ID] = true

		if b.SlotID < MinSlotID || b.SlotID > MaxSlotID {
			errs = append(errs, fmt.Sprintf("batch %q: slot_id must be in [%d, %d], got %d", b.ID, MinSlotID, MaxSlotID, b.SlotID))
			continue
		}
		if other, ok := seenSlots[b.SlotID]; ok {
			errs = append(errs, fmt.Sprintf("batch %q and %q both claim slot_id %d", other, b.ID, b.SlotID))
			continue
		}
		seenSlots[b.SlotID] = b.ID
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// SlotAssignments returns the slot_id -> batch id mapping for all configured
// batches. Callers use this to find a free slot before creating a batch.
func (c *Config) SlotAssignments() map[int]string {
	assignments := make(map[int]string, len(c.Batches))
	for _, b := range c.Batches {
		assignments[b.SlotID] = b.ID
	}
	return assignments
}

// FindBatch returns the batch config with the given id, and whether it was found.
func (c *Config) FindBatch(id string) (BatchConfig, bool) {
	for _, b := range c.Batches {
		if b.ID == id {
			return b, true
		}
	}
	return BatchConfig{}, false
}
