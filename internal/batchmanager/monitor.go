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

package batchmanager

import (
	"context"
	"time"

	"github.com/Soochol/station-service/internal/events"
)

const monitorInterval = 1 * time.Second

// RunMonitor polls every batch's runtime handle once per monitorInterval
// and reaps any that have crashed (spec §4.8 "Monitor loop"). It races
// with operator-initiated StopBatch; both pop/unregister safely on a
// missing key, so at most one of them observes a given exit.
func (m *Manager) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapCrashed()
		}
	}
}

func (m *Manager) reapCrashed() {
	m.mu.RLock()
	snapshot := make(map[string]*runtimeHandle, len(m.batches))
	for id, h := range m.batches {
		snapshot[id] = h
	}
	m.mu.RUnlock()

	for batchID, handle := range snapshot {
		if handle.alive() {
			continue
		}

		m.mu.Lock()
		current, stillTracked := m.batches[batchID]
		if stillTracked && current == handle {
			delete(m.batches, batchID)
		}
		m.mu.Unlock()
		if !stillTracked || current != handle {
			continue
		}

		m.ipc.Unregister(batchID)

		handle.mu.Lock()
		exitCode := handle.exitCode
		handle.mu.Unlock()

		m.logger.Warn("batch worker crashed", "batch_id", batchID, "exit_code", exitCode)
		m.emitter.Emit(events.Event{
			Type:    events.BatchCrashed,
			BatchID: batchID,
			Data:    map[string]interface{}{"exit_code": exitCode},
		})
	}
}
