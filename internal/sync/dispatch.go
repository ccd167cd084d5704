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

package sync

import (
	"context"
	"fmt"

	"github.com/Soochol/station-service/internal/backendclient"
	"github.com/Soochol/station-service/internal/store"
	stationerrors "github.com/Soochol/station-service/pkg/errors"
)

const entityTypeWIPProcess = "wip_process"

// dispatch delivers one queued item to the MES backend by entity_type/action.
func (e *Engine) dispatch(ctx context.Context, item store.SyncQueueItem) error {
	switch item.EntityType {
	case entityTypeWIPProcess:
		return e.dispatchWIPProcess(ctx, item)
	default:
		return fmt.Errorf("sync queue item %d: unknown entity_type %q", item.ID, item.EntityType)
	}
}

func (e *Engine) dispatchWIPProcess(ctx context.Context, item store.SyncQueueItem) error {
	wipIntID, err := intField(item.Payload, "wip_int_id")
	if err != nil {
		return fmt.Errorf("sync queue item %d: %w", item.ID, err)
	}

	switch item.Action {
	case "start_process":
		processID, err := intField(item.Payload, "process_id")
		if err != nil {
			return fmt.Errorf("sync queue item %d: %w", item.ID, err)
		}
		_, err = e.client.StartProcess(ctx, wipIntID, processID)
		return err

	case "complete_process":
		processID, err := intField(item.Payload, "process_id")
		if err != nil {
			return fmt.Errorf("sync queue item %d: %w", item.ID, err)
		}
		operatorID, err := intField(item.Payload, "operator_id")
		if err != nil {
			return fmt.Errorf("sync queue item %d: %w", item.ID, err)
		}
		body := backendclient.CompleteProcessRequest{}
		if result, ok := item.Payload["result"].(string); ok {
			body.Result = result
		}
		return e.client.CompleteProcess(ctx, wipIntID, processID, operatorID, body)

	case "convert_to_serial":
		_, err := e.client.ConvertToSerial(ctx, wipIntID)
		return err

	default:
		return fmt.Errorf("sync queue item %d: unknown action %q for entity_type %q", item.ID, item.Action, item.EntityType)
	}
}

func intField(payload map[string]interface{}, key string) (int, error) {
	v, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("missing %q in payload", key)
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("%q has unexpected type %T", key, v)
	}
}

// isPermanentFailure reports whether err represents a business-rule
// rejection the backend will never accept on retry, as opposed to a
// transient connectivity failure.
func isPermanentFailure(err error) bool {
	switch err.(type) {
	case *stationerrors.PrerequisiteNotMetError, *stationerrors.DuplicatePassError,
		*stationerrors.InvalidWIPStatusError, *stationerrors.WIPNotFoundError:
		return true
	}
	if be, ok := err.(*stationerrors.BackendError); ok {
		return !be.IsRetryable
	}
	return false
}
