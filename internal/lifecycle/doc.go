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

/*
Package lifecycle manages the station control daemon's own process
lifecycle: cmd/stationctl uses it to background, PID-track, and tear down
a cmd/stationd process, independent of the batches stationd itself
supervises over the IPC fabric.

# PID File Management

PID files are security-sensitive as they control which process receives
shutdown signals. The package uses exclusive file locking (flock) and atomic
creation (O_EXCL) to prevent race conditions and symlink attacks:

	manager := lifecycle.NewPIDFileManager("/var/run/stationd.pid")
	if err := manager.Create(1234); err != nil {
	    // Handle error
	}
	defer manager.Remove()

# Process Operations

Process validation ensures signals are sent only to station service
processes, preventing accidental kills of unrelated processes if a PID file
goes stale:

	pid, err := manager.Read()
	if err != nil {
	    // Handle error
	}

	if !lifecycle.IsStationProcess(pid, "stationd") {
	    // PID file is stale or corrupted
	}

	if err := lifecycle.SendSignal(pid, syscall.SIGTERM); err != nil {
	    // Handle error
	}

# Health Checking

HealthChecker polls an HTTP endpoint with exponential backoff. stationd
exposes no such admin surface, so cmd/stationctl does not use this type;
it is kept for an admin API that isn't built yet.

# Process Spawning

Detached process spawning is how cmd/stationctl backgrounds a cmd/stationd
process on "start":

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached("/path/to/stationd", args, logPath)
	if err != nil {
	    // Handle error
	}

# Lifecycle Logging

Every start/stop cmd/stationctl performs is logged for audit purposes:

	logger := lifecycle.NewLifecycleLogger("/path/to/lifecycle.log")
	logger.LogStart("1.0.0", args, configFile)
	logger.LogStop(pid, force)
*/
package lifecycle
