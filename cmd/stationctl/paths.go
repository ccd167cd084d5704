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

package main

import (
	"os"
	"path/filepath"
)

const processName = "stationd"

// defaultPIDFile returns ~/.station/stationd.pid, falling back to /tmp if
// the home directory cannot be resolved.
func defaultPIDFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/stationd.pid"
	}
	return filepath.Join(home, ".station", "stationd.pid")
}

// defaultLifecycleLogPath returns ~/.local/share/station/lifecycle.log.
func defaultLifecycleLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/station-lifecycle.log"
	}
	return filepath.Join(home, ".local", "share", "station", "lifecycle.log")
}

// defaultDaemonLogPath returns ~/.local/share/station/stationd.log.
func defaultDaemonLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/stationd.log"
	}
	return filepath.Join(home, ".local", "share", "station", "stationd.log")
}
