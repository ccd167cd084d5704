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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Soochol/station-service/internal/lifecycle"
)

func newStatusCommand() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the station control daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(pidFile)
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", defaultPIDFile(), "PID file tracking the running daemon")

	return cmd
}

// runStatus reports what the PID file and a liveness check can tell us.
// There is no admin HTTP surface in this tree, so unlike the equivalent
// controller status command this cannot report version or uptime from the
// daemon itself, only process-table facts.
func runStatus(pidFile string) error {
	pidMgr := lifecycle.NewPIDFileManager(pidFile)

	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("stationd: not running (no pid file)")
			return nil
		}
		return fmt.Errorf("read pid file: %w", err)
	}

	info, err := lifecycle.GetProcessInfo(pid)
	if err != nil {
		return fmt.Errorf("get process info: %w", err)
	}

	if !info.Running || !lifecycle.IsStationProcess(pid, processName) {
		fmt.Printf("stationd: not running (stale pid %d)\n", pid)
		return nil
	}

	fmt.Printf("stationd: running (pid %d)\n", pid)
	return nil
}
