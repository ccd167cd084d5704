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
	"time"

	"github.com/spf13/cobra"

	"github.com/Soochol/station-service/internal/lifecycle"
)

func newStopCommand() *cobra.Command {
	var (
		pidFile   string
		lcLogPath string
		timeout   time.Duration
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running station control daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(stopOptions{
				pidFile:   pidFile,
				lcLogPath: lcLogPath,
				timeout:   timeout,
				force:     force,
			})
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", defaultPIDFile(), "PID file tracking the running daemon")
	cmd.Flags().StringVar(&lcLogPath, "lifecycle-log", defaultLifecycleLogPath(), "JSON-lines log of start/stop lifecycle events")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for a graceful exit before giving up")
	cmd.Flags().BoolVar(&force, "force", false, "SIGKILL if the daemon does not exit gracefully within the timeout")

	return cmd
}

type stopOptions struct {
	pidFile   string
	lcLogPath string
	timeout   time.Duration
	force     bool
}

func runStop(opts stopOptions) error {
	pidMgr := lifecycle.NewPIDFileManager(opts.pidFile)
	lcLog := lifecycle.NewLifecycleLogger(opts.lcLogPath)

	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("stationd is not running (no pid file)")
			return nil
		}
		return fmt.Errorf("read pid file: %w", err)
	}

	if !lifecycle.IsProcessRunning(pid) || !lifecycle.IsStationProcess(pid, processName) {
		fmt.Printf("stationd is not running (stale pid %d)\n", pid)
		pidMgr.Remove()
		return nil
	}

	lcLog.LogStop(pid, opts.force)
	start := time.Now()

	if err := lifecycle.GracefulShutdown(pid, opts.timeout, opts.force); err != nil {
		lcLog.LogStopFailure(pid, err)
		return fmt.Errorf("stop stationd (pid %d): %w", pid, err)
	}

	if err := pidMgr.Remove(); err != nil {
		return fmt.Errorf("remove pid file: %w", err)
	}

	lcLog.LogStopSuccess(pid, time.Since(start))
	fmt.Printf("stationd stopped (pid %d)\n", pid)
	return nil
}
