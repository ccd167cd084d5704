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

func newStartCommand() *cobra.Command {
	var (
		daemonBinary string
		workerBinary string
		configPath   string
		pidFile      string
		logPath      string
		lcLogPath    string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the station control daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(startOptions{
				daemonBinary: daemonBinary,
				workerBinary: workerBinary,
				configPath:   configPath,
				pidFile:      pidFile,
				logPath:      logPath,
				lcLogPath:    lcLogPath,
				timeout:      timeout,
			})
		},
	}

	cmd.Flags().StringVar(&daemonBinary, "daemon-binary", "stationd", "path to the stationd binary to spawn")
	cmd.Flags().StringVar(&workerBinary, "worker-binary", "stationworker", "worker binary passed through to stationd")
	cmd.Flags().StringVar(&configPath, "config", "", "station config YAML passed through to stationd")
	cmd.Flags().StringVar(&pidFile, "pid-file", defaultPIDFile(), "PID file tracking the running daemon")
	cmd.Flags().StringVar(&logPath, "log-file", defaultDaemonLogPath(), "file the daemon's stdout/stderr are redirected to")
	cmd.Flags().StringVar(&lcLogPath, "lifecycle-log", defaultLifecycleLogPath(), "JSON-lines log of start/stop lifecycle events")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the daemon to come up")

	return cmd
}

type startOptions struct {
	daemonBinary string
	workerBinary string
	configPath   string
	pidFile      string
	logPath      string
	lcLogPath    string
	timeout      time.Duration
}

// runStart backgrounds stationd and waits for its process to come alive.
// There is no admin HTTP surface to poll for readiness, so "up" here means
// "the PID exists and is a stationd process" rather than a health check.
func runStart(opts startOptions) error {
	pidMgr := lifecycle.NewPIDFileManager(opts.pidFile)
	lcLog := lifecycle.NewLifecycleLogger(opts.lcLogPath)

	if existing, err := pidMgr.Read(); err == nil {
		if lifecycle.IsProcessRunning(existing) && lifecycle.IsStationProcess(existing, processName) {
			lcLog.LogAlreadyRunning(existing)
			fmt.Printf("stationd already running (pid %d)\n", existing)
			return nil
		}
		lcLog.LogStalePID(existing, "process not running or not a station process")
		pidMgr.Remove()
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read pid file: %w", err)
	}

	var daemonArgs []string
	if opts.configPath != "" {
		daemonArgs = append(daemonArgs, "--config", opts.configPath)
	}
	if opts.workerBinary != "" {
		daemonArgs = append(daemonArgs, "--worker-binary", opts.workerBinary)
	}

	lcLog.LogStart("dev", daemonArgs, opts.configPath)

	start := time.Now()
	pid, err := lifecycle.NewSpawner().SpawnDetached(opts.daemonBinary, daemonArgs, opts.logPath)
	if err != nil {
		lcLog.LogStartFailure(err)
		return fmt.Errorf("spawn stationd: %w", err)
	}

	attempts := 0
	deadline := time.Now().Add(opts.timeout)
	for {
		attempts++
		if lifecycle.IsProcessRunning(pid) && lifecycle.IsStationProcess(pid, processName) {
			break
		}
		if time.Now().After(deadline) {
			err := fmt.Errorf("stationd did not come up within %s", opts.timeout)
			lcLog.LogStartFailure(err)
			return err
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := pidMgr.Create(pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	lcLog.LogStartSuccess(pid, attempts, time.Since(start))
	fmt.Printf("stationd started (pid %d)\n", pid)
	return nil
}
