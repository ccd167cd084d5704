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
	"time"

	"github.com/spf13/cobra"
)

func newRestartCommand() *cobra.Command {
	var (
		daemonBinary string
		workerBinary string
		configPath   string
		pidFile      string
		logPath      string
		lcLogPath    string
		timeout      time.Duration
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the station control daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Ignore the stop error: the common case is stopping a daemon
			// that is already down, which runStop already treats as success.
			runStop(stopOptions{
				pidFile:   pidFile,
				lcLogPath: lcLogPath,
				timeout:   timeout,
				force:     force,
			})

			time.Sleep(100 * time.Millisecond)

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
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for stop/start to complete")
	cmd.Flags().BoolVar(&force, "force", false, "SIGKILL if the daemon does not stop gracefully within the timeout")

	return cmd
}
