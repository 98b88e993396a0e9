// Copyright 2025 SnapVault Authors
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

package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var autoCmd = &cobra.Command{
	Use:   "auto <source>",
	Short: "Create a scheduled snapshot when the system is idle",
	Long: `Create a snapshot of the source once the system is idle.

The command blocks until CPU and memory fall below the configured
thresholds or the clock enters the quiet-hours window, then captures the
snapshot and prunes the oldest auto snapshots beyond the retention limit.
Intended to be driven by cron or a systemd timer.

Examples:
  snapvault auto ~/work/project`,
	Args: cobra.ExactArgs(1),
	RunE: runAuto,
}

func init() {
	rootCmd.AddCommand(autoCmd)
}

func runAuto(cmd *cobra.Command, args []string) error {
	source, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	s, err := m.CreateAutoSnapshot(cmd.Context(), source)
	if err != nil {
		return err
	}
	fmt.Printf("Created snapshot %s\n", s.ID)
	return nil
}
