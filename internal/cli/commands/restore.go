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

var restoreTarget string

var restoreCmd = &cobra.Command{
	Use:   "restore <snapshot>",
	Short: "Restore a snapshot's captured state",
	Long: `Restore a snapshot's captured state.

Without --target the snapshot is restored over its original source path.
Deduplicated snapshots are transparently reassembled first.

For cow snapshots the current target is moved aside, not destroyed. For
union snapshots only the captured base state is restored; uncommitted live
changes are not part of it.

Examples:
  snapvault restore before-upgrade
  snapvault restore cow_17245 -t /tmp/inspect`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringVarP(&restoreTarget, "target", "t", "", "restore to this path instead of the original source")
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	target := restoreTarget
	if target != "" {
		var err error
		target, err = filepath.Abs(target)
		if err != nil {
			return err
		}
	}
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.RestoreSnapshot(cmd.Context(), args[0], target); err != nil {
		return err
	}
	fmt.Printf("Restored snapshot %s\n", args[0])
	return nil
}
