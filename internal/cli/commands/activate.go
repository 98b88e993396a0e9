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

	"github.com/spf13/cobra"
)

var (
	activateMountPoint string
	deactivateCommit   bool
)

var activateCmd = &cobra.Command{
	Use:   "activate <snapshot>",
	Short: "Mount a union snapshot writable (live mode)",
	Long: `Mount a union snapshot writable.

The mounted tree shows the captured state; writes land in the snapshot's
upper layer and never touch the captured base until committed at
deactivation. Only union snapshots support live mode, and only one
snapshot can be active per mount point.

Examples:
  snapvault activate union_1724567890_1a2b3c4d
  snapvault activate mysnap --mount-point /mnt/live`,
	Args: cobra.ExactArgs(1),
	RunE: runActivate,
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate <snapshot>",
	Short: "Unmount an active union snapshot",
	Long: `Unmount an active union snapshot.

By default the changes made while active are discarded. With --commit they
are folded into the snapshot's captured state first.

Examples:
  snapvault deactivate mysnap
  snapvault deactivate mysnap --commit`,
	Args: cobra.ExactArgs(1),
	RunE: runDeactivate,
}

func init() {
	activateCmd.Flags().StringVar(&activateMountPoint, "mount-point", "", "mount here instead of the snapshot's merged directory")
	deactivateCmd.Flags().BoolVar(&deactivateCommit, "commit", false, "fold live changes into the captured state")
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(deactivateCmd)
}

func runActivate(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.ActivateSnapshot(cmd.Context(), args[0], activateMountPoint); err != nil {
		return err
	}
	fmt.Printf("Activated snapshot %s\n", args[0])
	return nil
}

func runDeactivate(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.DeactivateSnapshot(cmd.Context(), args[0], deactivateCommit); err != nil {
		return err
	}
	if deactivateCommit {
		fmt.Printf("Deactivated snapshot %s (changes committed)\n", args[0])
	} else {
		fmt.Printf("Deactivated snapshot %s (changes discarded)\n", args[0])
	}
	return nil
}
