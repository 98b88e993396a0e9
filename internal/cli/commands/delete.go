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

var deleteCmd = &cobra.Command{
	Use:   "delete <snapshot>",
	Short: "Delete a snapshot",
	Long: `Delete a snapshot's data and catalog record.

The snapshot can be named by full id, unique id prefix, or name.
Active snapshots must be deactivated first.

Examples:
  snapvault delete cow_1724567890_1a2b3c4d
  snapvault delete before-upgrade`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	for _, id := range args {
		if err := m.DeleteSnapshot(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Deleted snapshot %s\n", id)
	}
	return nil
}
