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

var cleanCmd = &cobra.Command{
	Use:   "clean <snapshot>",
	Short: "Discard a union snapshot's retained live-mode changes",
	Long: `Discard the live-mode changes a union snapshot retained from its last
deactivation.

Deactivating without --commit keeps the discarded changes on disk so they
stay recoverable; clean reclaims that space for good. The snapshot must
not be active.

Examples:
  snapvault clean mysnap`,
	Args: cobra.ExactArgs(1),
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.CleanSnapshot(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Cleaned snapshot %s\n", args[0])
	return nil
}
