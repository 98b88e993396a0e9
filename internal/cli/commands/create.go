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

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var (
	createName        string
	createKind        string
	createDescription string
)

var createCmd = &cobra.Command{
	Use:   "create <source>",
	Short: "Create a snapshot of a directory tree",
	Long: `Create a snapshot of a directory tree.

The backend kind decides how the snapshot is captured:
  cow     btrfs subvolume snapshot (instant, source must be a subvolume)
  union   overlayfs layout with a full copy of the source as the lower layer

Without --kind the best available backend is picked: cow when the btrfs
tooling is present, union otherwise.

Examples:
  # Snapshot the current project
  snapvault create ~/work/project

  # Named union snapshot
  snapvault create ~/work/project -n before-upgrade -k union`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createName, "name", "n", "", "snapshot name (default: the snapshot id)")
	createCmd.Flags().StringVarP(&createKind, "kind", "k", "", "backend kind: cow or union (default: auto)")
	createCmd.Flags().StringVarP(&createDescription, "description", "m", "", "snapshot description")
	rootCmd.AddCommand(createCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	source, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	s, err := m.CreateSnapshot(cmd.Context(), createName, source, createDescription, createKind, false)
	if err != nil {
		return err
	}
	fmt.Printf("Created snapshot %s (%s, %s)\n", s.ID, s.Kind, units.HumanSize(float64(s.Size)))
	return nil
}
