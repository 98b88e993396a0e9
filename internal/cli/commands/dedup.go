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

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup <snapshot>...",
	Short: "Deduplicate snapshot content into the shared store",
	Long: `Deduplicate one or more snapshots into the shared content store.

The configured method decides the granularity: "file" replaces whole-file
duplicates with links, "block" splits files into fixed-size blocks stored
once. Restoring a snapshot transparently reverses either. Multiple
snapshots are processed concurrently through the worker pool.

Examples:
  snapvault dedup mysnap
  snapvault dedup cow_17245 union_17246`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDedup,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove unreferenced blocks from the content store",
	Long: `Remove unreferenced entries and their stored blocks.

Deleting or restoring snapshots leaves blocks with zero references on
disk; sweep reclaims them. Running sweep twice in a row is harmless.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(dedupCmd)
	rootCmd.AddCommand(sweepCmd)
}

func runDedup(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	if len(args) == 1 {
		stats, err := m.DeduplicateSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Deduplicated %s: %d files processed, %d deduplicated, saved %s\n",
			args[0], stats.FilesProcessed, stats.FilesDeduplicated,
			units.HumanSize(float64(stats.SpaceSaved)))
		return nil
	}

	failed := 0
	for _, r := range m.DeduplicateAll(cmd.Context(), args) {
		if r.Err != nil {
			fmt.Printf("%s: failed: %v\n", r.Input, r.Err)
			failed++
		} else {
			fmt.Printf("%s: done\n", r.Input)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d snapshots failed", failed, len(args))
	}
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	removed, err := m.Sweep()
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d orphaned entries\n", removed)
	return nil
}
