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

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show snapshot and deduplication statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	stats, err := m.GetStats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Snapshots:            %d (%d active)\n", stats.Snapshots, stats.ActiveMounted)
	fmt.Printf("Total size:           %s\n", units.HumanSize(float64(stats.TotalSize)))
	fmt.Printf("Tracked files:        %d (%d deduplicated)\n", stats.Store.TotalFiles, stats.Store.DeduplicatedFiles)
	fmt.Printf("Tracked blocks:       %d (%d shared)\n", stats.Store.TotalBlocks, stats.Store.DeduplicatedBlocks)
	fmt.Printf("Space saved by dedup: %s\n", units.HumanSize(float64(stats.DedupSaved)))
	return nil
}
