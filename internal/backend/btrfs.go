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

package backend

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"snapvault/internal/common"
)

// BtrfsBackend creates copy-on-write snapshots through btrfs subvolumes.
// Creation and deletion are O(1) regardless of tree size.
type BtrfsBackend struct {
	run Runner
}

// NewBtrfsBackend returns a btrfs backend using the given runner, or the
// host runner when nil.
func NewBtrfsBackend(run Runner) *BtrfsBackend {
	if run == nil {
		run = ExecRunner{}
	}
	return &BtrfsBackend{run: run}
}

func (b *BtrfsBackend) Kind() string {
	return KindCoW
}

// Available reports whether the btrfs tooling is installed. Whether a
// specific source actually sits on a btrfs filesystem is only knowable at
// Create time and surfaces as a command error there.
func (b *BtrfsBackend) Available() bool {
	return b.run.LookPath("btrfs")
}

// Create snapshots sourcePath into destPath. The source must be a btrfs
// subvolume; the snapshot shares all extents with it until either side
// diverges.
func (b *BtrfsBackend) Create(ctx context.Context, sourcePath, destPath string) error {
	if _, err := os.Stat(sourcePath); err != nil {
		return fmt.Errorf("snapshot source %s: %w", sourcePath, common.ErrNotFound)
	}
	if _, err := b.run.Run(ctx, "btrfs", "subvolume", "snapshot", sourcePath, destPath); err != nil {
		return fmt.Errorf("failed to create btrfs snapshot: %w", err)
	}
	log.Infof("created btrfs snapshot %s from %s", destPath, sourcePath)
	return nil
}

// Delete destroys the subvolume at path.
func (b *BtrfsBackend) Delete(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("snapshot %s: %w", path, common.ErrNotFound)
	}
	if _, err := b.run.Run(ctx, "btrfs", "subvolume", "delete", path); err != nil {
		return fmt.Errorf("failed to delete btrfs snapshot: %w", err)
	}
	return nil
}

// Restore replaces targetPath with a writable snapshot of snapshotPath.
// The current target is moved aside rather than destroyed, so a botched
// restore never costs live data.
func (b *BtrfsBackend) Restore(ctx context.Context, snapshotPath, targetPath string) error {
	if _, err := os.Stat(snapshotPath); err != nil {
		return fmt.Errorf("snapshot %s: %w", snapshotPath, common.ErrNotFound)
	}
	if _, err := os.Stat(targetPath); err == nil {
		backup := fmt.Sprintf("%s.pre-restore-%d", targetPath, time.Now().Unix())
		if err := os.Rename(targetPath, backup); err != nil {
			return fmt.Errorf("failed to move aside %s: %w", targetPath, err)
		}
		log.Infof("moved current state to %s", backup)
	}
	if _, err := b.run.Run(ctx, "btrfs", "subvolume", "snapshot", snapshotPath, targetPath); err != nil {
		return fmt.Errorf("failed to restore btrfs snapshot: %w", err)
	}
	log.Infof("restored %s from %s", targetPath, snapshotPath)
	return nil
}

// Activate is a union-mode operation; CoW snapshots have no live mode.
func (b *BtrfsBackend) Activate(ctx context.Context, snapshotPath, mountPoint string) error {
	return fmt.Errorf("snapshot %s: %w", snapshotPath, common.ErrNotOverlayKind)
}

// Deactivate is a union-mode operation; CoW snapshots have no live mode.
func (b *BtrfsBackend) Deactivate(ctx context.Context, snapshotPath, mountPoint string, commit bool) error {
	return fmt.Errorf("snapshot %s: %w", snapshotPath, common.ErrNotOverlayKind)
}
