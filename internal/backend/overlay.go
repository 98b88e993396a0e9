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
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"snapvault/internal/common"
	"snapvault/internal/util"
)

// Overlay layer directory names inside a union snapshot.
const (
	OverlayLowerDir  = "lower"  // captured base state, read-only under the mount
	OverlayUpperDir  = "upper"  // writes made while active
	OverlayWorkDir   = "work"   // overlayfs scratch space
	OverlayMergedDir = "merged" // default mount point
)

// OverlayBackend captures snapshots as overlayfs union layouts. Create
// copies the source into a lower layer; Activate mounts lower+upper as one
// writable tree, so live changes accumulate in upper without touching the
// captured state.
type OverlayBackend struct {
	run      Runner
	throttle Throttle // nil means unthrottled copies
}

// NewOverlayBackend returns an overlay backend using the given runner, or
// the host runner when nil. throttle paces the bulk copies Create, Restore
// and commit perform.
func NewOverlayBackend(run Runner, throttle Throttle) *OverlayBackend {
	if run == nil {
		run = ExecRunner{}
	}
	return &OverlayBackend{run: run, throttle: throttle}
}

func (o *OverlayBackend) Kind() string {
	return KindUnion
}

// Available reports whether the kernel knows the overlay filesystem and
// the mount tooling is present.
func (o *OverlayBackend) Available() bool {
	if !o.run.LookPath("mount") {
		return false
	}
	data, err := os.ReadFile("/proc/filesystems")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "overlay")
}

// Create lays out the four overlay directories under destPath and copies
// sourcePath into the lower layer.
func (o *OverlayBackend) Create(ctx context.Context, sourcePath, destPath string) error {
	if _, err := os.Stat(sourcePath); err != nil {
		return fmt.Errorf("snapshot source %s: %w", sourcePath, common.ErrNotFound)
	}
	for _, dir := range []string{OverlayLowerDir, OverlayUpperDir, OverlayWorkDir, OverlayMergedDir} {
		if err := os.MkdirAll(filepath.Join(destPath, dir), 0755); err != nil {
			return fmt.Errorf("failed to create overlay layout: %w", err)
		}
	}
	if err := CopyTree(ctx, sourcePath, filepath.Join(destPath, OverlayLowerDir), o.throttle); err != nil {
		os.RemoveAll(destPath)
		return fmt.Errorf("failed to capture %s: %w", sourcePath, err)
	}
	log.Infof("created union snapshot %s from %s", destPath, sourcePath)
	return nil
}

// Delete removes the whole overlay layout. The snapshot must not be
// mounted; the caller enforces that through the registry's active flag.
func (o *OverlayBackend) Delete(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("snapshot %s: %w", path, common.ErrNotFound)
	}
	return os.RemoveAll(path)
}

// Restore copies the captured base state (the lower layer only) back to
// targetPath. Uncommitted live changes in upper are deliberately not part
// of the restored state.
func (o *OverlayBackend) Restore(ctx context.Context, snapshotPath, targetPath string) error {
	lower := filepath.Join(snapshotPath, OverlayLowerDir)
	if _, err := os.Stat(lower); err != nil {
		return fmt.Errorf("snapshot %s has no lower layer: %w", snapshotPath, common.ErrCorruptedSnapshot)
	}
	if err := os.MkdirAll(targetPath, 0755); err != nil {
		return err
	}
	if err := CopyTree(ctx, lower, targetPath, o.throttle); err != nil {
		return fmt.Errorf("failed to restore %s: %w", snapshotPath, err)
	}
	log.Infof("restored %s from %s", targetPath, snapshotPath)
	return nil
}

// Activate mounts the union view writable at mountPoint (default: the
// snapshot's merged directory).
func (o *OverlayBackend) Activate(ctx context.Context, snapshotPath, mountPoint string) error {
	lower := filepath.Join(snapshotPath, OverlayLowerDir)
	upper := filepath.Join(snapshotPath, OverlayUpperDir)
	work := filepath.Join(snapshotPath, OverlayWorkDir)
	if _, err := os.Stat(lower); err != nil {
		return fmt.Errorf("snapshot %s has no lower layer: %w", snapshotPath, common.ErrCorruptedSnapshot)
	}
	if mountPoint == "" {
		mountPoint = filepath.Join(snapshotPath, OverlayMergedDir)
	}
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return err
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	if _, err := o.run.Run(ctx, "mount", "-t", "overlay", "overlay", "-o", opts, mountPoint); err != nil {
		return fmt.Errorf("failed to mount overlay: %w", err)
	}
	log.Infof("activated %s at %s", snapshotPath, mountPoint)
	return nil
}

// Deactivate unmounts the union view. With commit, the writes accumulated
// in upper are folded into lower so they become part of the captured
// state and the layers are emptied. Without commit the discarded writes
// stay in upper, recoverable until an explicit CleanUpper.
func (o *OverlayBackend) Deactivate(ctx context.Context, snapshotPath, mountPoint string, commit bool) error {
	if mountPoint == "" {
		mountPoint = filepath.Join(snapshotPath, OverlayMergedDir)
	}
	err := util.Retry(ctx, func() error {
		_, err := o.run.Run(ctx, "umount", mountPoint)
		return err
	}, util.UnmountRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("failed to unmount %s: %w", mountPoint, err)
	}

	if !commit {
		return nil
	}
	upper := filepath.Join(snapshotPath, OverlayUpperDir)
	if err := CopyTree(ctx, upper, filepath.Join(snapshotPath, OverlayLowerDir), o.throttle); err != nil {
		return fmt.Errorf("failed to commit live changes: %w", err)
	}
	log.Infof("committed live changes of %s", snapshotPath)
	return o.CleanUpper(snapshotPath)
}

// CleanUpper discards the upper and work layer contents, reclaiming the
// space live-mode writes consumed. Safe only while unmounted.
func (o *OverlayBackend) CleanUpper(snapshotPath string) error {
	for _, dir := range []string{OverlayUpperDir, OverlayWorkDir} {
		if err := EmptyDir(filepath.Join(snapshotPath, dir)); err != nil {
			return fmt.Errorf("failed to clean %s layer: %w", dir, err)
		}
	}
	return nil
}
