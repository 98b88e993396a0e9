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

// Package backend provides the volume backends that materialize snapshots:
// btrfs copy-on-write subvolumes and overlayfs union mounts.
package backend

import (
	"context"
)

// Snapshot kinds, recorded in the registry and encoded in snapshot ids.
const (
	KindCoW   = "cow"   // btrfs subvolume snapshot
	KindUnion = "union" // overlayfs lower/upper/work/merged layout
)

// VolumeBackend materializes, destroys, and restores snapshots of one kind.
// Activate and Deactivate implement live mode and are only meaningful for
// the union kind; the CoW backend rejects them with ErrNotOverlayKind.
type VolumeBackend interface {
	// Kind returns the snapshot kind this backend produces.
	Kind() string

	// Available reports whether the host can service this backend.
	Available() bool

	// Create captures sourcePath into a new snapshot at destPath.
	Create(ctx context.Context, sourcePath, destPath string) error

	// Delete destroys the snapshot at path.
	Delete(ctx context.Context, path string) error

	// Restore writes the snapshot's captured state back to targetPath.
	Restore(ctx context.Context, snapshotPath, targetPath string) error

	// Activate mounts the snapshot writable at mountPoint. An empty
	// mountPoint uses the backend's default location under the snapshot.
	Activate(ctx context.Context, snapshotPath, mountPoint string) error

	// Deactivate unmounts the snapshot. With commit, changes made while
	// active are folded into the snapshot's base state; without it they
	// are discarded.
	Deactivate(ctx context.Context, snapshotPath, mountPoint string, commit bool) error
}
