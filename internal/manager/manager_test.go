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

package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapvault/internal/backend"
	"snapvault/internal/common"
	"snapvault/internal/config"
)

// fakeRunner pretends every binary exists and every command succeeds, so
// mount and btrfs calls never touch the host.
type fakeRunner struct {
	calls []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	return nil, nil
}

func (f *fakeRunner) LookPath(name string) bool {
	return true
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	base := t.TempDir()
	t.Setenv("SNAPVAULT_CONFIG_DIR", filepath.Join(base, "conf"))

	cfg := &config.Config{
		SnapshotDirectory: filepath.Join(base, "snapshots"),
		MaxSnapshots:      2,
	}
	cfg.Dedup.Directory = filepath.Join(base, "dedup")
	cfg.ApplyDefaults()

	m, err := New(cfg, WithRunner(&fakeRunner{}))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func writeSourceTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func TestCreateListDelete(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "hello", "sub/b.txt": "world"})

	s, err := m.CreateSnapshot(ctx, "first", source, "initial state", backend.KindUnion, false)
	require.NoError(t, err)
	assert.Equal(t, "first", s.Name)
	assert.Equal(t, backend.KindUnion, s.Kind)
	assert.Equal(t, int64(10), s.Size)

	// Data captured in the lower layer, manifest sidecar written.
	data, err := os.ReadFile(filepath.Join(s.Path, backend.OverlayLowerDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.FileExists(t, s.Path+".manifest.json")

	all, err := m.Registry().List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, m.DeleteSnapshot(ctx, s.ID))
	_, err = os.Stat(s.Path)
	assert.True(t, os.IsNotExist(err))
	assert.NoFileExists(t, s.Path+".manifest.json")
	_, err = m.Registry().Get(ctx, s.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCreateSnapshotMissingSource(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateSnapshot(context.Background(), "", filepath.Join(t.TempDir(), "nope"), "", backend.KindUnion, false)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCreateSnapshotRejectsRelativeSource(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateSnapshot(context.Background(), "", "relative/source", "", backend.KindUnion, false)
	assert.ErrorIs(t, err, common.ErrInvalidPath)
}

func TestCreateSnapshotDefaultsNameToID(t *testing.T) {
	m := newTestManager(t)
	source := writeSourceTree(t, map[string]string{"a.txt": "x"})

	s, err := m.CreateSnapshot(context.Background(), "", source, "", backend.KindUnion, false)
	require.NoError(t, err)
	assert.Equal(t, s.ID, s.Name)
}

func TestRestoreSnapshot(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "original"})

	_, err := m.CreateSnapshot(ctx, "pre-change", source, "", backend.KindUnion, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(source, "a.txt"), []byte("clobbered"), 0644))
	require.NoError(t, m.RestoreSnapshot(ctx, "pre-change", ""))

	data, err := os.ReadFile(filepath.Join(source, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestRestoreToExplicitTarget(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "content"})

	s, err := m.CreateSnapshot(ctx, "", source, "", backend.KindUnion, false)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, m.RestoreSnapshot(ctx, s.ID, target))
	data, err := os.ReadFile(filepath.Join(target, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestRestoreRejectsTamperedManifest(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "x"})

	s, err := m.CreateSnapshot(ctx, "", source, "", backend.KindUnion, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(s.Path+".manifest.json", []byte("{broken"), 0644))
	err = m.RestoreSnapshot(ctx, s.ID, "")
	assert.ErrorIs(t, err, common.ErrCorruptedSnapshot)
}

func TestRestoreToleratesMissingManifest(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "x"})

	s, err := m.CreateSnapshot(ctx, "", source, "", backend.KindUnion, false)
	require.NoError(t, err)

	require.NoError(t, os.Remove(s.Path+".manifest.json"))
	assert.NoError(t, m.RestoreSnapshot(ctx, s.ID, ""))
}

func TestDedupLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{
		"one.txt":   "AAAA",
		"two.txt":   "AAAA",
		"three.txt": "AAAA",
		"four.txt":  "BBBB",
		"five.txt":  "BBBB",
	})

	s, err := m.CreateSnapshot(ctx, "dupes", source, "", backend.KindUnion, false)
	require.NoError(t, err)

	stats, err := m.DeduplicateSnapshot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.FilesProcessed)
	assert.Equal(t, 3, stats.FilesDeduplicated)
	assert.Equal(t, int64(12), stats.SpaceSaved)

	_, err = m.DeduplicateSnapshot(ctx, s.ID)
	assert.ErrorIs(t, err, common.ErrAlreadyDeduplicated)

	// Restoring reassembles full content and clears the marker.
	target := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, m.RestoreSnapshot(ctx, s.ID, target))
	for _, name := range []string{"one.txt", "two.txt", "three.txt"} {
		data, err := os.ReadFile(filepath.Join(target, name))
		require.NoError(t, err)
		assert.Equal(t, "AAAA", string(data))
	}
	_, err = m.Engine().ReadMarker(filepath.Join(s.Path, backend.OverlayLowerDir))
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDeleteDeduplicatedSnapshotReleasesReferences(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "AAAA", "b.txt": "AAAA"})

	s, err := m.CreateSnapshot(ctx, "", source, "", backend.KindUnion, false)
	require.NoError(t, err)
	_, err = m.DeduplicateSnapshot(ctx, s.ID)
	require.NoError(t, err)

	require.NoError(t, m.DeleteSnapshot(ctx, s.ID))
	removed, err := m.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := m.Engine().Store().GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalFiles, "no entries survive the last referencing snapshot")
}

func TestDeduplicateAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"batch-1", "batch-2"} {
		source := writeSourceTree(t, map[string]string{"a.txt": "AAAA", "b.txt": "AAAA"})
		s, err := m.CreateSnapshot(ctx, name, source, "", backend.KindUnion, false)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	ids = append(ids, "missing-snapshot")

	results := m.DeduplicateAll(ctx, ids)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.ErrorIs(t, results[2].Err, common.ErrNotFound)
}

func TestActivateDeactivate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "base"})

	s, err := m.CreateSnapshot(ctx, "live", source, "", backend.KindUnion, false)
	require.NoError(t, err)

	require.NoError(t, m.ActivateSnapshot(ctx, s.ID, ""))
	got, err := m.Registry().Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, filepath.Join(s.Path, backend.OverlayMergedDir), got.MountPoint)

	assert.ErrorIs(t, m.ActivateSnapshot(ctx, s.ID, ""), common.ErrAlreadyActive)
	assert.ErrorIs(t, m.DeleteSnapshot(ctx, s.ID), common.ErrSnapshotActive)
	_, err = m.DeduplicateSnapshot(ctx, s.ID)
	assert.ErrorIs(t, err, common.ErrSnapshotActive)
	assert.ErrorIs(t, m.RestoreSnapshot(ctx, s.ID, ""), common.ErrSnapshotActive)

	require.NoError(t, m.DeactivateSnapshot(ctx, s.ID, false))
	got, err = m.Registry().Get(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Empty(t, got.MountPoint)
}

func TestActivateRejectsDeduplicatedSnapshot(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "AAAA", "b.txt": "AAAA"})

	s, err := m.CreateSnapshot(ctx, "dense", source, "", backend.KindUnion, false)
	require.NoError(t, err)
	_, err = m.DeduplicateSnapshot(ctx, s.ID)
	require.NoError(t, err)

	// The lower layer holds store references, not plain content; mounting
	// it would serve those to live readers.
	assert.ErrorIs(t, m.ActivateSnapshot(ctx, s.ID, ""), common.ErrAlreadyDeduplicated)
	got, err := m.Registry().Get(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	// A restore brings the content back and makes the snapshot mountable.
	require.NoError(t, m.RestoreSnapshot(ctx, s.ID, filepath.Join(t.TempDir(), "out")))
	require.NoError(t, m.ActivateSnapshot(ctx, s.ID, ""))
}

func TestDeactivateCommitFoldsUpper(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "base"})

	s, err := m.CreateSnapshot(ctx, "live", source, "", backend.KindUnion, false)
	require.NoError(t, err)
	require.NoError(t, m.ActivateSnapshot(ctx, s.ID, ""))

	// Live writes land in upper while mounted.
	upper := filepath.Join(s.Path, backend.OverlayUpperDir)
	require.NoError(t, os.WriteFile(filepath.Join(upper, "new.txt"), []byte("written live"), 0644))

	require.NoError(t, m.DeactivateSnapshot(ctx, s.ID, true))
	data, err := os.ReadFile(filepath.Join(s.Path, backend.OverlayLowerDir, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "written live", string(data))
}

func TestCleanSnapshotReclaimsDiscardedChanges(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "base"})

	s, err := m.CreateSnapshot(ctx, "live", source, "", backend.KindUnion, false)
	require.NoError(t, err)
	require.NoError(t, m.ActivateSnapshot(ctx, s.ID, ""))

	upper := filepath.Join(s.Path, backend.OverlayUpperDir)
	require.NoError(t, os.WriteFile(filepath.Join(upper, "draft.txt"), []byte("discard me"), 0644))

	// Discarded changes survive deactivation until an explicit clean.
	require.NoError(t, m.DeactivateSnapshot(ctx, s.ID, false))
	assert.FileExists(t, filepath.Join(upper, "draft.txt"))

	require.NoError(t, m.CleanSnapshot(ctx, s.ID))
	entries, err := os.ReadDir(upper)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCleanSnapshotRejectsCoWKind(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "x"})

	s, err := m.CreateSnapshot(ctx, "", source, "", backend.KindCoW, false)
	require.NoError(t, err)
	assert.ErrorIs(t, m.CleanSnapshot(ctx, s.ID), common.ErrNotOverlayKind)
}

func TestActivateRejectsCoWKind(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "x"})

	s, err := m.CreateSnapshot(ctx, "", source, "", backend.KindCoW, false)
	require.NoError(t, err)
	assert.ErrorIs(t, m.ActivateSnapshot(ctx, s.ID, ""), common.ErrNotOverlayKind)
	assert.ErrorIs(t, m.DeactivateSnapshot(ctx, s.ID, false), common.ErrNotOverlayKind)
}

func TestMountPointConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	mountPoint := filepath.Join(t.TempDir(), "mnt")

	var ids []string
	for _, name := range []string{"one", "two"} {
		source := writeSourceTree(t, map[string]string{"a.txt": name})
		s, err := m.CreateSnapshot(ctx, name, source, "", backend.KindUnion, false)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	require.NoError(t, m.ActivateSnapshot(ctx, ids[0], mountPoint))
	assert.ErrorIs(t, m.ActivateSnapshot(ctx, ids[1], mountPoint), common.ErrExists)
}

func TestCleanupOldSnapshots(t *testing.T) {
	m := newTestManager(t) // MaxSnapshots is 2
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		source := writeSourceTree(t, map[string]string{"a.txt": "x"})
		_, err := m.CreateSnapshot(ctx, "", source, "", backend.KindUnion, true)
		require.NoError(t, err)
	}

	removed, err := m.CleanupOldSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	auto, err := m.Registry().ListAuto(ctx)
	require.NoError(t, err)
	assert.Len(t, auto, 2)

	// Already within the ceiling; nothing more to prune.
	removed, err = m.CleanupOldSnapshots(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestGetStats(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	source := writeSourceTree(t, map[string]string{"a.txt": "AAAA", "b.txt": "AAAA"})

	s, err := m.CreateSnapshot(ctx, "", source, "", backend.KindUnion, false)
	require.NoError(t, err)
	_, err = m.DeduplicateSnapshot(ctx, s.ID)
	require.NoError(t, err)

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Snapshots)
	assert.Equal(t, int64(4), stats.DedupSaved)
	assert.Equal(t, 1, stats.Store.TotalFiles)
	assert.Equal(t, 1, stats.Store.DeduplicatedFiles)
	assert.Zero(t, stats.ActiveMounted)
}
