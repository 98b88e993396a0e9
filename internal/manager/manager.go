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

// Package manager composes the registry, volume backends, deduplication
// engine and scheduler into the snapshot lifecycle operations the CLI
// exposes.
package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"snapvault/internal/backend"
	"snapvault/internal/common"
	"snapvault/internal/config"
	"snapvault/internal/dedup"
	"snapvault/internal/registry"
	"snapvault/internal/worker"
)

// Manager owns the snapshot lifecycle.
type Manager struct {
	cfg       *config.Config
	reg       *registry.Registry
	engine    *dedup.Engine
	backends  map[string]backend.VolumeBackend
	scheduler *worker.Scheduler
	pool      *worker.Pool
	encryptor Encryptor
	signer    Signer

	// One mutex per mount point serializes activate/deactivate races on
	// the same location.
	mountMu   sync.Mutex
	mountLock map[string]*sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRunner substitutes the command runner for all backends.
func WithRunner(run backend.Runner) Option {
	return func(m *Manager) {
		throttle := worker.NewThrottler(m.cfg.Worker.IORateMBps)
		m.backends = map[string]backend.VolumeBackend{
			backend.KindCoW:   backend.NewBtrfsBackend(run),
			backend.KindUnion: backend.NewOverlayBackend(run, throttle),
		}
	}
}

// WithEncryptor substitutes the manifest encryptor.
func WithEncryptor(e Encryptor) Option {
	return func(m *Manager) { m.encryptor = e }
}

// WithSigner substitutes the manifest signer.
func WithSigner(s Signer) Option {
	return func(m *Manager) { m.signer = s }
}

// New wires up a manager from configuration.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if err := config.EnsureConfigDir(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.SnapshotDirectory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	reg, err := registry.Open(config.CatalogPath())
	if err != nil {
		return nil, err
	}
	engine, err := dedup.New(cfg.Dedup)
	if err != nil {
		reg.Close()
		return nil, err
	}

	throttle := worker.NewThrottler(cfg.Worker.IORateMBps)
	m := &Manager{
		cfg:    cfg,
		reg:    reg,
		engine: engine,
		backends: map[string]backend.VolumeBackend{
			backend.KindCoW:   backend.NewBtrfsBackend(nil),
			backend.KindUnion: backend.NewOverlayBackend(nil, throttle),
		},
		scheduler: worker.NewScheduler(cfg.Scheduler),
		pool:      worker.NewPool(cfg.Worker.MaxWorkers, time.Duration(cfg.Worker.TaskTimeoutSeconds)*time.Second),
		encryptor: NoopEncryptor{},
		signer:    NoopSigner{},
		mountLock: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Close releases the catalog.
func (m *Manager) Close() error {
	return m.reg.Close()
}

// Registry exposes the catalog for read-only listing.
func (m *Manager) Registry() *registry.Registry {
	return m.reg
}

// Engine exposes the dedup engine.
func (m *Manager) Engine() *dedup.Engine {
	return m.engine
}

// pickBackend resolves a requested kind, or the best available one when
// kind is empty: CoW if the host supports it, union otherwise.
func (m *Manager) pickBackend(kind string) (backend.VolumeBackend, error) {
	if kind != "" {
		b, ok := m.backends[kind]
		if !ok {
			return nil, fmt.Errorf("unknown snapshot kind %q", kind)
		}
		if !b.Available() {
			return nil, fmt.Errorf("kind %s: %w", kind, common.ErrBackendUnavailable)
		}
		return b, nil
	}
	if b := m.backends[backend.KindCoW]; b.Available() {
		return b, nil
	}
	if b := m.backends[backend.KindUnion]; b.Available() {
		return b, nil
	}
	return nil, common.ErrBackendUnavailable
}

// CreateSnapshot captures sourcePath into a new snapshot. An empty kind
// picks the best available backend. The record is inserted only after the
// data exists; if the insert fails the data is rolled back so the catalog
// never names a snapshot that is not on disk.
func (m *Manager) CreateSnapshot(ctx context.Context, name, sourcePath, description, kind string, auto bool) (*registry.Snapshot, error) {
	if !filepath.IsAbs(sourcePath) {
		return nil, fmt.Errorf("source %s: %w", sourcePath, common.ErrInvalidPath)
	}
	if _, err := os.Stat(sourcePath); err != nil {
		return nil, fmt.Errorf("source %s: %w", sourcePath, common.ErrNotFound)
	}
	b, err := m.pickBackend(kind)
	if err != nil {
		return nil, err
	}

	s := registry.NewSnapshot(name, b.Kind(), "", sourcePath, description, auto)
	s.Path = filepath.Join(m.cfg.SnapshotDirectory, s.ID)
	if name == "" {
		s.Name = s.ID
	}

	if err := b.Create(ctx, sourcePath, s.Path); err != nil {
		return nil, err
	}
	if err := m.writeManifest(&Manifest{
		ID:         s.ID,
		Name:       s.Name,
		Kind:       s.Kind,
		SourcePath: s.SourcePath,
		CreatedAt:  s.CreatedAt,
	}, s.Path); err != nil {
		b.Delete(ctx, s.Path)
		return nil, err
	}
	s.Size = measuredSize(s.Path)
	if err := m.reg.Create(ctx, s); err != nil {
		// Roll the data back; an unrecorded snapshot is unreachable anyway.
		if derr := b.Delete(ctx, s.Path); derr != nil {
			log.Errorf("failed to roll back snapshot data %s: %v", s.Path, derr)
		}
		os.Remove(manifestPath(s.Path))
		return nil, err
	}
	log.Infof("created snapshot %s (%s) from %s", s.ID, s.Kind, sourcePath)
	return s, nil
}

// DeleteSnapshot destroys a snapshot's data and record. Active snapshots
// are refused. A deduplicated tree is restored first so the references it
// holds return to the store before the tree disappears.
func (m *Manager) DeleteSnapshot(ctx context.Context, idOrPrefix string) error {
	s, err := m.reg.Get(ctx, idOrPrefix)
	if err != nil {
		return err
	}
	if s.Active {
		return fmt.Errorf("snapshot %s: %w", s.ID, common.ErrSnapshotActive)
	}
	if _, err := m.engine.RestoreTree(m.dedupRoot(s)); err != nil {
		return fmt.Errorf("failed to release dedup references of %s: %w", s.ID, err)
	}
	// Keep going when the data is already gone; the record must not
	// outlive it either way.
	b := m.backends[s.Kind]
	if err := b.Delete(ctx, s.Path); err != nil && !common.IsNotFound(err) {
		return err
	}
	os.Remove(manifestPath(s.Path))
	if err := m.reg.Delete(ctx, s.ID); err != nil {
		return err
	}
	log.Infof("deleted snapshot %s", s.ID)
	return nil
}

// RestoreSnapshot writes a snapshot's captured state back to targetPath,
// or its original source when targetPath is empty. A deduplicated tree is
// reassembled first so the backend copies real content, not stubs.
func (m *Manager) RestoreSnapshot(ctx context.Context, idOrPrefix, targetPath string) error {
	s, err := m.reg.Get(ctx, idOrPrefix)
	if err != nil {
		return err
	}
	if s.Active {
		return fmt.Errorf("snapshot %s: %w", s.ID, common.ErrSnapshotActive)
	}
	if targetPath == "" {
		targetPath = s.SourcePath
	}
	if err := m.verifyManifest(manifestPath(s.Path), s.ID); err != nil {
		return err
	}
	if _, err := m.engine.RestoreTree(m.dedupRoot(s)); err != nil {
		return err
	}
	b := m.backends[s.Kind]
	if err := b.Restore(ctx, s.Path, targetPath); err != nil {
		return err
	}
	log.Infof("restored snapshot %s to %s", s.ID, targetPath)
	return nil
}

// ActivateSnapshot mounts a union snapshot writable. Only one snapshot can
// be active per mount point.
func (m *Manager) ActivateSnapshot(ctx context.Context, idOrPrefix, mountPoint string) error {
	s, err := m.reg.Get(ctx, idOrPrefix)
	if err != nil {
		return err
	}
	if s.Kind != backend.KindUnion {
		return fmt.Errorf("snapshot %s: %w", s.ID, common.ErrNotOverlayKind)
	}
	if s.Active {
		return fmt.Errorf("snapshot %s: %w", s.ID, common.ErrAlreadyActive)
	}
	// A deduplicated lower layer holds stubs, not content; mounting it
	// would expose the stub text to live readers and a later commit would
	// fold writes over it. The snapshot must be restored first.
	if _, err := m.engine.ReadMarker(m.dedupRoot(s)); err == nil {
		return fmt.Errorf("snapshot %s must be restored before activation: %w", s.ID, common.ErrAlreadyDeduplicated)
	} else if !common.IsNotFound(err) {
		return err
	}
	if mountPoint == "" {
		mountPoint = filepath.Join(s.Path, backend.OverlayMergedDir)
	}

	lock := m.lockFor(mountPoint)
	lock.Lock()
	defer lock.Unlock()

	if other, err := m.reg.ActiveAtMountPoint(ctx, mountPoint); err != nil {
		return err
	} else if other != nil {
		return fmt.Errorf("mount point %s is held by snapshot %s: %w", mountPoint, other.ID, common.ErrExists)
	}

	b := m.backends[s.Kind]
	if err := b.Activate(ctx, s.Path, mountPoint); err != nil {
		return err
	}
	if err := m.reg.SetActive(ctx, s.ID, true, mountPoint); err != nil {
		// The catalog is the authority on active state; if it cannot record
		// the mount, undo the mount.
		if derr := b.Deactivate(ctx, s.Path, mountPoint, false); derr != nil {
			log.Errorf("failed to undo activation of %s: %v", s.ID, derr)
		}
		return err
	}
	return nil
}

// DeactivateSnapshot unmounts an active union snapshot. With commit, live
// changes become part of the captured state and the recorded size is
// refreshed; without it they are discarded.
func (m *Manager) DeactivateSnapshot(ctx context.Context, idOrPrefix string, commit bool) error {
	s, err := m.reg.Get(ctx, idOrPrefix)
	if err != nil {
		return err
	}
	if s.Kind != backend.KindUnion {
		return fmt.Errorf("snapshot %s: %w", s.ID, common.ErrNotOverlayKind)
	}
	if !s.Active {
		return fmt.Errorf("snapshot %s: %w", s.ID, common.ErrNotActive)
	}

	lock := m.lockFor(s.MountPoint)
	lock.Lock()
	defer lock.Unlock()

	b := m.backends[s.Kind]
	if err := b.Deactivate(ctx, s.Path, s.MountPoint, commit); err != nil {
		return err
	}
	if err := m.reg.SetActive(ctx, s.ID, false, ""); err != nil {
		return err
	}
	if commit {
		return m.reg.UpdateSize(ctx, s.ID, measuredSize(s.Path))
	}
	return nil
}

// upperCleaner is the optional backend capability of discarding retained
// live-mode layers.
type upperCleaner interface {
	CleanUpper(snapshotPath string) error
}

// CleanSnapshot discards the live-mode changes a union snapshot retained
// from its last deactivation, reclaiming the space they hold. The snapshot
// must not be mounted.
func (m *Manager) CleanSnapshot(ctx context.Context, idOrPrefix string) error {
	s, err := m.reg.Get(ctx, idOrPrefix)
	if err != nil {
		return err
	}
	if s.Kind != backend.KindUnion {
		return fmt.Errorf("snapshot %s: %w", s.ID, common.ErrNotOverlayKind)
	}
	if s.Active {
		return fmt.Errorf("snapshot %s: %w", s.ID, common.ErrSnapshotActive)
	}
	cleaner, ok := m.backends[s.Kind].(upperCleaner)
	if !ok {
		return fmt.Errorf("snapshot %s: %w", s.ID, common.ErrNotOverlayKind)
	}
	if err := cleaner.CleanUpper(s.Path); err != nil {
		return err
	}
	return m.reg.UpdateSize(ctx, s.ID, measuredSize(s.Path))
}

// DeduplicateSnapshot runs the configured dedup strategy over a snapshot's
// tree. Active snapshots are refused; deduplicating a mounted tree would
// race live writes.
func (m *Manager) DeduplicateSnapshot(ctx context.Context, idOrPrefix string) (*dedup.RunStats, error) {
	s, err := m.reg.Get(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	if s.Active {
		return nil, fmt.Errorf("snapshot %s: %w", s.ID, common.ErrSnapshotActive)
	}
	stats, err := m.engine.DeduplicateTree(s.ID, m.dedupRoot(s))
	if err != nil {
		return nil, err
	}
	if err := m.reg.UpdateSize(ctx, s.ID, measuredSize(s.Path)); err != nil {
		return nil, err
	}
	return stats, nil
}

// DeduplicateAll runs dedup over many snapshots through the worker pool.
// Per-snapshot failures are reported individually and do not stop the
// batch.
func (m *Manager) DeduplicateAll(ctx context.Context, idsOrPrefixes []string) []worker.Result[string] {
	return worker.Map(ctx, m.pool, idsOrPrefixes, func(ctx context.Context, id string) error {
		_, err := m.DeduplicateSnapshot(ctx, id)
		return err
	})
}

// Sweep removes orphaned store entries and objects.
func (m *Manager) Sweep() (int, error) {
	return m.engine.Store().Sweep()
}

// CleanupOldSnapshots prunes the oldest auto-created snapshots beyond the
// retention ceiling. Active snapshots are skipped, not counted against the
// work to do, so an old-but-mounted snapshot never blocks cleanup forever.
func (m *Manager) CleanupOldSnapshots(ctx context.Context) (int, error) {
	auto, err := m.reg.ListAuto(ctx)
	if err != nil {
		return 0, err
	}
	excess := len(auto) - m.cfg.MaxSnapshots
	removed := 0
	for _, s := range auto {
		if excess <= 0 {
			break
		}
		if s.Active {
			continue
		}
		if err := m.DeleteSnapshot(ctx, s.ID); err != nil {
			log.Errorf("cleanup: failed to delete %s: %v", s.ID, err)
			continue
		}
		removed++
		excess--
	}
	if removed > 0 {
		log.Infof("cleanup removed %d old snapshots", removed)
	}
	return removed, nil
}

// CreateAutoSnapshot waits for an idle window, captures sourcePath, and
// prunes old auto snapshots.
func (m *Manager) CreateAutoSnapshot(ctx context.Context, sourcePath string) (*registry.Snapshot, error) {
	var s *registry.Snapshot
	err := m.scheduler.RunWhenIdle(ctx, func(ctx context.Context) error {
		name := "auto-" + time.Now().Format("20060102-150405")
		var err error
		s, err = m.CreateSnapshot(ctx, name, sourcePath, "scheduled snapshot", "", true)
		if err != nil {
			return err
		}
		_, err = m.CleanupOldSnapshots(ctx)
		return err
	})
	return s, err
}

// Stats aggregates catalog and store statistics.
type Stats struct {
	Snapshots     int
	TotalSize     int64
	Store         storeStats
	DedupSaved    int64
	ActiveMounted int
}

type storeStats struct {
	TotalFiles         int
	DeduplicatedFiles  int
	TotalBlocks        int
	DeduplicatedBlocks int
}

// GetStats reports snapshot counts, recorded sizes, and dedup savings.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	snapshots, err := m.reg.List(ctx, "")
	if err != nil {
		return nil, err
	}
	total, err := m.reg.TotalSize(ctx)
	if err != nil {
		return nil, err
	}
	ss, err := m.engine.Store().GetStats()
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Snapshots:  len(snapshots),
		TotalSize:  total,
		DedupSaved: ss.SpaceSaved,
		Store: storeStats{
			TotalFiles:         ss.TotalFiles,
			DeduplicatedFiles:  ss.DeduplicatedFiles,
			TotalBlocks:        ss.TotalBlocks,
			DeduplicatedBlocks: ss.DeduplicatedBlocks,
		},
	}
	for _, s := range snapshots {
		if s.Active {
			stats.ActiveMounted++
		}
	}
	return stats, nil
}

// dedupRoot is the tree dedup operates on: the snapshot itself for CoW,
// the captured lower layer for union. Upper and merged are never
// deduplicated.
func (m *Manager) dedupRoot(s *registry.Snapshot) string {
	if s.Kind == backend.KindUnion {
		return filepath.Join(s.Path, backend.OverlayLowerDir)
	}
	return s.Path
}

// measuredSize is best-effort; a partially unreadable tree still gets a
// size recorded.
func measuredSize(path string) int64 {
	size, err := common.DirSize(path)
	if err != nil {
		log.Warnf("failed to measure %s: %v", path, err)
	}
	return size
}

func (m *Manager) lockFor(mountPoint string) *sync.Mutex {
	m.mountMu.Lock()
	defer m.mountMu.Unlock()
	lock, ok := m.mountLock[mountPoint]
	if !ok {
		lock = &sync.Mutex{}
		m.mountLock[mountPoint] = lock
	}
	return lock
}
