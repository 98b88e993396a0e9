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

package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"snapvault/internal/common"
	"snapvault/internal/util"
)

// Registry is the snapshot catalog.
type Registry struct {
	db *bun.DB
}

// Open opens (and on first use creates) the catalog at path.
func Open(path string) (*Registry, error) {
	sqlDB, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := execStatements(sqlDB, catalogSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}
	return &Registry{db: bun.NewDB(sqlDB, sqlitedialect.New())}, nil
}

// Close closes the catalog.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Create inserts a new snapshot record. Retries transient lock errors so a
// concurrent CLI invocation holding the catalog open does not fail this one.
func (r *Registry) Create(ctx context.Context, s *Snapshot) error {
	return util.Retry(ctx, func() error {
		_, err := r.db.NewInsert().Model(ModelFromSnapshot(s)).Exec(ctx)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("snapshot %s: %w", s.ID, common.ErrExists)
		}
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

// Get resolves idOrPrefix to a snapshot: an exact id match wins, then an
// exact name match, then a unique id prefix. An ambiguous prefix is an
// error rather than a guess. Transient lock errors are retried like every
// other catalog access.
func (r *Registry) Get(ctx context.Context, idOrPrefix string) (*Snapshot, error) {
	return util.RetryWithResult(ctx, func() (*Snapshot, error) {
		return r.resolve(ctx, idOrPrefix)
	}, util.DatabaseRetryOptions(ctx)...)
}

func (r *Registry) resolve(ctx context.Context, idOrPrefix string) (*Snapshot, error) {
	var model SnapshotModel
	err := r.db.NewSelect().Model(&model).Where("id = ?", idOrPrefix).Scan(ctx)
	if err == nil {
		return model.ToSnapshot(), nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	err = r.db.NewSelect().Model(&model).Where("name = ?", idOrPrefix).Scan(ctx)
	if err == nil {
		return model.ToSnapshot(), nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// substr keeps the underscores in ids literal; LIKE would treat a _
	// in the prefix as a single-character wildcard.
	var matches []SnapshotModel
	err = r.db.NewSelect().Model(&matches).
		Where("substr(id, 1, ?) = ?", len(idOrPrefix), idOrPrefix).
		Limit(2).Scan(ctx)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("snapshot %s: %w", idOrPrefix, common.ErrNotFound)
	case 1:
		return matches[0].ToSnapshot(), nil
	default:
		return nil, fmt.Errorf("snapshot prefix %q is ambiguous", idOrPrefix)
	}
}

// List returns snapshots newest first, optionally filtered by kind.
func (r *Registry) List(ctx context.Context, kind string) ([]*Snapshot, error) {
	var models []SnapshotModel
	q := r.db.NewSelect().Model(&models).Order("created_at DESC")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	snapshots := make([]*Snapshot, len(models))
	for i := range models {
		snapshots[i] = models[i].ToSnapshot()
	}
	return snapshots, nil
}

// ListAuto returns auto-created snapshots, oldest first, for retention
// pruning.
func (r *Registry) ListAuto(ctx context.Context) ([]*Snapshot, error) {
	var models []SnapshotModel
	err := r.db.NewSelect().Model(&models).Where("auto = 1").Order("created_at ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*Snapshot, len(models))
	for i := range models {
		snapshots[i] = models[i].ToSnapshot()
	}
	return snapshots, nil
}

// Delete removes a snapshot record. An active snapshot cannot be deleted;
// it must be deactivated first.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return util.Retry(ctx, func() error {
		s, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if s.Active {
			return fmt.Errorf("snapshot %s: %w", id, common.ErrSnapshotActive)
		}
		res, err := r.db.NewDelete().Model((*SnapshotModel)(nil)).Where("id = ?", s.ID).Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("snapshot %s: %w", id, common.ErrNotFound)
		}
		return nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// UpdateSize records a snapshot's measured on-disk size.
func (r *Registry) UpdateSize(ctx context.Context, id string, size int64) error {
	_, err := r.db.NewUpdate().
		Model((*SnapshotModel)(nil)).
		Set("size = ?", size).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// SetActive flips a snapshot's active flag and records its mount point.
// Activating an already-active snapshot is rejected, as is deactivating an
// inactive one, so callers always see state transitions, never no-ops.
func (r *Registry) SetActive(ctx context.Context, id string, active bool, mountPoint string) error {
	return util.Retry(ctx, func() error {
		s, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if s.Active == active {
			if active {
				return fmt.Errorf("snapshot %s: %w", id, common.ErrAlreadyActive)
			}
			return fmt.Errorf("snapshot %s: %w", id, common.ErrNotActive)
		}
		if !active {
			mountPoint = ""
		}
		_, err = r.db.NewUpdate().
			Model((*SnapshotModel)(nil)).
			Set("active = ?", active).
			Set("mount_point = ?", mountPoint).
			Where("id = ?", s.ID).
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

// ActiveAtMountPoint returns the snapshot currently mounted at mountPoint,
// or nil when the mount point is free.
func (r *Registry) ActiveAtMountPoint(ctx context.Context, mountPoint string) (*Snapshot, error) {
	var model SnapshotModel
	err := r.db.NewSelect().
		Model(&model).
		Where("active = 1").
		Where("mount_point = ?", mountPoint).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToSnapshot(), nil
}

// TotalSize sums the recorded sizes of all snapshots.
func (r *Registry) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := r.db.NewRaw(`SELECT SUM(size) FROM snapshots`).Scan(ctx, &total)
	if err != nil {
		return 0, err
	}
	if total.Valid {
		return total.Int64, nil
	}
	return 0, nil
}

// NewSnapshot builds an unsaved record with a fresh id.
func NewSnapshot(name, kind, path, sourcePath, description string, auto bool) *Snapshot {
	now := time.Now()
	return &Snapshot{
		ID:          NewID(kind, now),
		Name:        name,
		Kind:        kind,
		Path:        path,
		SourcePath:  sourcePath,
		Description: description,
		CreatedAt:   now,
		Auto:        auto,
	}
}
