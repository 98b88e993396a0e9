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

// Package registry persists snapshot metadata in a SQLite catalog. The
// registry is the authority on which snapshots exist and which are active;
// volume backends own the bytes, the registry owns the bookkeeping.
package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Snapshot is a catalog record.
type Snapshot struct {
	ID          string
	Name        string
	Kind        string // backend.KindCoW or backend.KindUnion
	Path        string // snapshot data location
	SourcePath  string // tree the snapshot captured
	Description string
	CreatedAt   time.Time
	Size        int64
	Active      bool   // union snapshot currently mounted
	MountPoint  string // where it is mounted while active
	Auto        bool   // created by the auto-snapshot scheduler
}

// SnapshotModel represents the snapshots table.
type SnapshotModel struct {
	bun.BaseModel `bun:"table:snapshots"`

	ID          string `bun:"id,pk"`
	Name        string `bun:"name,notnull"`
	Kind        string `bun:"kind,notnull"`
	Path        string `bun:"path,notnull"`
	SourcePath  string `bun:"source_path,notnull"`
	Description string `bun:"description"`
	CreatedAt   int64  `bun:"created_at,notnull"` // Unix timestamp
	Size        int64  `bun:"size,notnull"`
	Active      bool   `bun:"active,notnull"`
	MountPoint  string `bun:"mount_point"`
	Auto        bool   `bun:"auto,notnull"`
}

// ToSnapshot converts a SnapshotModel to the domain struct.
func (m *SnapshotModel) ToSnapshot() *Snapshot {
	return &Snapshot{
		ID:          m.ID,
		Name:        m.Name,
		Kind:        m.Kind,
		Path:        m.Path,
		SourcePath:  m.SourcePath,
		Description: m.Description,
		CreatedAt:   time.Unix(m.CreatedAt, 0),
		Size:        m.Size,
		Active:      m.Active,
		MountPoint:  m.MountPoint,
		Auto:        m.Auto,
	}
}

// ModelFromSnapshot converts a Snapshot to its table model.
func ModelFromSnapshot(s *Snapshot) *SnapshotModel {
	return &SnapshotModel{
		ID:          s.ID,
		Name:        s.Name,
		Kind:        s.Kind,
		Path:        s.Path,
		SourcePath:  s.SourcePath,
		Description: s.Description,
		CreatedAt:   s.CreatedAt.Unix(),
		Size:        s.Size,
		Active:      s.Active,
		MountPoint:  s.MountPoint,
		Auto:        s.Auto,
	}
}

// NewID mints a snapshot id: kind, creation second, and a short random
// suffix so two snapshots in the same second never collide.
func NewID(kind string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", kind, now.Unix(), uuid.NewString()[:8])
}
