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

// Package store implements the content-addressed store: a sharded object
// tree of unique blocks plus the JSON dedup index that owns all reference
// counts.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
)

const (
	IndexFileName = "dedup_index.json"
	indexLockName = "dedup_index.lock"
)

// FileEntry is a file-level content store entry.
type FileEntry struct {
	Path       string   `json:"path"` // canonical on-disk copy
	Size       int64    `json:"size"`
	References int      `json:"references"`
	Snapshots  []string `json:"snapshots"` // owning snapshot ids
}

// BlockEntry is a block-level content store entry.
type BlockEntry struct {
	Path       string `json:"path"` // sharded object file
	Size       int64  `json:"size"`
	References int    `json:"references"`
}

// Stats are the index rollup statistics.
type Stats struct {
	TotalFiles         int   `json:"total_files"`
	DeduplicatedFiles  int   `json:"deduplicated_files"`
	TotalBlocks        int   `json:"total_blocks"`
	DeduplicatedBlocks int   `json:"deduplicated_blocks"`
	SpaceSaved         int64 `json:"space_saved"`
}

// Index is the aggregate root for all content store entries. Reference
// counts are authoritative only here.
type Index struct {
	FileHashes  map[string]*FileEntry  `json:"file_hashes"`
	BlockHashes map[string]*BlockEntry `json:"block_hashes"`
	Stats       Stats                  `json:"stats"`
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		FileHashes:  make(map[string]*FileEntry),
		BlockHashes: make(map[string]*BlockEntry),
	}
}

// RecomputeRollups refreshes the entry-count statistics from the maps.
// SpaceSaved is cumulative and is adjusted by the mutating callers.
func (idx *Index) RecomputeRollups() {
	idx.Stats.TotalFiles = len(idx.FileHashes)
	idx.Stats.TotalBlocks = len(idx.BlockHashes)
	dedupFiles := 0
	for _, e := range idx.FileHashes {
		if e.References > 1 {
			dedupFiles++
		}
	}
	dedupBlocks := 0
	for _, e := range idx.BlockHashes {
		if e.References > 1 {
			dedupBlocks++
		}
	}
	idx.Stats.DeduplicatedFiles = dedupFiles
	idx.Stats.DeduplicatedBlocks = dedupBlocks
}

// IndexFile serializes access to the persisted index. Every mutation runs
// as one load→mutate→save cycle under both an in-process mutex and a
// cross-process file lock, so concurrent dedup runs never lose reference
// count updates. Saves are whole-document and atomic.
type IndexFile struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

// OpenIndex prepares the index under dedupDir, creating an empty index
// document on first use.
func OpenIndex(dedupDir string) (*IndexFile, error) {
	if err := os.MkdirAll(dedupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dedup directory: %w", err)
	}
	f := &IndexFile{
		path: filepath.Join(dedupDir, IndexFileName),
		lock: flock.New(filepath.Join(dedupDir, indexLockName)),
	}
	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		if err := f.save(NewIndex()); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the index document path.
func (f *IndexFile) Path() string {
	return f.path
}

// Update runs fn inside the index critical section. The index is loaded
// fresh, mutated by fn, and written back atomically only if fn succeeds.
// A failed save leaves the previous document intact.
func (f *IndexFile) Update(fn func(*Index) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock index: %w", err)
	}
	defer f.lock.Unlock()

	idx, err := f.load()
	if err != nil {
		return err
	}
	if err := fn(idx); err != nil {
		return err
	}
	idx.RecomputeRollups()
	return f.save(idx)
}

// View runs fn on a read-only load of the index.
func (f *IndexFile) View(fn func(*Index) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.RLock(); err != nil {
		return fmt.Errorf("failed to lock index: %w", err)
	}
	defer f.lock.Unlock()

	idx, err := f.load()
	if err != nil {
		return err
	}
	return fn(idx)
}

func (f *IndexFile) load() (*Index, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dedup index %s: %w", f.path, err)
	}
	idx := NewIndex()
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("failed to parse dedup index %s: %w", f.path, err)
	}
	if idx.FileHashes == nil {
		idx.FileHashes = make(map[string]*FileEntry)
	}
	if idx.BlockHashes == nil {
		idx.BlockHashes = make(map[string]*BlockEntry)
	}
	return idx, nil
}

// save writes the full document via a temp file + rename so a crashed save
// never leaves a truncated index behind.
func (f *IndexFile) save(idx *Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(f.path, data, 0644); err != nil {
		return fmt.Errorf("failed to save dedup index %s: %w", f.path, err)
	}
	return nil
}
