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

// Package dedup implements the deduplication engine: the file-level and
// block-level strategies that rewrite snapshot trees to reference the
// content store, and the restoration pipeline that reverses them.
package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"

	"snapvault/internal/common"
	"snapvault/internal/config"
	"snapvault/internal/store"
)

// MarkerFileName is written at a tree root after a dedup run. Its presence
// signals that the tree must be restored before other consumers read it raw.
const MarkerFileName = ".dedup-meta.json"

const mapsDirName = "maps"

// RunStats reports one deduplication run.
type RunStats struct {
	Snapshot           string   `json:"snapshot"`
	Method             string   `json:"method"`
	FilesProcessed     int      `json:"files_processed"`
	FilesDeduplicated  int      `json:"files_deduplicated"`
	BlocksProcessed    int      `json:"blocks_processed"`
	BlocksDeduplicated int      `json:"blocks_deduplicated"`
	SpaceSaved         int64    `json:"space_saved"`
	SkippedFiles       []string `json:"skipped_files,omitempty"`
}

// Marker is the per-snapshot dedup metadata record.
type Marker struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Stats     RunStats  `json:"stats"`
}

// BlockMapEntry describes one stored chunk of a block-deduplicated file.
type BlockMapEntry struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	Size  int    `json:"size"`
}

// BlockMap describes how to reassemble a file from stored blocks. Entries
// cover [0, OriginalSize) in strictly increasing index order with no gaps.
type BlockMap struct {
	File         string          `json:"file"` // relative path inside the tree
	OriginalSize int64           `json:"original_size"`
	BlockSize    int             `json:"block_size"`
	Blocks       []BlockMapEntry `json:"blocks"`
}

// Engine deduplicates snapshot trees against a shared content store.
type Engine struct {
	store     *store.BlockStore
	method    string
	blockSize int
	excludes  *ignore.GitIgnore // nil when no patterns configured
}

// New creates an engine from the dedup configuration.
func New(cfg config.DedupConfig) (*Engine, error) {
	s, err := store.Open(cfg.Directory)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:     s,
		method:    cfg.Method,
		blockSize: cfg.BlockSize,
	}
	if len(cfg.Exclude) > 0 {
		e.excludes = ignore.CompileIgnoreLines(cfg.Exclude...)
	}
	return e, nil
}

// Store returns the engine's content store.
func (e *Engine) Store() *store.BlockStore {
	return e.store
}

// DeduplicateTree rewrites the tree at root so duplicate content references
// the content store, using the configured strategy. snapshotID is recorded
// as the owner of file-level entries. A tree that already carries a dedup
// marker is rejected; restoring is the only way out of that state.
func (e *Engine) DeduplicateTree(snapshotID, root string) (*RunStats, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("snapshot directory %s: %w", root, common.ErrNotFound)
	}
	if _, err := e.ReadMarker(root); err == nil {
		return nil, fmt.Errorf("%s: %w", root, common.ErrAlreadyDeduplicated)
	}

	stats := &RunStats{Snapshot: root, Method: e.method}
	switch e.method {
	case config.MethodFile:
		err = e.deduplicateFiles(snapshotID, root, stats)
	case config.MethodBlock:
		err = e.deduplicateBlocks(snapshotID, root, stats)
	default:
		return nil, fmt.Errorf("unknown deduplication method %q", e.method)
	}
	if err != nil {
		return nil, err
	}

	if err := e.writeMarker(root, stats); err != nil {
		return nil, err
	}
	log.Infof("deduplication completed for %s: saved %d bytes", root, stats.SpaceSaved)
	return stats, nil
}

// ReadMarker loads the dedup marker for a tree. Returns common.ErrNotFound
// when the tree carries none.
func (e *Engine) ReadMarker(root string) (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(root, MarkerFileName))
	if os.IsNotExist(err) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse dedup marker in %s: %w", root, err)
	}
	return &m, nil
}

func (e *Engine) writeMarker(root string, stats *RunStats) error {
	m := Marker{Timestamp: time.Now(), Method: e.method, Stats: *stats}
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(root, MarkerFileName)
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write dedup marker %s: %w", path, err)
	}
	return nil
}

// mapPath returns where the block map for relPath (inside some tree) is
// persisted. Maps live beside the shard tree, mirroring the file's layout;
// the relative path is normalized so the map always lands inside the
// snapshot's maps directory.
func (e *Engine) mapPath(snapshotID, relPath string) string {
	return filepath.Join(e.store.Root(), mapsDirName, snapshotID, common.NormalizePath(relPath)+".blockmap")
}

// skip reports whether a walk entry should be left alone: hidden names and
// configured exclude patterns.
func (e *Engine) skip(relPath string, name string) bool {
	if common.IsHiddenName(name) {
		return true
	}
	return e.excludes != nil && e.excludes.MatchesPath(relPath)
}

// walkRegularFiles visits every regular, non-hidden, non-excluded file
// under root. Walk errors on single entries are collected into stats and
// do not abort the pass.
func (e *Engine) walkRegularFiles(root string, stats *RunStats, visit func(path, relPath string, info os.FileInfo)) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			stats.SkippedFiles = append(stats.SkippedFiles, path+": "+walkErr.Error())
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		name := filepath.Base(path)
		if e.skip(relPath, name) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		visit(path, relPath, info)
		return nil
	})
}
