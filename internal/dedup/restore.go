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

package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"

	"snapvault/internal/common"
	"snapvault/internal/config"
	"snapvault/internal/store"
)

// RestoreStats reports one restoration pass.
type RestoreStats struct {
	FilesProcessed int
	FilesRestored  int
}

// RestoreTree reverses a dedup pass so every file under root holds its own
// full content again. Block stubs are reassembled from their block maps;
// file-level links are materialized into independent copies. Each file is
// written atomically so a crash never leaves a half-restored file in
// place. On success the dedup marker is removed and the references this
// tree held are returned to the store. A tree without a marker is already
// raw and is a no-op.
//
// A missing block or an inconsistent block map means the snapshot can no
// longer be reassembled; the pass fails with ErrCorruptedSnapshot and the
// tree keeps its marker.
func (e *Engine) RestoreTree(root string) (*RestoreStats, error) {
	marker, err := e.ReadMarker(root)
	if err != nil {
		if err == common.ErrNotFound {
			return &RestoreStats{}, nil
		}
		return nil, err
	}

	var stats *RestoreStats
	switch marker.Method {
	case config.MethodFile:
		stats, err = e.restoreFileTree(root)
	case config.MethodBlock:
		stats, err = e.restoreBlockTree(root)
	default:
		return nil, fmt.Errorf("unknown deduplication method %q in marker", marker.Method)
	}
	if err != nil {
		return nil, err
	}

	if err := os.Remove(filepath.Join(root, MarkerFileName)); err != nil {
		return nil, err
	}
	log.Infof("restored %d files in %s", stats.FilesRestored, root)
	return stats, nil
}

// restoreBlockTree rebuilds every stub under root from its block map. The
// tree keeps its marker unless every stub was reached and reassembled: a
// partially restored tree must never be mistaken for raw content.
func (e *Engine) restoreBlockTree(root string) (*RestoreStats, error) {
	stats := &RestoreStats{}
	walkStats := &RunStats{}
	var restoredMaps []string
	var failure error
	walkErr := e.walkRegularFiles(root, walkStats, func(path, relPath string, info os.FileInfo) {
		if failure != nil {
			return
		}
		stats.FilesProcessed++
		mapPath, isStub, err := readStub(path, info.Size())
		if err != nil {
			failure = err
			return
		}
		if !isStub {
			return
		}
		if err := e.restoreOneFile(path, mapPath); err != nil {
			failure = err
			return
		}
		stats.FilesRestored++
		restoredMaps = append(restoredMaps, mapPath)
	})
	// Files already materialized no longer hold their references, even
	// when the pass fails part-way; release them before reporting.
	if err := e.releaseBlockMaps(restoredMaps); err != nil && failure == nil {
		failure = err
	}
	if walkErr != nil {
		return nil, walkErr
	}
	if failure != nil {
		return nil, failure
	}
	if len(walkStats.SkippedFiles) > 0 {
		return nil, fmt.Errorf("%d entries could not be read under %s (first: %s)",
			len(walkStats.SkippedFiles), root, walkStats.SkippedFiles[0])
	}
	if err := verifyNoStubs(root); err != nil {
		return nil, err
	}
	return stats, nil
}

// verifyNoStubs re-scans the whole tree, without the dedup walk's hidden
// and exclude filters, for stubs the restore pass never reached. One
// surviving stub means the tree is still in the deduplicated state.
func verifyNoStubs(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		_, isStub, err := readStub(path, info.Size())
		if err != nil {
			return err
		}
		if isStub {
			return fmt.Errorf("stub %s was not restored", path)
		}
		return nil
	})
}

// restoreOneFile reassembles one stub from its block map.
func (e *Engine) restoreOneFile(path, mapPath string) error {
	bm, err := loadBlockMap(mapPath)
	if err != nil {
		return err
	}

	t, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	var written int64
	for i, blk := range bm.Blocks {
		if blk.Index != i {
			return fmt.Errorf("block map %s has gap at index %d: %w", mapPath, i, common.ErrCorruptedSnapshot)
		}
		data, err := e.store.Get(blk.Hash)
		if err != nil {
			return fmt.Errorf("block %d of %s: %w", i, path, common.ErrCorruptedSnapshot)
		}
		if len(data) != blk.Size {
			return fmt.Errorf("block %d of %s has size %d, expected %d: %w", i, path, len(data), blk.Size, common.ErrCorruptedSnapshot)
		}
		if _, err := t.Write(data); err != nil {
			return err
		}
		written += int64(len(data))
	}
	if written != bm.OriginalSize {
		return fmt.Errorf("reassembled %d bytes for %s, expected %d: %w", written, path, bm.OriginalSize, common.ErrCorruptedSnapshot)
	}
	return t.CloseAtomicallyReplace()
}

func loadBlockMap(path string) (*BlockMap, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("block map %s: %w", path, common.ErrCorruptedSnapshot)
	}
	if err != nil {
		return nil, err
	}
	var bm BlockMap
	if err := json.Unmarshal(data, &bm); err != nil {
		return nil, fmt.Errorf("block map %s: %w", path, common.ErrCorruptedSnapshot)
	}
	return &bm, nil
}

// releaseBlockMaps decrements the references the restored stubs held and
// deletes the now-orphaned block map files. Zero-reference blocks stay on
// disk until the next sweep.
func (e *Engine) releaseBlockMaps(mapPaths []string) error {
	if len(mapPaths) == 0 {
		return nil
	}
	return e.store.Index().Update(func(idx *store.Index) error {
		for _, mapPath := range mapPaths {
			bm, err := loadBlockMap(mapPath)
			if err != nil {
				return err
			}
			for _, blk := range bm.Blocks {
				if entry, ok := idx.BlockHashes[blk.Hash]; ok {
					entry.References--
					if entry.References < 0 {
						entry.References = 0
					}
				}
			}
			if err := os.Remove(mapPath); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	})
}

// restoreFileTree materializes file-level links into independent copies.
// Symlinked duplicates and hard links with more than one name get their
// own inode with the full content; files that already stand alone are left
// untouched. Every materialized file returns the reference its link held.
func (e *Engine) restoreFileTree(root string) (*RestoreStats, error) {
	stats := &RestoreStats{}
	var digests []string
	var failure error

	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if failure != nil || walkErr != nil {
			return walkErr
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil || relPath == "." {
			return err
		}
		if e.skip(relPath, filepath.Base(path)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}

		isLink := info.Mode()&os.ModeSymlink != 0
		isShared := false
		if !isLink && info.Mode().IsRegular() {
			if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Nlink > 1 {
				isShared = true
			}
		}
		if !isLink && !isShared {
			return nil
		}
		stats.FilesProcessed++

		// Reading through the link (or the shared inode) yields the full
		// content; the atomic rewrite allocates a fresh inode over path.
		data, err := os.ReadFile(path)
		if err != nil {
			failure = fmt.Errorf("failed to read %s: %w", path, err)
			return nil
		}
		if err := renameio.WriteFile(path, data, 0644); err != nil {
			failure = fmt.Errorf("failed to materialize %s: %w", path, err)
			return nil
		}
		stats.FilesRestored++
		digests = append(digests, store.Digest(data))
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if failure != nil {
		return nil, failure
	}

	if len(digests) > 0 {
		snapID := filepath.Base(root)
		err := e.store.Index().Update(func(idx *store.Index) error {
			for _, d := range digests {
				if entry, ok := idx.FileHashes[d]; ok {
					entry.References--
					if entry.References < 0 {
						entry.References = 0
					}
					entry.Snapshots = removeString(entry.Snapshots, snapID)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
