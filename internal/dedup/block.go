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
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"

	"snapvault/internal/store"
)

// StubPrefix marks a file whose content has been replaced by a pointer to
// its block map.
const StubPrefix = "DEDUP_BLOCKMAP:"

// maxStubSize bounds how much of a file is read when probing for the stub
// prefix. Real stubs are a prefix plus a path, far below this.
const maxStubSize = 4096

// blockDelta records one file's index mutations so a mid-file failure can
// be rolled back without touching blocks other files contributed.
type blockDelta struct {
	digest string
	fresh  bool // entry created by this file
}

// deduplicateBlocks splits every file into fixed-size chunks, stores each
// unique chunk once, and replaces the file with a stub pointing at its
// block map. A file that fails mid-way is rolled back and skipped; the run
// continues. The whole pass is one index critical section.
func (e *Engine) deduplicateBlocks(snapshotID, root string, stats *RunStats) error {
	return e.store.Index().Update(func(idx *store.Index) error {
		walkErr := e.walkRegularFiles(root, stats, func(path, relPath string, info os.FileInfo) {
			if info.Size() == 0 {
				return
			}
			stats.FilesProcessed++
			saved, blocks, dedup, err := e.deduplicateOneFile(idx, snapshotID, path, relPath, info.Size())
			if err != nil {
				log.Errorf("failed to deduplicate %s: %v", path, err)
				stats.SkippedFiles = append(stats.SkippedFiles, relPath+": "+err.Error())
				return
			}
			stats.FilesDeduplicated++
			stats.BlocksProcessed += blocks
			stats.BlocksDeduplicated += dedup
			stats.SpaceSaved += saved
		})
		if walkErr != nil {
			return walkErr
		}
		idx.Stats.SpaceSaved += stats.SpaceSaved
		return nil
	})
}

// deduplicateOneFile chunks a single file into the store and swaps it for a
// stub. Returns the bytes saved by chunks that were already present, the
// total chunk count, and how many of those chunks were shared.
func (e *Engine) deduplicateOneFile(idx *store.Index, snapshotID, path, relPath string, size int64) (saved int64, blocks, dedup int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	bm := BlockMap{
		File:         relPath,
		OriginalSize: size,
		BlockSize:    e.blockSize,
	}
	var deltas []blockDelta
	rollback := func() {
		for _, d := range deltas {
			entry, ok := idx.BlockHashes[d.digest]
			if !ok {
				continue
			}
			entry.References--
			if d.fresh && entry.References <= 0 {
				os.Remove(entry.Path)
				delete(idx.BlockHashes, d.digest)
			}
		}
	}

	buf := make([]byte, e.blockSize)
	for index := 0; ; index++ {
		n, readErr := io.ReadFull(f, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			rollback()
			return 0, 0, 0, readErr
		}
		chunk := buf[:n]
		digest := store.Digest(chunk)
		blocks++

		if entry, ok := idx.BlockHashes[digest]; ok {
			entry.References++
			deltas = append(deltas, blockDelta{digest: digest})
			dedup++
			saved += int64(n)
		} else {
			if err := e.store.WriteObject(digest, chunk); err != nil {
				rollback()
				return 0, 0, 0, err
			}
			idx.BlockHashes[digest] = &store.BlockEntry{
				Path:       e.store.ObjectPath(digest),
				Size:       int64(n),
				References: 1,
			}
			deltas = append(deltas, blockDelta{digest: digest, fresh: true})
		}
		bm.Blocks = append(bm.Blocks, BlockMapEntry{Index: index, Hash: digest, Size: n})
		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	mapPath := e.mapPath(snapshotID, relPath)
	if err := writeBlockMap(mapPath, &bm); err != nil {
		rollback()
		return 0, 0, 0, err
	}
	if err := renameio.WriteFile(path, []byte(StubPrefix+mapPath), 0644); err != nil {
		os.Remove(mapPath)
		rollback()
		return 0, 0, 0, fmt.Errorf("failed to write stub for %s: %w", path, err)
	}
	return saved, blocks, dedup, nil
}

func writeBlockMap(path string, bm *BlockMap) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(bm, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write block map %s: %w", path, err)
	}
	return nil
}

// readStub returns the block map path a stub file points at, or ok=false
// when the file is not a stub.
func readStub(path string, size int64) (string, bool, error) {
	if size == 0 || size > maxStubSize || size <= int64(len(StubPrefix)) {
		return "", false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}
	content := string(data)
	if len(content) <= len(StubPrefix) || content[:len(StubPrefix)] != StubPrefix {
		return "", false, nil
	}
	return content[len(StubPrefix):], true, nil
}
