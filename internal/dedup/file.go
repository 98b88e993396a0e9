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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"snapvault/internal/store"
)

// deduplicateFiles replaces whole-file duplicates with links to a canonical
// copy. The first file seen with a given digest stays put and becomes the
// canonical copy; later duplicates are replaced by a hard link to it, or a
// symlink when the two sit on different filesystems. The entire run is one
// index critical section so concurrent runs never lose count updates.
func (e *Engine) deduplicateFiles(snapshotID, root string, stats *RunStats) error {
	return e.store.Index().Update(func(idx *store.Index) error {
		walkErr := e.walkRegularFiles(root, stats, func(path, relPath string, info os.FileInfo) {
			stats.FilesProcessed++
			digest, err := hashFile(path)
			if err != nil {
				log.Errorf("failed to hash %s: %v", path, err)
				stats.SkippedFiles = append(stats.SkippedFiles, relPath+": "+err.Error())
				return
			}

			entry, ok := idx.FileHashes[digest]
			if !ok {
				idx.FileHashes[digest] = &store.FileEntry{
					Path:       path,
					Size:       info.Size(),
					References: 1,
					Snapshots:  []string{snapshotID},
				}
				return
			}

			if _, err := os.Stat(entry.Path); err != nil {
				// The canonical copy vanished out from under the index.
				// Promote this file to canonical instead of linking to a
				// dangling path.
				log.Warnf("canonical copy %s is gone, promoting %s", entry.Path, path)
				entry.Path = path
				entry.Size = info.Size()
				entry.References = 1
				entry.Snapshots = []string{snapshotID}
				return
			}

			if sameFile(entry.Path, path) {
				return
			}
			if err := linkOver(entry.Path, path); err != nil {
				log.Errorf("failed to link %s: %v", path, err)
				stats.SkippedFiles = append(stats.SkippedFiles, relPath+": "+err.Error())
				return
			}
			entry.References++
			entry.Snapshots = appendUnique(entry.Snapshots, snapshotID)
			stats.FilesDeduplicated++
			stats.SpaceSaved += info.Size()
		})
		if walkErr != nil {
			return walkErr
		}
		idx.Stats.SpaceSaved += stats.SpaceSaved
		return nil
	})
}

// hashFile streams a file through sha256.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sameFile reports whether two paths already name the same inode.
func sameFile(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}

// linkOver atomically replaces path with a hard link to canonical, falling
// back to a symlink across filesystem boundaries. The link is created under
// a temp name first so a failure never loses the original file.
func linkOver(canonical, path string) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".dedup-tmp")
	if err := os.Link(canonical, tmp); err != nil {
		// Hard links cannot cross devices; fall back to a symlink.
		if err := os.Symlink(canonical, tmp); err != nil {
			return fmt.Errorf("failed to create link to %s: %w", canonical, err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
