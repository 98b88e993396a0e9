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

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"

	"snapvault/internal/common"
)

const blocksDirName = "blocks"

// Digest computes the sha256 content address of data.
func Digest(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// BlockStore is the content-addressed store. Unique blocks live in a
// digest-sharded object tree; reference counts live in the index.
type BlockStore struct {
	root string // dedup root directory
	idx  *IndexFile
}

// Open prepares the store under dedupDir.
func Open(dedupDir string) (*BlockStore, error) {
	idx, err := OpenIndex(dedupDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dedupDir, blocksDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create blocks directory: %w", err)
	}
	return &BlockStore{root: dedupDir, idx: idx}, nil
}

// Root returns the dedup root directory.
func (s *BlockStore) Root() string {
	return s.root
}

// Index exposes the index critical section for callers that batch many
// reference count mutations into one load→mutate→save cycle.
func (s *BlockStore) Index() *IndexFile {
	return s.idx
}

// ObjectPath returns the sharded object location for a digest. The two
// two-character prefix levels bound directory fan-out.
func (s *BlockStore) ObjectPath(digest string) string {
	return filepath.Join(s.root, blocksDirName, digest[:2], digest[2:4], digest)
}

// WriteObject writes data to its sharded location only if absent.
// The temp-then-rename write makes concurrent puts of identical content
// converge to a single physical copy.
func (s *BlockStore) WriteObject(digest string, data []byte) error {
	path := s.ObjectPath(digest)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write block %s: %w", digest, err)
	}
	return nil
}

// Put stores data and registers it in the index with reference count 1,
// or bumps the count when the digest is already present. Returns the digest.
func (s *BlockStore) Put(data []byte) (string, error) {
	digest := Digest(data)
	err := s.idx.Update(func(idx *Index) error {
		if entry, ok := idx.BlockHashes[digest]; ok {
			entry.References++
			return nil
		}
		if err := s.WriteObject(digest, data); err != nil {
			return err
		}
		idx.BlockHashes[digest] = &BlockEntry{
			Path:       s.ObjectPath(digest),
			Size:       int64(len(data)),
			References: 1,
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return digest, nil
}

// Get reads the full content for a digest. Returns common.ErrNotFound when
// no object exists; reads are all-or-nothing.
func (s *BlockStore) Get(digest string) ([]byte, error) {
	data, err := os.ReadFile(s.ObjectPath(digest))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("block %s: %w", digest, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block %s: %w", digest, err)
	}
	return data, nil
}

// Incref increments the reference count for a digest.
func (s *BlockStore) Incref(digest string) error {
	return s.adjustRefs(digest, +1)
}

// Decref decrements the reference count for a digest, flooring at zero.
// The physical object is never deleted here; zero-reference entries stay
// orphaned until an explicit Sweep.
func (s *BlockStore) Decref(digest string) error {
	return s.adjustRefs(digest, -1)
}

func (s *BlockStore) adjustRefs(digest string, delta int) error {
	return s.idx.Update(func(idx *Index) error {
		if entry, ok := idx.BlockHashes[digest]; ok {
			entry.References += delta
			if entry.References < 0 {
				entry.References = 0
			}
			return nil
		}
		if entry, ok := idx.FileHashes[digest]; ok {
			entry.References += delta
			if entry.References < 0 {
				entry.References = 0
			}
			return nil
		}
		return fmt.Errorf("digest %s: %w", digest, common.ErrNotFound)
	})
}

// Sweep deletes all zero-reference entries and their physical objects and
// returns the number of entries removed. The whole pass runs inside the
// index critical section, so a digest observed at zero cannot gain a
// reference before its object is unlinked. Running Sweep twice with no
// intervening mutation removes nothing the second time.
func (s *BlockStore) Sweep() (int, error) {
	removed := 0
	err := s.idx.Update(func(idx *Index) error {
		for digest, entry := range idx.BlockHashes {
			if entry.References != 0 {
				continue
			}
			if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
				log.Errorf("sweep: failed to remove block %s: %v", digest, err)
				continue
			}
			delete(idx.BlockHashes, digest)
			removed++
		}
		// File entries point into snapshot trees the store does not own.
		// Zero-reference entries and entries whose canonical copy vanished
		// with its tree are dropped from the index only.
		for digest, entry := range idx.FileHashes {
			if entry.References == 0 {
				delete(idx.FileHashes, digest)
				removed++
				continue
			}
			if _, err := os.Stat(entry.Path); os.IsNotExist(err) {
				delete(idx.FileHashes, digest)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		log.Infof("sweep removed %d orphaned entries", removed)
	}
	return removed, nil
}

// GetStats returns the index rollup statistics.
func (s *BlockStore) GetStats() (Stats, error) {
	var stats Stats
	err := s.idx.View(func(idx *Index) error {
		stats = idx.Stats
		return nil
	})
	return stats, err
}
