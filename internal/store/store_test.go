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
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapvault/internal/common"
)

func TestPutAndGet(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data := []byte("hello snapvault")
	digest, err := s.Put(data)
	require.NoError(t, err)
	assert.Equal(t, Digest(data), digest)

	got, err := s.Get(digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The object lands in the two-level shard tree.
	assert.FileExists(t, s.ObjectPath(digest))
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(Digest([]byte("never stored")))
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestPutDuplicateBumpsReferences(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data := []byte("shared block")
	d1, err := s.Put(data)
	require.NoError(t, err)
	d2, err := s.Put(data)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	err = s.Index().View(func(idx *Index) error {
		require.Contains(t, idx.BlockHashes, d1)
		assert.Equal(t, 2, idx.BlockHashes[d1].References)
		assert.Equal(t, 1, idx.Stats.TotalBlocks)
		assert.Equal(t, 1, idx.Stats.DeduplicatedBlocks)
		return nil
	})
	require.NoError(t, err)
}

func TestIncrefDecref(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	digest, err := s.Put([]byte("counted"))
	require.NoError(t, err)

	require.NoError(t, s.Incref(digest))
	require.NoError(t, s.Incref(digest))
	require.NoError(t, s.Decref(digest))

	err = s.Index().View(func(idx *Index) error {
		assert.Equal(t, 2, idx.BlockHashes[digest].References)
		return nil
	})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Incref("deadbeef"), common.ErrNotFound)
}

func TestDecrefFloorsAtZero(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	digest, err := s.Put([]byte("floored"))
	require.NoError(t, err)

	require.NoError(t, s.Decref(digest))
	require.NoError(t, s.Decref(digest))

	err = s.Index().View(func(idx *Index) error {
		assert.Equal(t, 0, idx.BlockHashes[digest].References)
		return nil
	})
	require.NoError(t, err)

	// Decref never deletes the physical object.
	assert.FileExists(t, s.ObjectPath(digest))
}

func TestSweep(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	keep, err := s.Put([]byte("still referenced"))
	require.NoError(t, err)
	orphan, err := s.Put([]byte("orphaned"))
	require.NoError(t, err)
	require.NoError(t, s.Decref(orphan))

	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(s.ObjectPath(orphan))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, s.ObjectPath(keep))

	// Second sweep with no intervening mutation removes nothing.
	removed, err = s.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSweepDropsOrphanedFileEntries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	live := filepath.Join(dir, "canonical.txt")
	require.NoError(t, os.WriteFile(live, []byte("canonical"), 0644))

	err = s.Index().Update(func(idx *Index) error {
		idx.FileHashes["aa"] = &FileEntry{Path: live, References: 0}
		idx.FileHashes["bb"] = &FileEntry{Path: live, References: 2}
		// Referenced, but its tree was deleted out from under it.
		idx.FileHashes["cc"] = &FileEntry{Path: filepath.Join(dir, "gone.txt"), References: 1}
		return nil
	})
	require.NoError(t, err)

	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	err = s.Index().View(func(idx *Index) error {
		assert.NotContains(t, idx.FileHashes, "aa")
		assert.Contains(t, idx.FileHashes, "bb")
		assert.NotContains(t, idx.FileHashes, "cc")
		return nil
	})
	require.NoError(t, err)
}

func TestConcurrentPutsConverge(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data := []byte("contended block")
	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(data)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	err = s.Index().View(func(idx *Index) error {
		entry := idx.BlockHashes[Digest(data)]
		require.NotNil(t, entry)
		// Every put is one reference; none may be lost to a race.
		assert.Equal(t, workers, entry.References)
		assert.Equal(t, 1, idx.Stats.TotalBlocks)
		return nil
	})
	require.NoError(t, err)
}

func TestIndexPersistsAcrossOpens(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	digest, err := s1.Put([]byte("durable"))
	require.NoError(t, err)

	s2, err := Open(dir)
	require.NoError(t, err)
	got, err := s2.Get(digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)

	err = s2.Index().View(func(idx *Index) error {
		assert.Equal(t, 1, idx.BlockHashes[digest].References)
		return nil
	})
	require.NoError(t, err)
}
