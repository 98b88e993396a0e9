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

package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapvault/internal/common"
)

func TestCopyTreePreservesSymlinks(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "data"})
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link")))

	dst := t.TempDir()
	require.NoError(t, CopyTree(context.Background(), src, dst, nil))

	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)
	assert.Equal(t, "data", readFile(t, filepath.Join(dst, "a.txt")))
}

func TestCopyTreeWrapsIOErrors(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "data"})

	// A directory squatting on the destination file path makes the open
	// fail mid-copy.
	dst := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dst, "a.txt"), 0755))

	err := CopyTree(context.Background(), src, dst, nil)
	assert.ErrorIs(t, err, common.ErrIO)
}
