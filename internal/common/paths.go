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

package common

import (
	"os"
	"path/filepath"
	"strings"
)

// NormalizePath cleans a path and strips leading/trailing slashes.
func NormalizePath(path string) string {
	path = filepath.Clean(path)
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "." {
		return ""
	}
	return path
}

// IsHiddenName reports whether a file name is hidden (dot-prefixed or an
// AppleDouble "._" sidecar). Hidden files are skipped by dedup walks and
// size accounting.
func IsHiddenName(name string) bool {
	if len(name) > 0 && name[0] == '.' {
		return true
	}
	return len(name) >= 2 && name[:2] == "._"
}

// DirSize returns the total size in bytes of all regular files under path.
// Symlinks are excluded so linked content is not double counted. A missing
// path yields size 0.
func DirSize(path string) (int64, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if info.Mode().IsRegular() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.Walk(path, func(p string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			// Unreadable entries do not abort size accounting.
			return nil
		}
		if fi.Mode().IsRegular() {
			total += fi.Size()
		}
		return nil
	})
	return total, err
}
