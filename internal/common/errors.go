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

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrExists              = errors.New("already exists")
	ErrAlreadyActive       = errors.New("snapshot already active")
	ErrNotActive           = errors.New("snapshot not active")
	ErrSnapshotActive      = errors.New("snapshot is active")
	ErrNotOverlayKind      = errors.New("not an overlay snapshot")
	ErrBackendUnavailable  = errors.New("backend unavailable")
	ErrCorruptedSnapshot   = errors.New("corrupted snapshot")
	ErrAlreadyDeduplicated = errors.New("tree already deduplicated")
	ErrInvalidPath         = errors.New("invalid path")
	ErrIO                  = errors.New("I/O error")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
