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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"snapvault/internal/common"
)

// Throttle paces bulk copies; worker.Throttler satisfies it.
type Throttle interface {
	WaitN(ctx context.Context, n int) error
}

const copyChunkSize = 1 << 20

// CopyTree recursively copies src into dst, preserving file modes and
// recreating symlinks. dst is created if missing; existing files are
// overwritten. A nil throttle copies at full speed.
func CopyTree(ctx context.Context, src, dst string, throttle Throttle) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(ctx, path, target, info.Mode().Perm(), throttle)
		default:
			// Sockets, devices and the like are not snapshot content.
			return nil
		}
	})
}

func copyFile(ctx context.Context, src, dst string, perm os.FileMode, throttle Throttle) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v: %w", dst, err, common.ErrIO)
	}

	buf := make([]byte, copyChunkSize)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if throttle != nil {
				if err := throttle.WaitN(ctx, n); err != nil {
					out.Close()
					return err
				}
			}
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				return fmt.Errorf("failed to write %s: %v: %w", dst, err, common.ErrIO)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return fmt.Errorf("failed to read %s: %v: %w", src, readErr, common.ErrIO)
		}
	}
	return out.Close()
}

// EmptyDir removes everything inside dir but keeps dir itself.
func EmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
