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

package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio"

	"snapvault/internal/common"
)

// Manifest is the per-snapshot sidecar written next to the snapshot data.
// It survives registry loss and lets a restore verify it is reassembling
// what was captured.
type Manifest struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	SourcePath string    `json:"source_path"`
	CreatedAt  time.Time `json:"created_at"`
	Signature  []byte    `json:"signature,omitempty"`
}

const manifestSuffix = ".manifest.json"

func manifestPath(snapshotPath string) string {
	return snapshotPath + manifestSuffix
}

func (m *Manager) writeManifest(manifest *Manifest, snapshotPath string) error {
	body, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	sig, err := m.signer.Sign(body)
	if err != nil {
		return fmt.Errorf("failed to sign manifest: %w", err)
	}
	manifest.Signature = sig

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	sealed, err := m.encryptor.Encrypt(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt manifest: %w", err)
	}
	return renameio.WriteFile(manifestPath(snapshotPath), sealed, 0644)
}

// verifyManifest checks a snapshot's sidecar before a restore. A missing
// sidecar is tolerated; a present but unreadable or mis-signed one is not.
func (m *Manager) verifyManifest(path, snapshotID string) error {
	sealed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	data, err := m.encryptor.Decrypt(sealed)
	if err != nil {
		return fmt.Errorf("manifest %s: %w", path, common.ErrCorruptedSnapshot)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("manifest %s: %w", path, common.ErrCorruptedSnapshot)
	}
	sig := manifest.Signature
	manifest.Signature = nil
	body, err := json.Marshal(&manifest)
	if err != nil {
		return err
	}
	if err := m.signer.Verify(body, sig); err != nil {
		return fmt.Errorf("manifest %s signature: %w", path, common.ErrCorruptedSnapshot)
	}
	if manifest.ID != snapshotID {
		return fmt.Errorf("manifest %s belongs to %s, not %s: %w", path, manifest.ID, snapshotID, common.ErrCorruptedSnapshot)
	}
	return nil
}
