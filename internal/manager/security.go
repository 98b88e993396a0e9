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

// Encryptor transforms snapshot manifests at rest. The default passes data
// through unchanged; deployments that need encrypted manifests plug in
// their own.
type Encryptor interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// Signer authenticates snapshot manifests. The default signs nothing and
// accepts everything.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, signature []byte) error
}

// NoopEncryptor passes data through unchanged.
type NoopEncryptor struct{}

func (NoopEncryptor) Encrypt(data []byte) ([]byte, error) { return data, nil }
func (NoopEncryptor) Decrypt(data []byte) ([]byte, error) { return data, nil }

// NoopSigner produces no signature and accepts any.
type NoopSigner struct{}

func (NoopSigner) Sign(data []byte) ([]byte, error)    { return nil, nil }
func (NoopSigner) Verify(data, signature []byte) error { return nil }
