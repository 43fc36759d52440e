/*
 * Copyright 2024-2025 Provenant Labs, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package providers

import (
	"crypto/sha256"

	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	"github.com/provenant-ai/provenant/store/providers/dmt"
	"github.com/provenant-ai/provenant/store/providers/smt"
)

// StoreProviderDenseMerkleTree dense merkle tree storage provider
const StoreProviderDenseMerkleTree = "dmt"

// StoreProviderSparseMerkleTree sparse merkle tree storage provider
const StoreProviderSparseMerkleTree = "smt"

// StoreProvider provides a common interface to interact with digest storage facilities
type StoreProvider interface {
	Contains(val string) bool
	Height() int
	Insert(val string) (root []byte, err error)
	ProofPath(val string) (path []string, err error)
	Root() (root *string, err error)
}

// InitDenseMerkleTreeStoreProvider initializes a durable append-only merkle tree;
// a failed load returns a nil interface, never a typed nil the caller can't check
func InitDenseMerkleTreeStoreProvider(db *gorm.DB, id uuid.UUID) StoreProvider {
	instance := dmt.InitDMT(db, id)
	if instance == nil {
		return nil
	}
	return instance
}

// InitSparseMerkleTreeStoreProvider initializes a sparse merkle tree membership index
func InitSparseMerkleTreeStoreProvider(db *gorm.DB, id uuid.UUID) StoreProvider {
	instance := smt.InitSMT(db, id, sha256.New())
	if instance == nil {
		return nil
	}
	return instance
}
