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

package dmt

import (
	"bytes"
	"crypto/sha256"

	"github.com/providenetwork/merkletree"
)

// treeContent represents an arbitrary value stored as a leaf of a dense merkle tree
type treeContent struct {
	value []byte
}

// CalculateHash returns the sha256 hash of the underlying value
func (tc *treeContent) CalculateHash() ([]byte, error) {
	digest := sha256.Sum256(tc.value)
	return digest[:], nil
}

// Equals returns true if the given content matches the underlying value
func (tc *treeContent) Equals(other merkletree.Content) (bool, error) {
	h0, err := tc.CalculateHash()
	if err != nil {
		return false, err
	}

	h1, err := other.CalculateHash()
	if err != nil {
		return false, err
	}

	return bytes.Equal(h0, h1), nil
}
