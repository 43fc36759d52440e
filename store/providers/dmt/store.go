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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	"github.com/providenetwork/merkletree"
	"github.com/provenant-ai/provenant/common"
)

// DMT is a durable append-only dense merkle tree backed by a gorm persistence provider
type DMT struct {
	db     *gorm.DB
	id     *uuid.UUID
	mutex  *sync.Mutex
	tree   *merkletree.MerkleTree
	values []merkletree.Content
}

func hashStrategy() hash.Hash {
	return sha256.New()
}

// InitDMT initializes a dense merkle tree store provider, importing any
// previously persisted leaves for the given store id
func InitDMT(db *gorm.DB, id uuid.UUID) *DMT {
	values, err := loadValues(db, id)
	if err != nil {
		common.Log.Warningf("failed to load dense merkle tree store %s; %s", id, err.Error())
		return nil
	}

	instance := &DMT{
		db:     db,
		id:     &id,
		mutex:  &sync.Mutex{},
		values: values,
	}

	if len(values) > 0 {
		instance.tree, err = merkletree.NewTreeWithHashStrategy(values, hashStrategy)
		if err != nil {
			common.Log.Warningf("failed to import dense merkle tree for store %s; %s", id, err.Error())
			return nil
		}

		common.Log.Debugf("imported dense merkle tree for store %s; root: %s", id, hex.EncodeToString(instance.tree.MerkleRoot()))
	}

	return instance
}

func loadValues(db *gorm.DB, id uuid.UUID) ([]merkletree.Content, error) {
	rows, err := db.Raw("SELECT value FROM hashes WHERE store_id = ? ORDER BY id", id).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve merkle tree from store: %s; %s", id, err.Error())
	}
	defer rows.Close()

	values := make([]merkletree.Content, 0)

	for rows.Next() {
		var value string
		err = rows.Scan(&value)
		if err != nil {
			return nil, fmt.Errorf("failed to scan the store for dense merkle tree; %s", err.Error())
		}

		values = append(values, &treeContent{value: []byte(value)})
	}

	return values, nil
}

// Contains returns true if the given value has been inserted as a leaf of the tree
func (s *DMT) Contains(val string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.tree == nil {
		return false
	}

	contained, err := s.tree.VerifyContent(&treeContent{value: []byte(val)})
	if err != nil {
		common.Log.Warningf("failed to verify content inclusion for store %s; %s", s.id, err.Error())
		return false
	}

	return contained
}

// Height returns the number of leaves in the tree
func (s *DMT) Height() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.values)
}

// Insert appends the given value as a leaf, recalculates the root and
// persists the leaf within the underlying store
func (s *DMT) Insert(val string) (root []byte, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.values = append(s.values, &treeContent{value: []byte(val)})

	if s.tree == nil {
		s.tree, err = merkletree.NewTreeWithHashStrategy(s.values, hashStrategy)
	} else {
		err = s.tree.RebuildTreeWith(s.values)
	}
	if err != nil {
		s.values = s.values[:len(s.values)-1]
		return nil, err
	}

	digest := sha256.Sum256([]byte(val))
	result := s.db.Exec("INSERT INTO hashes (store_id, hash, value) VALUES (?, ?, ?)", s.id, hex.EncodeToString(digest[:]), val)
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("failed to persist hash within merkle tree store: %s", s.id)
	}

	root = s.tree.MerkleRoot()
	common.Log.Debugf("inserted leaf in dense merkle tree store %s; current root: %s", s.id, hex.EncodeToString(root))
	return root, nil
}

// ProofPath returns the hex-encoded merkle path from the given value to the current root
func (s *DMT) ProofPath(val string) (path []string, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.tree == nil {
		return nil, errors.New("tree does not contain any leaves")
	}

	siblings, _, err := s.tree.GetMerklePath(&treeContent{value: []byte(val)})
	if err != nil {
		return nil, err
	}

	path = make([]string, len(siblings))
	for i := range siblings {
		path[i] = hex.EncodeToString(siblings[i])
	}

	return path, nil
}

// Root returns the current hex-encoded merkle root
func (s *DMT) Root() (root *string, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.tree == nil {
		return nil, errors.New("tree does not contain a valid root")
	}

	return common.StringOrNil(hex.EncodeToString(s.tree.MerkleRoot())), nil
}
