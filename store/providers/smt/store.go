package smt

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	"github.com/providenetwork/smt"
	"github.com/provenant-ai/provenant/common"
)

// SMT is a durable sparse merkle tree membership index backed by a gorm persistence provider
type SMT struct {
	db    *gorm.DB
	hash  hash.Hash
	id    *uuid.UUID
	mutex *sync.Mutex
	tree  *smt.SparseMerkleTree
}

// InitSMT initializes a sparse merkle tree store provider, importing the
// previously persisted tree for the given store id when one exists
func InitSMT(db *gorm.DB, id uuid.UUID, hash hash.Hash) *SMT {
	tree, err := loadTree(db, id, hash)
	if err != nil {
		common.Log.Warningf("failed to load sparse merkle tree store %s; %s", id, err.Error())
		return nil
	}

	if tree == nil {
		tree = smt.NewSparseMerkleTree(smt.NewSimpleMap(), smt.NewSimpleMap(), hash)
	}

	instance := &SMT{
		db:    db,
		hash:  hash,
		id:    &id,
		mutex: &sync.Mutex{},
		tree:  tree,
	}

	return instance
}

func loadTree(db *gorm.DB, id uuid.UUID, hash hash.Hash) (*smt.SparseMerkleTree, error) {
	var tree *smt.SparseMerkleTree

	rows, err := db.Raw("SELECT nodes, leaves, root FROM trees WHERE store_id = ? ORDER BY id DESC LIMIT 1", id).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve merkle tree from store: %s; %s", id, err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		var nodesRaw json.RawMessage
		var leavesRaw json.RawMessage
		var root string

		err = rows.Scan(&nodesRaw, &leavesRaw, &root)
		if err != nil {
			return nil, fmt.Errorf("failed to scan the store for sparse merkle tree; %s", err.Error())
		}

		var nodes *smt.SimpleMap
		var leaves *smt.SimpleMap

		json.Unmarshal(nodesRaw, &nodes)
		json.Unmarshal(leavesRaw, &leaves)
		rootBytes, _ := hex.DecodeString(root)

		tree = smt.ImportSparseMerkleTree(
			nodes,
			leaves,
			hash,
			rootBytes,
		)

		common.Log.Debugf("imported sparse merkle tree with root: %s", root)
	}

	return tree, nil
}

// commit the current state of the sparse merkle tree to the database
func (s *SMT) commit() error {
	nodes, _ := json.Marshal(s.tree.Nodes())
	leaves, _ := json.Marshal(s.tree.Values())
	root := s.tree.Root()

	db := s.db.Exec("INSERT INTO trees (store_id, nodes, leaves, root) VALUES (?, ?, ?, ?)", s.id, nodes, leaves, hex.EncodeToString(root))
	if db.RowsAffected == 0 {
		return fmt.Errorf("failed to persist sparse merkle tree: %s", s.id)
	}

	return nil
}

func (s *SMT) digest(val []byte) []byte {
	s.hash.Reset()
	s.hash.Write(val)
	hash := s.hash.Sum(nil)
	s.hash.Reset()
	return hash
}

// Contains returns true if the given value is a member of the index
func (s *SMT) Contains(val string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_val := []byte(val)
	key := s.digest(_val)

	proof, err := s.tree.Prove(key)
	if err != nil {
		common.Log.Warningf("failed to generate merkle proof; %s", err.Error())
		return false
	}

	return smt.VerifyProof(proof, s.tree.Root(), key, _val, s.hash)
}

// Height returns the height of the sparse merkle tree
func (s *SMT) Height() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.tree.Height()
}

// Insert adds the given value to the index, recalculating and persisting the root
func (s *SMT) Insert(val string) (root []byte, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_val := []byte(val)
	key := s.digest(_val)

	root, err = s.tree.Update(key, _val)
	if err != nil {
		return nil, err
	}

	err = s.commit()
	if err != nil {
		return nil, err
	}

	common.Log.Debugf("inserted key %s in sparse merkle tree store %s; current root: %s", hex.EncodeToString(key), s.id, hex.EncodeToString(s.tree.Root()))
	return root, nil
}

// ProofPath returns the hex-encoded sibling path proving membership of the given value
func (s *SMT) ProofPath(val string) (path []string, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := s.digest([]byte(val))

	proof, err := s.tree.Prove(key)
	if err != nil {
		return nil, err
	}

	path = make([]string, len(proof.SideNodes))
	for i := range proof.SideNodes {
		path[i] = hex.EncodeToString(proof.SideNodes[i])
	}

	return path, nil
}

// Root returns the current hex-encoded root of the sparse merkle tree
func (s *SMT) Root() (root *string, err error) {
	if s.tree.Root() == nil || len(s.tree.Root()) == 0 {
		return nil, errors.New("tree does not contain a valid root")
	}
	return common.StringOrNil(hex.EncodeToString(s.tree.Root())), nil
}
