package store

import (
	"fmt"

	"github.com/jinzhu/gorm"
	"github.com/provenant-ai/provenant/common"
	"github.com/provenant-ai/provenant/store/providers"
)

func errUnresolvedProvider(s *Store) error {
	return fmt.Errorf("failed to resolve store provider for store %s", s.ID)
}

// RequireTransparencyLog resolves the append-only log of digests for claims
// which reached a confirmed attestation, initializing it on first use
func RequireTransparencyLog(db *gorm.DB) *Store {
	return requireStore(db, transparencyLogStoreName, providers.StoreProviderDenseMerkleTree)
}

// RequireContentIndex resolves the membership index of every submitted
// content digest, initializing it on first use
func RequireContentIndex(db *gorm.DB) *Store {
	return requireStore(db, contentIndexStoreName, providers.StoreProviderSparseMerkleTree)
}

func requireStore(db *gorm.DB, name, provider string) *Store {
	store := FindByName(db, name)
	if store != nil {
		return store
	}

	store = &Store{
		Name:     common.StringOrNil(name),
		Provider: common.StringOrNil(provider),
	}

	if !store.Create(db) {
		common.Log.Warningf("failed to initialize %s store: %s", provider, name)
		return nil
	}

	return store
}

// AppendVerifiedDigest appends the given content digest to the transparency log
func AppendVerifiedDigest(db *gorm.DB, digest string) (root []byte, err error) {
	log := RequireTransparencyLog(db)
	if log == nil {
		return nil, fmt.Errorf("failed to resolve transparency log store")
	}
	return log.Insert(db, digest)
}

// VerifiedDigestProof returns the merkle path proving inclusion of the given
// digest in the transparency log
func VerifiedDigestProof(db *gorm.DB, digest string) (path []string, err error) {
	log := RequireTransparencyLog(db)
	if log == nil {
		return nil, fmt.Errorf("failed to resolve transparency log store")
	}
	return log.ProofPath(db, digest)
}

// IndexContentDigest adds the given content digest to the membership index,
// returning true if the digest had been seen before
func IndexContentDigest(db *gorm.DB, digest string) (seen bool, err error) {
	index := RequireContentIndex(db)
	if index == nil {
		return false, fmt.Errorf("failed to resolve content digest index store")
	}

	seen = index.Contains(db, digest)
	_, err = index.Insert(db, digest)
	if err != nil {
		return seen, err
	}

	return seen, nil
}
