package store

import (
	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"
	"github.com/provenant-ai/provenant/common"
	"github.com/provenant-ai/provenant/store/providers"
)

const transparencyLogStoreName = "verification transparency log"
const contentIndexStoreName = "submitted content digest index"

// Store model
type Store struct {
	provide.Model

	Name        *string `json:"name"`
	Description *string `json:"description"`
	Provider    *string `sql:"not null" json:"provider"`
}

// BeforeCreate assigns an id when the underlying database has no uuid default
func (s *Store) BeforeCreate(scope *gorm.Scope) error {
	if s.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		return scope.SetColumn("ID", id)
	}
	return nil
}

// Find resolves a store by id
func Find(db *gorm.DB, id uuid.UUID) *Store {
	store := &Store{}
	db.Where("id = ?", id).Find(&store)
	if store.ID == uuid.Nil {
		return nil
	}
	return store
}

// FindByName resolves a store by its unique name
func FindByName(db *gorm.DB, name string) *Store {
	store := &Store{}
	db.Where("name = ?", name).Find(&store)
	if store.ID == uuid.Nil {
		return nil
	}
	return store
}

func (s *Store) storeProviderFactory(db *gorm.DB) providers.StoreProvider {
	if s.Provider == nil {
		common.Log.Warning("failed to initialize store provider; no provider defined")
		return nil
	}

	switch *s.Provider {
	case providers.StoreProviderDenseMerkleTree:
		return providers.InitDenseMerkleTreeStoreProvider(db, s.ID)
	case providers.StoreProviderSparseMerkleTree:
		return providers.InitSparseMerkleTreeStoreProvider(db, s.ID)
	default:
		common.Log.Warningf("failed to initialize store provider; unknown provider: %s", *s.Provider)
	}

	return nil
}

// Create a store
func (s *Store) Create(db *gorm.DB) bool {
	if !s.validate() {
		return false
	}

	if db.NewRecord(s) {
		result := db.Create(&s)
		rowsAffected := result.RowsAffected
		errors := result.GetErrors()
		if len(errors) > 0 {
			for _, err := range errors {
				s.Errors = append(s.Errors, &provide.Error{
					Message: common.StringOrNil(err.Error()),
				})
			}
		}
		if !db.NewRecord(s) {
			success := rowsAffected > 0
			if success {
				common.Log.Debugf("initialized %s store: %s", *s.Provider, s.ID)
			}

			return success
		}
	}

	return false
}

// Contains returns true if the given value exists in the underlying store
func (s *Store) Contains(db *gorm.DB, val string) bool {
	provider := s.storeProviderFactory(db)
	if provider == nil {
		return false
	}
	return provider.Contains(val)
}

// Height returns the height of the underlying store
func (s *Store) Height(db *gorm.DB) int {
	provider := s.storeProviderFactory(db)
	if provider == nil {
		return 0
	}
	return provider.Height()
}

// Insert the given value in the underlying store
func (s *Store) Insert(db *gorm.DB, val string) (root []byte, err error) {
	provider := s.storeProviderFactory(db)
	if provider == nil {
		return nil, errUnresolvedProvider(s)
	}
	return provider.Insert(val)
}

// ProofPath returns the hex-encoded path proving membership of the given value
func (s *Store) ProofPath(db *gorm.DB, val string) (path []string, err error) {
	provider := s.storeProviderFactory(db)
	if provider == nil {
		return nil, errUnresolvedProvider(s)
	}
	return provider.ProofPath(val)
}

// Root returns the current root of the underlying store
func (s *Store) Root(db *gorm.DB) (root *string, err error) {
	provider := s.storeProviderFactory(db)
	if provider == nil {
		return nil, errUnresolvedProvider(s)
	}
	return provider.Root()
}

// validate the store params
func (s *Store) validate() bool {
	s.Errors = make([]*provide.Error, 0)

	if s.Provider == nil {
		s.Errors = append(s.Errors, &provide.Error{
			Message: common.StringOrNil("store provider required"),
		})
	}

	return len(s.Errors) == 0
}
