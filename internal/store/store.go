package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Auth tokens
	SaveTokens(rec *TokenRecord) error
	GetTokens() (*TokenRecord, error)

	// System operations
	SaveSystem(sys *SystemRecord) error
	GetSystem(systemID string) (*SystemRecord, error)
	ListSystems() ([]*SystemRecord, error)

	// Space operations
	SaveSpace(sp *SpaceRecord) error
	GetSpace(spaceID string) (*SpaceRecord, error)
	DeleteSpace(spaceID string) error
	ListSpaces() ([]*SpaceRecord, error)

	// UpdateSpace atomically reads, modifies, and saves a space record in a
	// single transaction. Returns ErrNotFound if the space does not exist.
	UpdateSpace(spaceID string, fn func(sp *SpaceRecord) error) error

	// Close the store
	Close() error
}
