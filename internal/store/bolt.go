package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAuth    = []byte("auth")
	bucketSystems = []byte("systems")
	bucketSpaces  = []byte("spaces")
	keyTokens     = []byte("tokens")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAuth, bucketSystems, bucketSpaces} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveTokens(rec *TokenRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuth)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAuth)
		}
		// Use internal storage struct to persist the raw tokens.
		st := tokenStorage{
			IDToken:      rec.IDToken,
			RefreshToken: rec.RefreshToken,
			UpdatedAt:    rec.UpdatedAt,
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyTokens, data)
	})
}

func (s *BoltStore) GetTokens() (*TokenRecord, error) {
	var rec TokenRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuth)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAuth)
		}
		data := b.Get(keyTokens)
		if data == nil {
			return fmt.Errorf("tokens: %w", ErrNotFound)
		}
		// Deserialize via internal storage struct to recover the tokens.
		var st tokenStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		rec = TokenRecord{
			IDToken:      st.IDToken,
			RefreshToken: st.RefreshToken,
			UpdatedAt:    st.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) SaveSystem(sys *SystemRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystems)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSystems)
		}
		data, err := json.Marshal(sys)
		if err != nil {
			return err
		}
		return b.Put([]byte(sys.SystemID), data)
	})
}

func (s *BoltStore) GetSystem(systemID string) (*SystemRecord, error) {
	var sys SystemRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystems)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSystems)
		}
		data := b.Get([]byte(systemID))
		if data == nil {
			return fmt.Errorf("system %s: %w", systemID, ErrNotFound)
		}
		return json.Unmarshal(data, &sys)
	})
	if err != nil {
		return nil, err
	}
	return &sys, nil
}

func (s *BoltStore) ListSystems() ([]*SystemRecord, error) {
	var systems []*SystemRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystems)
		if b == nil {
			return nil // no bucket = no systems
		}
		systems = make([]*SystemRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var sys SystemRecord
			if err := json.Unmarshal(v, &sys); err != nil {
				return err
			}
			systems = append(systems, &sys)
			return nil
		})
	})
	return systems, err
}

func (s *BoltStore) SaveSpace(sp *SpaceRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpaces)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSpaces)
		}
		data, err := json.Marshal(sp)
		if err != nil {
			return err
		}
		return b.Put([]byte(sp.SpaceID), data)
	})
}

func (s *BoltStore) GetSpace(spaceID string) (*SpaceRecord, error) {
	var sp SpaceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpaces)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSpaces)
		}
		data := b.Get([]byte(spaceID))
		if data == nil {
			return fmt.Errorf("space %s: %w", spaceID, ErrNotFound)
		}
		return json.Unmarshal(data, &sp)
	})
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

func (s *BoltStore) DeleteSpace(spaceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpaces)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSpaces)
		}
		return b.Delete([]byte(spaceID))
	})
}

func (s *BoltStore) ListSpaces() ([]*SpaceRecord, error) {
	var spaces []*SpaceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpaces)
		if b == nil {
			return nil // no bucket = no spaces
		}
		spaces = make([]*SpaceRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var sp SpaceRecord
			if err := json.Unmarshal(v, &sp); err != nil {
				return err
			}
			spaces = append(spaces, &sp)
			return nil
		})
	})
	return spaces, err
}

func (s *BoltStore) UpdateSpace(spaceID string, fn func(sp *SpaceRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSpaces)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSpaces)
		}
		data := b.Get([]byte(spaceID))
		if data == nil {
			return fmt.Errorf("space %s: %w", spaceID, ErrNotFound)
		}
		var sp SpaceRecord
		if err := json.Unmarshal(data, &sp); err != nil {
			return err
		}
		if err := fn(&sp); err != nil {
			return err
		}
		out, err := json.Marshal(&sp)
		if err != nil {
			return err
		}
		return b.Put([]byte(spaceID), out)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
