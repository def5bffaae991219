// Package settings is a small pebble-backed key/value store for
// runtime-changeable server settings.
package settings

import (
	"encoding/json"
	"errors"

	pebblestore "github.com/javimosch/superqueues/internal/storage/pebble"
)

var settingPrefix = []byte("setting/")

func settingKey(name string) []byte {
	k := make([]byte, 0, len(settingPrefix)+len(name))
	k = append(k, settingPrefix...)
	k = append(k, name...)
	return k
}

// Store reads and writes named settings as JSON values.
type Store struct {
	db *pebblestore.DB
}

// NewStore creates a settings store over the given database.
func NewStore(db *pebblestore.DB) *Store {
	return &Store{db: db}
}

// Get unmarshals the setting into out. Returns false when the setting
// has never been written, leaving out untouched.
func (s *Store) Get(name string, out any) (bool, error) {
	b, err := s.db.Get(settingKey(name))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, err
	}
	return true, nil
}

// Set writes the setting, replacing any previous value.
func (s *Store) Set(name string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Set(settingKey(name), b)
}
