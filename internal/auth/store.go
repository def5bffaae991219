package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/javimosch/superqueues/internal/config"
	pebblestore "github.com/javimosch/superqueues/internal/storage/pebble"
	"github.com/javimosch/superqueues/pkg/log"
)

var keyPrefix = []byte("apikey/")

func credentialKey(hash string) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(hash))
	k = append(k, keyPrefix...)
	k = append(k, hash...)
	return k
}

// Store persists credentials in pebble, keyed by key hash.
type Store struct {
	db     *pebblestore.DB
	logger log.Logger
}

// NewStore creates a credential store over the given database.
func NewStore(db *pebblestore.DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Store{db: db, logger: logger.With(log.Component("auth"))}
}

// Put writes a credential record.
func (s *Store) Put(c Credential) error {
	if c.KeyHash == "" {
		return fmt.Errorf("credential key hash required")
	}
	if c.Name == "" {
		return fmt.Errorf("credential name required")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Set(credentialKey(c.KeyHash), b)
}

// FindByHash looks up an enabled credential by key hash. Disabled and
// unknown keys are both reported as not found.
func (s *Store) FindByHash(hash string) (Credential, bool, error) {
	b, err := s.db.Get(credentialKey(hash))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, err
	}
	var c Credential
	if err := json.Unmarshal(b, &c); err != nil {
		return Credential{}, false, err
	}
	if !c.Enabled {
		return Credential{}, false, nil
	}
	return c, true, nil
}

// Touch records key usage. Failures are logged, never surfaced, so a
// bookkeeping write cannot fail a request.
func (s *Store) Touch(hash string, nowMs int64) {
	b, err := s.db.Get(credentialKey(hash))
	if err != nil {
		return
	}
	var c Credential
	if err := json.Unmarshal(b, &c); err != nil {
		return
	}
	c.LastUsedAtMs = nowMs
	out, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.db.Set(credentialKey(hash), out); err != nil {
		s.logger.Warn("touch credential", log.Str("name", c.Name), log.Err(err))
	}
}

// Bootstrap seeds credentials from configuration. Existing records for
// the same key are overwritten so config stays authoritative for seeded
// keys.
func (s *Store) Bootstrap(keys []config.BootstrapKey) error {
	now := time.Now().UnixMilli()
	for _, k := range keys {
		if k.Key == "" || k.Name == "" {
			return fmt.Errorf("bootstrap key %q: key and name required", k.Name)
		}
		scopes := make([]Scope, 0, len(k.Scopes))
		for _, sc := range k.Scopes {
			switch Scope(sc) {
			case ScopePublish, ScopeConsume, ScopeAdmin:
				scopes = append(scopes, Scope(sc))
			default:
				return fmt.Errorf("bootstrap key %q: unknown scope %q", k.Name, sc)
			}
		}
		allowed := k.AllowedQueues
		if len(allowed) == 0 {
			allowed = []string{"*"}
		}
		cred := Credential{
			KeyHash:       HashKey(k.Key),
			Name:          k.Name,
			Scopes:        scopes,
			AllowedQueues: allowed,
			Enabled:       true,
			CreatedAtMs:   now,
		}
		if err := s.Put(cred); err != nil {
			return fmt.Errorf("bootstrap key %q: %w", k.Name, err)
		}
		s.logger.Info("bootstrapped api key", log.Str("name", k.Name))
	}
	return nil
}
