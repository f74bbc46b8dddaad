// Package localstore keeps the terminal client's state between runs: the
// bearer credential, chat settings and the last open conversation.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pebble "github.com/cockroachdb/pebble"
	"github.com/liliang-cn/medichat/internal/domain"
)

const (
	keyToken            = "auth_token"
	keyLastConversation = "last_conversation_id"
)

// Store is a small key-value store on disk
type Store struct {
	db *pebble.DB
}

// Open opens or creates the store at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the store; closing twice is a no-op
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) get(key string) ([]byte, bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) set(key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.Sync)
}

func (s *Store) delete(key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

// Token returns the stored bearer credential, or "" when there is none
func (s *Store) Token() (string, error) {
	v, _, err := s.get(keyToken)
	return string(v), err
}

// SetToken stores the bearer credential
func (s *Store) SetToken(token string) error {
	return s.set(keyToken, []byte(token))
}

// ClearToken removes the bearer credential
func (s *Store) ClearToken() error {
	return s.delete(keyToken)
}

// LoadSettings returns the stored settings clamped into range. Missing
// settings, or missing fields, take their default values; an undecodable
// record yields the defaults together with the decode error.
func (s *Store) LoadSettings() (domain.Settings, error) {
	settings := domain.DefaultSettings()

	v, ok, err := s.get(domain.SettingsKey)
	if err != nil || !ok {
		return settings, err
	}
	if err := json.Unmarshal(v, &settings); err != nil {
		return domain.DefaultSettings(), fmt.Errorf("failed to decode %s: %w", domain.SettingsKey, err)
	}
	return settings.Clamp(), nil
}

// SaveSettings clamps and stores settings as a flat JSON object
func (s *Store) SaveSettings(settings domain.Settings) (domain.Settings, error) {
	settings = settings.Clamp()
	data, err := json.Marshal(settings)
	if err != nil {
		return settings, err
	}
	return settings, s.set(domain.SettingsKey, data)
}

// LastConversation returns the conversation the client had open last
func (s *Store) LastConversation() (string, error) {
	v, _, err := s.get(keyLastConversation)
	return string(v), err
}

// SetLastConversation records the open conversation; "" forgets it
func (s *Store) SetLastConversation(id string) error {
	if id == "" {
		return s.delete(keyLastConversation)
	}
	return s.set(keyLastConversation, []byte(id))
}
