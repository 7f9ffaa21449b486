// Package linkkey implements the link-key store the vendor stack uses to
// remember bonded peers. Keys live in a JSON document persisted through
// the settings holder and are indexed in memory by address.
package linkkey

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/btcore/internal/device"
	"github.com/srg/btcore/internal/settings"
)

// Key is a 128-bit link key.
type Key [16]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// ParseKey decodes a 32-digit hex key.
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return k, fmt.Errorf("invalid link key: %w", err)
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("invalid link key length %d", len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// Type is the HCI link key type.
type Type uint8

const (
	TypeCombination         Type = 0x00
	TypeLocalUnit           Type = 0x01
	TypeRemoteUnit          Type = 0x02
	TypeDebugCombination    Type = 0x03
	TypeUnauthenticatedP192 Type = 0x04
	TypeAuthenticatedP192   Type = 0x05
	TypeChangedCombination  Type = 0x06
	TypeUnauthenticatedP256 Type = 0x07
	TypeAuthenticatedP256   Type = 0x08
	TypeInvalid             Type = 0xFF
)

var (
	ErrNotFound = errors.New("link key not found")
	ErrNotOpen  = errors.New("link key store not open")
)

// record is one entry of the persisted document.
type record struct {
	Address string `json:"bd_addr"`
	LinkKey string `json:"link_key"`
	Type    Type   `json:"type"`
}

type entry struct {
	key Key
	typ Type
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Store is the link-key database handed to the vendor stack.
type Store struct {
	logger *logrus.Logger
	holder settings.Holder
	keys   *hashmap.Map[string, entry]
	open   bool
}

func NewStore(holder settings.Holder, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = noopLogger
	}
	return &Store{
		logger: logger,
		holder: holder,
		keys:   hashmap.New[string, entry](),
	}
}

// Open loads the persisted document. Malformed records are skipped.
func (s *Store) Open() error {
	doc, err := settings.GetString(s.holder, settings.KeyLinkKeys)
	if err != nil {
		return fmt.Errorf("open link key store: %w", err)
	}

	s.keys = hashmap.New[string, entry]()
	s.open = true
	if strings.TrimSpace(doc) == "" {
		return nil
	}

	var records []record
	if err := json.Unmarshal([]byte(doc), &records); err != nil {
		s.logger.WithError(err).Warn("Discarding malformed link key document")
		return nil
	}
	for _, r := range records {
		addr, err := device.ParseAddress(r.Address)
		if err != nil {
			s.logger.WithError(err).Warn("Skipping link key record")
			continue
		}
		key, err := ParseKey(r.LinkKey)
		if err != nil {
			s.logger.WithError(err).WithField("address", addr).Warn("Skipping link key record")
			continue
		}
		s.keys.Set(addr.String(), entry{key: key, typ: r.Type})
	}
	s.logger.WithField("count", s.keys.Len()).Debug("Link key store opened")
	return nil
}

// Close releases the in-memory index. Keys are persisted on every change.
func (s *Store) Close() {
	s.open = false
	s.keys = hashmap.New[string, entry]()
}

// Get returns the key stored for addr.
func (s *Store) Get(addr device.Address) (Key, Type, error) {
	if !s.open {
		return Key{}, TypeInvalid, ErrNotOpen
	}
	e, ok := s.keys.Get(addr.String())
	if !ok {
		return Key{}, TypeInvalid, ErrNotFound
	}
	return e.key, e.typ, nil
}

// Put stores a key for addr. An existing key for the same address is
// deleted first, so one address never has two entries.
func (s *Store) Put(addr device.Address, key Key, typ Type) error {
	if !s.open {
		return ErrNotOpen
	}
	if s.keys.Del(addr.String()) {
		s.logger.WithField("address", addr).Debug("Replacing existing link key")
	}
	s.keys.Set(addr.String(), entry{key: key, typ: typ})
	return s.persist()
}

// Delete removes the key for addr. Deleting an unknown address is not an error.
func (s *Store) Delete(addr device.Address) error {
	if !s.open {
		return ErrNotOpen
	}
	if !s.keys.Del(addr.String()) {
		return nil
	}
	return s.persist()
}

// Len returns the number of stored keys.
func (s *Store) Len() int { return s.keys.Len() }

// Iterator returns the stack's key iterator. Enumeration is not supported:
// the iterator is always exhausted.
func (s *Store) Iterator() Iterator { return Iterator{} }

// Iterator is a link-key iterator that yields nothing.
type Iterator struct{}

func (Iterator) Next() (device.Address, Key, Type, bool) {
	return device.Address{}, Key{}, TypeInvalid, false
}

func (Iterator) Done() {}

func (s *Store) persist() error {
	records := make([]record, 0, s.keys.Len())
	s.keys.Range(func(addr string, e entry) bool {
		records = append(records, record{Address: addr, LinkKey: e.key.String(), Type: e.typ})
		return true
	})
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode link keys: %w", err)
	}
	if err := s.holder.Set(settings.KeyLinkKeys, string(data)); err != nil {
		return fmt.Errorf("persist link keys: %w", err)
	}
	return nil
}
