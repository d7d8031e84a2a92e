// Package keystore defines the key-store interface the pipeline core
// consumes, plus the null:// and ram:// implementations sufficient to
// exercise it. The mmap-backed flat-file store is an external
// collaborator and lives outside the core.
package keystore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ait-qkd/sifting-bb84/internal/keyrecord"
)

// ErrRejected is returned by the null store for every operation.
var ErrRejected = errors.New("keystore: operation rejected")

// ErrNotFound is returned when a key id is not in the store.
var ErrNotFound = errors.New("keystore: key not found")

// ErrFull is returned when a bounded store cannot take another key.
var ErrFull = errors.New("keystore: store full")

// Store is the key database interface the core consumes.
type Store interface {
	Put(key *keyrecord.Key) error
	Get(id uint64) (*keyrecord.Key, error)
	Del(id uint64) error
	Count() int
	Close() error
}

// NewFromURL parses a key-store URL and returns the corresponding
// store.
//
// Recognized forms:
//
//	"null://"          rejects all operations (identity store)
//	"ram://"           unbounded volatile store
//	"ram://<size>"     volatile store bounded to <size> keys
func NewFromURL(url string) (Store, error) {
	switch {
	case url == "null://":
		return nullStore{}, nil
	case strings.HasPrefix(url, "ram://"):
		sizeStr := strings.TrimPrefix(url, "ram://")
		if sizeStr == "" {
			return newRAMStore(0), nil
		}
		size, err := strconv.Atoi(sizeStr)
		if err != nil || size < 1 {
			return nil, fmt.Errorf("keystore: malformed ram store size %q", sizeStr)
		}
		return newRAMStore(size), nil
	default:
		return nil, fmt.Errorf("keystore: unrecognized store url %q", url)
	}
}

// nullStore rejects everything; useful as the identity element of a
// store chain and for pipelines that never persist.
type nullStore struct{}

func (nullStore) Put(*keyrecord.Key) error           { return ErrRejected }
func (nullStore) Get(uint64) (*keyrecord.Key, error) { return nil, ErrRejected }
func (nullStore) Del(uint64) error                   { return ErrRejected }
func (nullStore) Count() int                         { return 0 }
func (nullStore) Close() error                       { return nil }

// ramStore keeps keys in memory, optionally bounded.
type ramStore struct {
	mu   sync.Mutex
	keys map[uint64]*keyrecord.Key
	max  int // 0 = unbounded
}

func newRAMStore(max int) *ramStore {
	return &ramStore{keys: make(map[uint64]*keyrecord.Key), max: max}
}

func (s *ramStore) Put(key *keyrecord.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.ID()]; !exists && s.max > 0 && len(s.keys) >= s.max {
		return ErrFull
	}
	s.keys[key.ID()] = key.Clone()
	return nil
}

func (s *ramStore) Get(id uint64) (*keyrecord.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return key.Clone(), nil
}

func (s *ramStore) Del(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *ramStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *ramStore) Close() error { return nil }
