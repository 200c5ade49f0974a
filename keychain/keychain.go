// Package keychain implements the post-authentication token store,
// write-through to a bbolt file so a server restart does
// not force every known client through a full challenge again.
package keychain

import (
	"crypto/subtle"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/distantsys/distant/protocol"
)

var bucketName = []byte("keychain")

// Keychain maps a ConnectionId to the random token issued at the end
// of a successful authentication. Reads dominate, guarded by a plain
// RWMutex over the in-memory map; the bbolt handle is only touched on
// Put/Remove.
type Keychain struct {
	mu     sync.RWMutex
	tokens map[protocol.ConnectionId][]byte

	db *bbolt.DB // nil for a purely in-memory keychain (e.g. tests)
}

// New returns an empty, purely in-memory Keychain.
func New() *Keychain {
	return &Keychain{tokens: make(map[protocol.ConnectionId][]byte)}
}

// Open loads (or creates) a bbolt-backed Keychain at path, restoring
// any tokens persisted by a previous run.
func Open(path string) (*Keychain, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	kc := &Keychain{tokens: make(map[protocol.ConnectionId][]byte), db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var id protocol.ConnectionId
			if len(k) == 8 {
				id = protocol.ConnectionId(beUint64(k))
			}
			tok := append([]byte(nil), v...)
			kc.tokens[id] = tok
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return kc, nil
}

// Put stores token under connID, persisting it if the keychain is
// bbolt-backed.
func (k *Keychain) Put(connID protocol.ConnectionId, token []byte) error {
	k.mu.Lock()
	k.tokens[connID] = append([]byte(nil), token...)
	k.mu.Unlock()

	if k.db == nil {
		return nil
	}
	return k.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(beBytes(uint64(connID)), token)
	})
}

// Get returns the token stored for connID, if any.
func (k *Keychain) Get(connID protocol.ConnectionId) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	tok, ok := k.tokens[connID]
	return tok, ok
}

// Remove deletes connID's token, e.g. when its connection closes.
func (k *Keychain) Remove(connID protocol.ConnectionId) error {
	k.mu.Lock()
	delete(k.tokens, connID)
	k.mu.Unlock()

	if k.db == nil {
		return nil
	}
	return k.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Delete(beBytes(uint64(connID)))
	})
}

// ContainsToken reports whether any stored token matches the given
// candidate in constant time, used by the "reauthentication" method,
// which has no ConnectionId to key on until after it succeeds (a
// reconnect gets a fresh ConnectionId).
func (k *Keychain) ContainsToken(candidate []byte) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, tok := range k.tokens {
		if len(tok) == len(candidate) && subtle.ConstantTimeCompare(tok, candidate) == 1 {
			return true
		}
	}
	return false
}

// Close closes the backing bbolt database, if any.
func (k *Keychain) Close() error {
	if k.db == nil {
		return nil
	}
	return k.db.Close()
}

func beBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
