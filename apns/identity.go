package apns

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/pkcs12"
)

var ErrNoMatchingKey = errors.New("no private key matches certificate")

// IdentityStore finds the private key that belongs to a client certificate.
type IdentityStore interface {
	PrivateKey(cert *x509.Certificate) (crypto.PrivateKey, error)
}

// MemoryStore keeps keys in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	keys []crypto.Signer
}

func NewMemoryStore(keys ...crypto.Signer) *MemoryStore {
	return &MemoryStore{keys: keys}
}

func (m *MemoryStore) Add(key crypto.Signer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
}

func (m *MemoryStore) PrivateKey(cert *x509.Certificate) (crypto.PrivateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range m.keys {
		if keyMatches(cert, key) {
			return key, nil
		}
	}
	return nil, ErrNoMatchingKey
}

// KeyDirStore scans a directory of PEM private keys on every lookup.
type KeyDirStore struct {
	Dir string
}

func (s KeyDirStore) PrivateKey(cert *x509.Certificate) (crypto.PrivateKey, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read key directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, entry.Name()))
		if err != nil {
			continue
		}
		for _, key := range parsePrivateKeys(data) {
			if keyMatches(cert, key) {
				return key, nil
			}
		}
	}
	return nil, ErrNoMatchingKey
}

// PKCS12Store reads the key from a .p12 bundle as exported by Keychain Access.
type PKCS12Store struct {
	Path     string
	Password string
}

func (s PKCS12Store) PrivateKey(cert *x509.Certificate) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read pkcs12 bundle: %w", err)
	}
	key, _, err := pkcs12.Decode(data, s.Password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12 bundle: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok || !keyMatches(cert, signer) {
		return nil, ErrNoMatchingKey
	}
	return signer, nil
}

// Stores searches each store in order and returns the first match.
type Stores []IdentityStore

func (s Stores) PrivateKey(cert *x509.Certificate) (crypto.PrivateKey, error) {
	var errs []error
	for _, store := range s {
		key, err := store.PrivateKey(cert)
		if err == nil {
			return key, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoMatchingKey
	}
	return nil, errors.Join(errs...)
}

func keyMatches(cert *x509.Certificate, key crypto.Signer) bool {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(cert.PublicKey)
}

func parsePrivateKeys(data []byte) []crypto.Signer {
	var keys []crypto.Signer
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return keys
		}
		if key := parsePrivateKey(block); key != nil {
			keys = append(keys, key)
		}
	}
}

func parsePrivateKey(block *pem.Block) crypto.Signer {
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil
		}
		signer, _ := key.(crypto.Signer)
		return signer
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil
		}
		return key
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil
		}
		return key
	}
	return nil
}
