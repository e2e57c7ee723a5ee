// Package keystore resolves a participant's private decryption key.
package keystore

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/telhawk-systems/studyhawk/ingest/internal/models"
	"github.com/telhawk-systems/studyhawk/ingest/internal/storage"
	"github.com/telhawk-systems/studyhawk/ingest/pkg/devicecrypt"
)

// ErrKeyNotFound means no key was provisioned for the participant.
var ErrKeyNotFound = errors.New("device key not found")

// KeySource loads a key from its system of record.
type KeySource interface {
	LoadPrivateKey(ctx context.Context, participantID, studyID string) (*rsa.PrivateKey, error)
}

// PrivateKeyPath is where a participant's private key lives in the blob store.
func PrivateKeyPath(studyID, participantID string) string {
	return studyID + "/keys/" + participantID + "_private"
}

// PublicKeyPath holds the base64 public key handed to the device.
func PublicKeyPath(studyID, participantID string) string {
	return studyID + "/keys/" + participantID + "_public"
}

// BlobKeySource reads PEM private keys from a blob store.
type BlobKeySource struct {
	blobs storage.BlobStore
}

func NewBlobKeySource(blobs storage.BlobStore) *BlobKeySource {
	return &BlobKeySource{blobs: blobs}
}

// LoadPrivateKey returns ErrKeyNotFound for a missing object and an error
// wrapping devicecrypt.ErrKeyMaterial for one that does not parse.
func (s *BlobKeySource) LoadPrivateKey(ctx context.Context, participantID, studyID string) (*rsa.PrivateKey, error) {
	data, err := s.blobs.Get(ctx, PrivateKeyPath(studyID, participantID))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, fmt.Errorf("participant %s in study %s: %w", participantID, studyID, ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load key for %s: %w", participantID, err)
	}
	key, err := devicecrypt.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("key for %s: %w", participantID, err)
	}
	return key, nil
}

type cacheKey struct {
	participantID string
	studyID       string
}

// Store is a read-through cache in front of a KeySource. Entries are keyed by
// both participant and study, never expire and are only replaced through
// Invalidate. Failed loads are not cached.
type Store struct {
	source KeySource

	mu   sync.RWMutex
	keys map[cacheKey]*rsa.PrivateKey
}

func NewStore(source KeySource) *Store {
	return &Store{source: source, keys: make(map[cacheKey]*rsa.PrivateKey)}
}

func (s *Store) GetPrivateKey(ctx context.Context, participantID, studyID string) (models.DeviceKeyMaterial, error) {
	k := cacheKey{participantID: participantID, studyID: studyID}

	s.mu.RLock()
	key, ok := s.keys[k]
	s.mu.RUnlock()

	if !ok {
		var err error
		key, err = s.source.LoadPrivateKey(ctx, participantID, studyID)
		if err != nil {
			return models.DeviceKeyMaterial{}, err
		}
		s.mu.Lock()
		s.keys[k] = key
		s.mu.Unlock()
	}

	return models.DeviceKeyMaterial{ParticipantID: participantID, StudyID: studyID, PrivateKey: key}, nil
}

// Invalidate drops a cached key, e.g. after re-provisioning.
func (s *Store) Invalidate(participantID, studyID string) {
	s.mu.Lock()
	delete(s.keys, cacheKey{participantID: participantID, studyID: studyID})
	s.mu.Unlock()
}

// Len is the number of cached keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
