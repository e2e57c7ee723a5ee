package keystore

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/studyhawk/ingest/internal/storage"
	"github.com/telhawk-systems/studyhawk/ingest/pkg/devicecrypt"
)

// Provisioner creates device keys. Registration itself happens elsewhere;
// this is what operators and tests use to put a key in place.
type Provisioner struct {
	blobs storage.BlobStore
	store *Store
}

// NewProvisioner returns a Provisioner. store may be nil; when set, its cached
// key for a re-provisioned participant is dropped.
func NewProvisioner(blobs storage.BlobStore, store *Store) *Provisioner {
	return &Provisioner{blobs: blobs, store: store}
}

// Provision writes a new private key for the participant and returns the
// base64 public key the device encrypts with.
func (p *Provisioner) Provision(ctx context.Context, participantID, studyID string) (string, error) {
	key, err := devicecrypt.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	pub, err := devicecrypt.PublicKeyBase64(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}

	if err := p.blobs.Put(ctx, PrivateKeyPath(studyID, participantID), devicecrypt.MarshalPrivateKeyPEM(key)); err != nil {
		return "", fmt.Errorf("store private key: %w", err)
	}
	if err := p.blobs.Put(ctx, PublicKeyPath(studyID, participantID), []byte(pub)); err != nil {
		return "", fmt.Errorf("store public key: %w", err)
	}

	if p.store != nil {
		p.store.Invalidate(participantID, studyID)
	}
	return pub, nil
}

// PublicKey returns the stored base64 public key for a participant.
func (p *Provisioner) PublicKey(ctx context.Context, participantID, studyID string) (string, error) {
	data, err := p.blobs.Get(ctx, PublicKeyPath(studyID, participantID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
