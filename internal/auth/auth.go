package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/xtrntr/auction/internal/db"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// ErrEmptyKey is returned when registering an empty credential
var ErrEmptyKey = errors.New("key cannot be empty")

// KeyStore persists credential digests
type KeyStore interface {
	InsertKey(ctx context.Context, digest string) error
	GetKeyID(ctx context.Context, digest string) (int64, error)
}

// KeyService maps API keys to stable numeric identities. Keys are only
// ever stored as digests.
type KeyService struct {
	store  KeyStore
	pepper []byte
	logger *zap.Logger
}

// NewKeyService creates a key service. With a non-empty pepper digests
// are keyed BLAKE2b MACs, otherwise plain BLAKE2b-256.
func NewKeyService(store KeyStore, pepper string, logger *zap.Logger) *KeyService {
	return &KeyService{store: store, pepper: []byte(pepper), logger: logger.Named("auth")}
}

// Digest returns the hex digest under which key is stored
func (s *KeyService) Digest(key string) (string, error) {
	h, err := blake2b.New256(s.pepper)
	if err != nil {
		return "", fmt.Errorf("failed to create digest: %w", err)
	}
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Register stores key. Registering a known key does nothing.
func (s *KeyService) Register(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	digest, err := s.Digest(key)
	if err != nil {
		return err
	}
	if err := s.store.InsertKey(ctx, digest); err != nil {
		return fmt.Errorf("failed to register key: %w", err)
	}

	s.logger.Info("Written key")
	return nil
}

// Resolve returns the identity of key. ok is false when the key was never
// registered.
func (s *KeyService) Resolve(ctx context.Context, key string) (keyID int64, ok bool, err error) {
	if key == "" {
		return 0, false, nil
	}

	digest, err := s.Digest(key)
	if err != nil {
		return 0, false, err
	}

	keyID, err = s.store.GetKeyID(ctx, digest)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to resolve key: %w", err)
	}
	return keyID, true, nil
}
