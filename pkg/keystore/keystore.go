// Package keystore implements HandReceipt's crypto custody (C1): key
// generation, signing, verification, symmetric encryption of stored
// secrets, and key lifecycle (rotation, revocation). Ed25519 keys are
// held as cometbft/crypto/ed25519 values rather than raw
// crypto/ed25519 byte slices, matching this module's cometbft-based key
// material elsewhere (pkg/mesh's peer identities and dedup store).
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"sync"
	"time"

	cmted25519 "github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/handreceipt/handreceipt/pkg/herrors"
)

// Classification orders data sensitivity for mesh/transfer gating.
type Classification int

const (
	Unclassified Classification = iota
	Sensitive
	Classified
)

// LessOrEqual reports whether c is no more sensitive than other.
func (c Classification) LessOrEqual(other Classification) bool { return c <= other }

// KeyStatus tracks a signing key's lifecycle.
type KeyStatus string

const (
	KeyActive     KeyStatus = "active"
	KeyRotated    KeyStatus = "rotated"
	KeyRevoked    KeyStatus = "revoked"
	KeyCompromised KeyStatus = "compromised"
)

// SigningKey wraps an Ed25519 key pair with the metadata the key
// rotation/revocation lifecycle needs.
type SigningKey struct {
	ID             uuid.UUID
	priv           cmted25519.PrivKey
	pub            cmted25519.PubKey
	Status         KeyStatus
	Classification Classification
	CreatedAt      time.Time
	RotatedAt      *time.Time
}

// PublicKeyBytes returns the raw 32-byte Ed25519 public key.
func (k *SigningKey) PublicKeyBytes() []byte { return k.pub.Bytes() }

// Sign signs msg with this key's private component. Returns
// herrors.KindUnauthorized if the key is no longer active.
func (k *SigningKey) Sign(msg []byte) ([]byte, error) {
	if k.Status != KeyActive {
		return nil, herrors.New(herrors.KindUnauthorized, "keystore.Sign", fmt.Errorf("key %s is %s", k.ID, k.Status))
	}
	sig, err := k.priv.Sign(msg)
	if err != nil {
		return nil, herrors.New(herrors.KindCrypto, "keystore.Sign", err)
	}
	return sig, nil
}

// Verify checks a signature against this key's public component
// regardless of lifecycle status -- historical signatures made before a
// rotation or revocation must still verify.
func (k *SigningKey) Verify(msg, sig []byte) bool {
	return k.pub.VerifySignature(msg, sig)
}

// KeyStore manages the active signing key for this node plus a history
// of retired keys, under a single mutex (key material never changes
// often enough to need finer-grained locking).
type KeyStore struct {
	mu       sync.RWMutex
	current  *SigningKey
	previous []*SigningKey
}

// New generates a fresh active signing key.
func New(classification Classification) *KeyStore {
	priv := cmted25519.GenPrivKey()
	key := &SigningKey{
		ID:             uuid.New(),
		priv:           priv,
		pub:            priv.PubKey().(cmted25519.PubKey),
		Status:         KeyActive,
		Classification: classification,
		CreatedAt:      time.Now(),
	}
	return &KeyStore{current: key}
}

// LoadOrGenerate retrieves a previously persisted signing key from store
// under label, or generates and persists a fresh one if none exists yet.
// This is the node-startup path over whichever PlatformStore the
// deployment configured.
func LoadOrGenerate(store PlatformStore, label string, classification Classification) (*KeyStore, error) {
	blob, err := store.Retrieve(label)
	if err == nil {
		if len(blob) != cmted25519.PrivKeySize {
			return nil, herrors.New(herrors.KindCrypto, "keystore.LoadOrGenerate", fmt.Errorf("stored key under %q has unexpected length %d", label, len(blob)))
		}
		priv := cmted25519.PrivKey(blob)
		key := &SigningKey{
			ID:             uuid.New(),
			priv:           priv,
			pub:            priv.PubKey().(cmted25519.PubKey),
			Status:         KeyActive,
			Classification: classification,
			CreatedAt:      time.Now(),
		}
		return &KeyStore{current: key}, nil
	}
	if herrors.KindOf(err) != herrors.KindNotFound {
		return nil, err
	}

	ks := New(classification)
	if err := store.Store(label, []byte(ks.current.priv)); err != nil {
		return nil, err
	}
	return ks, nil
}

// Current returns the active signing key.
func (ks *KeyStore) Current() *SigningKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.current
}

// VerifyWithHistory checks sig against the active key first, then any
// retired (rotated, not revoked/compromised) keys -- letting a
// signature made before a rotation continue to verify.
func (ks *KeyStore) VerifyWithHistory(msg, sig []byte) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.current.Verify(msg, sig) {
		return true
	}
	for _, k := range ks.previous {
		if k.Status == KeyRevoked || k.Status == KeyCompromised {
			continue
		}
		if k.Verify(msg, sig) {
			return true
		}
	}
	return false
}

// Rotate retires the current key (marking it Rotated) and generates a
// new active key with the same classification.
func (ks *KeyStore) Rotate() *SigningKey {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := time.Now()
	ks.current.Status = KeyRotated
	ks.current.RotatedAt = &now
	ks.previous = append(ks.previous, ks.current)

	priv := cmted25519.GenPrivKey()
	newKey := &SigningKey{
		ID:             uuid.New(),
		priv:           priv,
		pub:            priv.PubKey().(cmted25519.PubKey),
		Status:         KeyActive,
		Classification: ks.current.Classification,
		CreatedAt:      now,
	}
	ks.current = newKey
	return newKey
}

// MarkCompromised flags keyID as compromised across current and
// previous keys and, if it was the active key, rotates immediately.
func (ks *KeyStore) MarkCompromised(keyID uuid.UUID) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.current.ID == keyID {
		ks.current.Status = KeyCompromised
		ks.previous = append(ks.previous, ks.current)

		priv := cmted25519.GenPrivKey()
		ks.current = &SigningKey{
			ID:             uuid.New(),
			priv:           priv,
			pub:            priv.PubKey().(cmted25519.PubKey),
			Status:         KeyActive,
			Classification: ks.current.Classification,
			CreatedAt:      time.Now(),
		}
		return nil
	}

	for _, k := range ks.previous {
		if k.ID == keyID {
			k.Status = KeyCompromised
			return nil
		}
	}
	return herrors.New(herrors.KindNotFound, "keystore.MarkCompromised", fmt.Errorf("key %s not found", keyID))
}

// Revoke marks a retired key as no longer trusted for verification.
func (ks *KeyStore) Revoke(keyID uuid.UUID) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for _, k := range ks.previous {
		if k.ID == keyID {
			k.Status = KeyRevoked
			return nil
		}
	}
	return herrors.New(herrors.KindNotFound, "keystore.Revoke", fmt.Errorf("key %s not found", keyID))
}

// --- Symmetric encryption (AES-256-GCM) for stored secrets ---

const (
	kdfSaltMinBytes  = 16
	kdfMinIterations = 100000
	nonceSize        = 12 // 96 bits
	aesKeySize       = 32 // AES-256
)

var (
	ErrSaltTooShort       = errors.New("keystore: KDF salt must be at least 16 bytes")
	ErrIterationsTooLow   = errors.New("keystore: KDF iterations must be at least 100000")
	ErrCiphertextTooShort = errors.New("keystore: ciphertext shorter than nonce")
)

// DeriveKey runs PBKDF2-HMAC-SHA-512 over passphrase to produce a
// 32-byte AES-256 key.
func DeriveKey(passphrase, salt []byte, iterations int) ([]byte, error) {
	if len(salt) < kdfSaltMinBytes {
		return nil, ErrSaltTooShort
	}
	if iterations < kdfMinIterations {
		return nil, ErrIterationsTooLow
	}
	return pbkdf2.Key(passphrase, salt, iterations, aesKeySize, sha512.New), nil
}

// Encrypt seals plaintext under key with AES-256-GCM, prepending a
// freshly generated 96-bit nonce to the ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, herrors.New(herrors.KindCrypto, "keystore.Encrypt", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, herrors.New(herrors.KindCrypto, "keystore.Encrypt", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, herrors.New(herrors.KindCrypto, "keystore.Encrypt", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ciphertext...), nil
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(key, blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, herrors.New(herrors.KindCrypto, "keystore.Decrypt", ErrCiphertextTooShort)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, herrors.New(herrors.KindCrypto, "keystore.Decrypt", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, herrors.New(herrors.KindCrypto, "keystore.Decrypt", err)
	}

	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, herrors.New(herrors.KindCrypto, "keystore.Decrypt", fmt.Errorf("authentication failed: %w", err))
	}
	return plaintext, nil
}
