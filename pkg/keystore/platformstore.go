package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/handreceipt/handreceipt/pkg/herrors"
)

// PlatformStore persists opaque key material to a platform-specific
// secure location (store_platform/retrieve_platform in the custody
// contract).
type PlatformStore interface {
	Store(label string, blob []byte) error
	Retrieve(label string) ([]byte, error)
}

// EnclaveStore is a placeholder for a host-supplied secure-enclave
// integration (e.g. a mobile platform's hardware-backed keystore). A
// real deployment replaces this with a platform-specific implementation
// before shipping; this module never simulates enclave hardware.
type EnclaveStore struct{}

var ErrEnclaveUnavailable = errors.New("keystore: no secure enclave integration configured")

func (EnclaveStore) Store(label string, blob []byte) error    { return ErrEnclaveUnavailable }
func (EnclaveStore) Retrieve(label string) ([]byte, error)    { return nil, ErrEnclaveUnavailable }

// FileStore is the software fallback PlatformStore: it AES-GCM encrypts
// the blob under a key derived from a bootstrap passphrase via
// DeriveKey, and writes it atomically (write-temp, os.Rename) to
// dataDir/<label>.key.
type FileStore struct {
	dataDir    string
	passphrase []byte
	iterations int
}

// NewFileStore creates a FileStore rooted at dataDir, encrypting under
// keys derived from passphrase with the configured PBKDF2 iteration
// count.
func NewFileStore(dataDir string, passphrase []byte, iterations int) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, herrors.Wrap(herrors.KindStorage, "keystore.NewFileStore", "mkdir %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir, passphrase: passphrase, iterations: iterations}, nil
}

func (f *FileStore) path(label string) string {
	return filepath.Join(f.dataDir, label+".key")
}

// Store encrypts and atomically writes blob under label.
func (f *FileStore) Store(label string, blob []byte) error {
	salt := make([]byte, kdfSaltMinBytes*2)
	if _, err := rand.Read(salt); err != nil {
		return herrors.New(herrors.KindCrypto, "keystore.FileStore.Store", err)
	}

	key, err := DeriveKey(f.passphrase, salt, f.iterations)
	if err != nil {
		return herrors.New(herrors.KindCrypto, "keystore.FileStore.Store", err)
	}

	ciphertext, err := Encrypt(key, blob)
	if err != nil {
		return err
	}

	// On-disk layout: salt || ciphertext (ciphertext already carries its
	// own nonce prefix from Encrypt).
	out := append(append([]byte(nil), salt...), ciphertext...)

	tmp := f.path(label) + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return herrors.Wrap(herrors.KindStorage, "keystore.FileStore.Store", "write: %w", err)
	}
	if err := os.Rename(tmp, f.path(label)); err != nil {
		return herrors.Wrap(herrors.KindStorage, "keystore.FileStore.Store", "rename: %w", err)
	}
	return nil
}

// Retrieve reads and decrypts the blob stored under label.
func (f *FileStore) Retrieve(label string) ([]byte, error) {
	data, err := os.ReadFile(f.path(label))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, herrors.New(herrors.KindNotFound, "keystore.FileStore.Retrieve", fmt.Errorf("no key stored under %q", label))
		}
		return nil, herrors.Wrap(herrors.KindStorage, "keystore.FileStore.Retrieve", "read: %w", err)
	}

	saltLen := kdfSaltMinBytes * 2
	if len(data) < saltLen {
		return nil, herrors.New(herrors.KindCrypto, "keystore.FileStore.Retrieve", errors.New("stored blob too short"))
	}
	salt, ciphertext := data[:saltLen], data[saltLen:]

	key, err := DeriveKey(f.passphrase, salt, f.iterations)
	if err != nil {
		return nil, herrors.New(herrors.KindCrypto, "keystore.FileStore.Retrieve", err)
	}

	return Decrypt(key, ciphertext)
}
