// Package credentials caches activation credentials outside the installation
// root so repair can re-verify a device without prompting or spending a
// token, even after the root itself was damaged. The cache is encrypted at
// rest using AES-256-GCM with a key derived from the machine ID using
// Argon2id.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (RFC 9106 recommendations)
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256

	saltLen  = 32
	nonceLen = 12 // GCM standard nonce size

	credentialsFile = "activation.enc"
	saltFile        = "salt"

	// DefaultDataDir is the cache location outside the installation root.
	DefaultDataDir = "/var/lib/camdeploy"
)

// Credentials holds the activated device identity.
type Credentials struct {
	DeviceKey   string    `json:"device_key"`
	TokenCode   string    `json:"token_code"`
	Authority   string    `json:"authority"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Store manages the encrypted activation cache.
type Store struct {
	dataDir string

	// machineIDPaths is overridable in tests.
	machineIDPaths []string
}

// NewStore creates a credential store rooted at dataDir.
func NewStore(dataDir string) *Store {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	return &Store{
		dataDir:        dataDir,
		machineIDPaths: []string{"/etc/machine-id", "/var/lib/dbus/machine-id"},
	}
}

// Exists reports whether cached credentials are present.
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dataDir, credentialsFile))
	return err == nil
}

// Save encrypts and writes the credentials.
func (s *Store) Save(creds *Credentials) error {
	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return fmt.Errorf("load/create salt: %w", err)
	}

	key, err := s.deriveKey(salt)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	ciphertext, err := encrypt(key, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}

	credPath := filepath.Join(s.dataDir, credentialsFile)
	if err := os.WriteFile(credPath, ciphertext, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	return nil
}

// Load decrypts and returns the cached credentials.
func (s *Store) Load() (*Credentials, error) {
	salt, err := os.ReadFile(filepath.Join(s.dataDir, saltFile))
	if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	key, err := s.deriveKey(salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	ciphertext, err := os.ReadFile(filepath.Join(s.dataDir, credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	plaintext, err := decrypt(key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}

	return &creds, nil
}

// Delete removes the cached credentials and salt.
func (s *Store) Delete() error {
	os.Remove(filepath.Join(s.dataDir, credentialsFile))
	os.Remove(filepath.Join(s.dataDir, saltFile))
	return nil
}

// DataDir returns the cache directory path.
func (s *Store) DataDir() string {
	return s.dataDir
}

// loadOrCreateSalt loads the existing salt or creates a new one.
func (s *Store) loadOrCreateSalt() ([]byte, error) {
	saltPath := filepath.Join(s.dataDir, saltFile)

	salt, err := os.ReadFile(saltPath)
	if err == nil && len(salt) == saltLen {
		return salt, nil
	}

	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	if err := os.WriteFile(saltPath, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}

	return salt, nil
}

// deriveKey derives the encryption key from the machine ID and salt.
func (s *Store) deriveKey(salt []byte) ([]byte, error) {
	machineID, err := s.machineID()
	if err != nil {
		return nil, fmt.Errorf("get machine ID: %w", err)
	}
	return argon2.IDKey(machineID, salt, argonTime, argonMemory, argonThreads, argonKeyLen), nil
}

// machineID reads the host's machine ID.
func (s *Store) machineID() ([]byte, error) {
	for _, path := range s.machineIDPaths {
		id, err := os.ReadFile(path)
		if err == nil && len(id) > 0 {
			return id, nil
		}
	}
	return nil, errors.New("machine ID not found")
}

// encrypt encrypts plaintext using AES-256-GCM, nonce prepended.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt decrypts AES-256-GCM ciphertext with a prepended nonce.
func decrypt(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceLen {
		return nil, errors.New("ciphertext too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[:nonceLen]
	return gcm.Open(nil, nonce, ciphertext[nonceLen:], nil)
}
