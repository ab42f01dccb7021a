package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

const (
	keyringService = "penf-transcripts"
	keyringUser    = "encryption-key"
	// keyLength is the AES-256 key size.
	keyLength = 32
	saltFile  = "credentials.salt"
)

// Environment variables consulted by GetDefaultKeyProvider.
const (
	EnvEncryptionKey = "PENF_ENCRYPTION_KEY"
	EnvPassphrase    = "PENF_PASSPHRASE"
)

// Argon2id parameters for passphrase-based key derivation.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
)

// ErrKeyringUnavailable indicates the system keyring is not available.
var ErrKeyringUnavailable = errors.New("system keyring unavailable")

// KeyProvider supplies the credential encryption key.
type KeyProvider interface {
	// GetKey returns the 32-byte key, creating one if none exists.
	GetKey() ([]byte, error)
	// Description names the key storage mechanism.
	Description() string
}

// KeyringKeyProvider keeps a random key in the system keyring.
type KeyringKeyProvider struct {
	mu sync.Mutex
}

// NewKeyringKeyProvider creates a KeyringKeyProvider.
func NewKeyringKeyProvider() *KeyringKeyProvider {
	return &KeyringKeyProvider{}
}

// GetKey reads the key from the keyring, generating and storing a new one
// when none exists or the stored value is unusable.
func (p *KeyringKeyProvider) GetKey() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keyHex, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		if key, decErr := hex.DecodeString(keyHex); decErr == nil && len(key) == keyLength {
			return key, nil
		}
	} else if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}

	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	if err := keyring.Set(keyringService, keyringUser, hex.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("%w: storing key: %v", ErrKeyringUnavailable, err)
	}
	return key, nil
}

// Description returns the platform keyring name.
func (p *KeyringKeyProvider) Description() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "System Keyring (Secret Service)"
	}
}

// PassphraseKeyProvider derives the key from a passphrase with Argon2id.
type PassphraseKeyProvider struct {
	passphrase string
	salt       []byte
}

// NewPassphraseKeyProvider creates a PassphraseKeyProvider. The salt must be
// stored alongside the encrypted credentials.
func NewPassphraseKeyProvider(passphrase string, salt []byte) *PassphraseKeyProvider {
	return &PassphraseKeyProvider{passphrase: passphrase, salt: salt}
}

// GetKey derives the key.
func (p *PassphraseKeyProvider) GetKey() ([]byte, error) {
	if p.passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	if len(p.salt) == 0 {
		return nil, errors.New("salt is required")
	}
	return argon2.IDKey([]byte(p.passphrase), p.salt, argon2Time, argon2Memory, argon2Threads, keyLength), nil
}

// Description describes the derivation.
func (p *PassphraseKeyProvider) Description() string {
	return "Passphrase-derived key (Argon2id)"
}

// GenerateSalt returns a random 16-byte salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// LoadOrCreateSalt reads the salt file in dir, creating it on first use.
func LoadOrCreateSalt(dir string) ([]byte, error) {
	path := filepath.Join(dir, saltFile)
	data, err := os.ReadFile(path)
	if err == nil {
		salt, decErr := hex.DecodeString(string(data))
		if decErr != nil || len(salt) == 0 {
			return nil, fmt.Errorf("invalid salt file %s", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating credentials directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)), 0600); err != nil {
		return nil, fmt.Errorf("writing salt: %w", err)
	}
	return salt, nil
}

// EnvKeyProvider reads a hex-encoded key from an environment variable.
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider creates an EnvKeyProvider for envVar.
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

// GetKey decodes the key from the environment.
func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	keyHex := os.Getenv(p.envVar)
	if keyHex == "" {
		return nil, fmt.Errorf("environment variable %s not set", p.envVar)
	}

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid key in %s: %w", p.envVar, err)
	}
	if len(key) != keyLength {
		return nil, fmt.Errorf("key in %s must be %d bytes, got %d", p.envVar, keyLength, len(key))
	}
	return key, nil
}

// Description names the variable.
func (p *EnvKeyProvider) Description() string {
	return fmt.Sprintf("Environment variable (%s)", p.envVar)
}

// GetDefaultKeyProvider picks a key provider for dir. Priority:
//  1. PENF_ENCRYPTION_KEY
//  2. PENF_PASSPHRASE, with a salt stored in dir
//  3. the system keyring
func GetDefaultKeyProvider(dir string) (KeyProvider, error) {
	if os.Getenv(EnvEncryptionKey) != "" {
		return NewEnvKeyProvider(EnvEncryptionKey), nil
	}

	if passphrase := os.Getenv(EnvPassphrase); passphrase != "" {
		salt, err := LoadOrCreateSalt(dir)
		if err != nil {
			return nil, err
		}
		return NewPassphraseKeyProvider(passphrase, salt), nil
	}

	provider := NewKeyringKeyProvider()
	if _, err := provider.GetKey(); err != nil {
		if errors.Is(err, ErrKeyringUnavailable) {
			return nil, fmt.Errorf("system keyring unavailable; set %s or %s: %w", EnvEncryptionKey, EnvPassphrase, err)
		}
		return nil, err
	}
	return provider, nil
}
