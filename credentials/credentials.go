// Package credentials stores the secrets the transcript service needs: a
// delegated bearer token for acquisitions on behalf of a signed-in user and
// the application client secret. Secrets are encrypted at rest with AES-GCM
// in $PENF_CONFIG_DIR/credentials.yaml (default ~/.penf).
//
// The encryption key comes from PENF_ENCRYPTION_KEY, a PENF_PASSPHRASE
// (Argon2id), or the system keyring.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential storage constants.
const (
	DefaultCredentialsDir  = ".penf"
	DefaultCredentialsFile = "credentials.yaml"
)

// Environment overrides for stored secrets.
const (
	EnvDelegatedToken = "PENF_GRAPH_TOKEN"
	EnvClientSecret   = "PENF_CLIENT_SECRET"
)

var (
	// ErrNoCredentials is returned when nothing is stored.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrNoDelegatedToken is returned when no delegated token is available.
	ErrNoDelegatedToken = errors.New("no delegated token stored; run 'penf-transcripts auth login'")
	// ErrExpiredToken is returned when the stored delegated token has expired.
	ErrExpiredToken = errors.New("stored delegated token has expired")
	// ErrEncryptionFailed is returned when encryption or decryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// Credentials holds the stored secrets. Token and ClientSecret are
// encrypted on disk.
type Credentials struct {
	Account        string    `yaml:"account,omitempty"`
	DelegatedToken string    `yaml:"delegated_token,omitempty"`
	ExpiresAt      time.Time `yaml:"expires_at,omitempty"`
	ClientSecret   string    `yaml:"client_secret,omitempty"`
	LastUpdated    time.Time `yaml:"last_updated"`
}

// Store reads and writes the credentials file.
type Store struct {
	dir         string
	key         []byte
	keyProvider KeyProvider
	now         func() time.Time
}

// NewStore creates a store in CredentialsDir using the default key provider.
func NewStore() (*Store, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}

	provider, err := GetDefaultKeyProvider(dir)
	if err != nil {
		return nil, fmt.Errorf("initializing key provider: %w", err)
	}
	return NewStoreWithKeyProvider(dir, provider)
}

// NewStoreWithKeyProvider creates a store in dir with an explicit key source.
func NewStoreWithKeyProvider(dir string, provider KeyProvider) (*Store, error) {
	key, err := provider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	return &Store{dir: dir, key: key, keyProvider: provider, now: time.Now}, nil
}

// KeyDescription names where the encryption key lives.
func (s *Store) KeyDescription() string {
	return s.keyProvider.Description()
}

// Path returns the credentials file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, DefaultCredentialsFile)
}

// CredentialsDir returns $PENF_CONFIG_DIR if set, otherwise ~/.penf.
func CredentialsDir() (string, error) {
	if dir := os.Getenv("PENF_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultCredentialsDir), nil
}

// Save encrypts and writes creds.
func (s *Store) Save(creds *Credentials) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	stored := *creds
	stored.LastUpdated = s.now().UTC()

	for _, field := range []*string{&stored.DelegatedToken, &stored.ClientSecret} {
		if *field == "" {
			continue
		}
		encrypted, err := s.encrypt(*field)
		if err != nil {
			return err
		}
		*field = encrypted
	}

	data, err := yaml.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// Load reads and decrypts the stored credentials.
func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}

	for name, field := range map[string]*string{"delegated token": &creds.DelegatedToken, "client secret": &creds.ClientSecret} {
		if *field == "" {
			continue
		}
		decrypted, err := s.decrypt(*field)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", name, err)
		}
		*field = decrypted
	}
	return &creds, nil
}

// Update loads the stored credentials (or starts empty), applies fn and saves.
func (s *Store) Update(fn func(*Credentials)) error {
	creds, err := s.Load()
	if errors.Is(err, ErrNoCredentials) {
		creds = &Credentials{}
	} else if err != nil {
		return err
	}
	fn(creds)
	return s.Save(creds)
}

// Delete removes the credentials file. A missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing credentials file: %w", err)
	}
	return nil
}

// Exists reports whether a credentials file exists.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// DelegatedToken returns PENF_GRAPH_TOKEN if set, otherwise the stored
// token when it has not expired.
func (s *Store) DelegatedToken() (string, error) {
	if token := os.Getenv(EnvDelegatedToken); token != "" {
		return token, nil
	}

	creds, err := s.Load()
	if errors.Is(err, ErrNoCredentials) {
		return "", ErrNoDelegatedToken
	}
	if err != nil {
		return "", err
	}
	if creds.DelegatedToken == "" {
		return "", ErrNoDelegatedToken
	}
	if !creds.ExpiresAt.IsZero() && s.now().After(creds.ExpiresAt) {
		return "", ErrExpiredToken
	}
	return creds.DelegatedToken, nil
}

// ClientSecret returns PENF_CLIENT_SECRET if set, otherwise the stored
// secret. An empty result with a nil error means none is configured.
func (s *Store) ClientSecret() (string, error) {
	if secret := os.Getenv(EnvClientSecret); secret != "" {
		return secret, nil
	}

	creds, err := s.Load()
	if errors.Is(err, ErrNoCredentials) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return creds.ClientSecret, nil
}

func (s *Store) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}
	return gcm, nil
}

func (s *Store) encrypt(plaintext string) (string, error) {
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}

	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrEncryptionFailed, err)
	}
	return string(plaintext), nil
}

// MaskToken shows the first and last eight characters of long tokens.
func MaskToken(token string) string {
	if len(token) <= 20 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "..." + token[len(token)-8:]
}

// MaskSecret shows only the first and last four characters.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// FormatExpiry describes how long until expiresAt.
func FormatExpiry(expiresAt time.Time) string {
	if expiresAt.IsZero() {
		return "never"
	}

	remaining := time.Until(expiresAt)
	switch {
	case remaining < 0:
		return "expired"
	case remaining < time.Hour:
		return fmt.Sprintf("%d minutes", int(remaining.Minutes()))
	case remaining < 24*time.Hour:
		return fmt.Sprintf("%d hours", int(remaining.Hours()))
	default:
		return fmt.Sprintf("%d days", int(remaining.Hours()/24))
	}
}
