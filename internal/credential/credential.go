// Package credential encrypts secret settings such as provider API keys
// before they reach the configuration table.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// EncryptedPrefix marks values as encrypted in storage.
const EncryptedPrefix = "noetik:enc:v1:"

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidFormat    = errors.New("invalid encrypted format")
)

// Settings is a plain key/value configuration table.
type Settings interface {
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)
}

// IsSecretKey reports whether values stored under key are encrypted.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	return strings.HasSuffix(k, "api_key") || strings.HasSuffix(k, "password") || strings.HasSuffix(k, "token")
}

// Manager seals and opens secrets with AES-256-GCM.
type Manager struct {
	gcm cipher.AEAD
}

// NewManager derives the key from machine and user identifiers, so stored
// secrets only open for the same user on the same machine.
func NewManager() (*Manager, error) {
	return NewManagerWithKey(machineSeed())
}

// NewManagerWithKey derives the key from seed.
func NewManagerWithKey(seed string) (*Manager, error) {
	key := sha256.Sum256([]byte("noetik-credentials-v1:" + seed))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Manager{gcm: gcm}, nil
}

// Encrypt returns a storable form of plaintext. The empty string stays empty.
func (m *Manager) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, m.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := m.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the prefix pass through, so keys
// written before encryption was enabled still load.
func (m *Manager) Decrypt(stored string) (string, error) {
	encoded, ok := strings.CutPrefix(stored, EncryptedPrefix)
	if !ok {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrInvalidFormat, err)
	}
	n := m.gcm.NonceSize()
	if len(raw) < n+m.gcm.Overhead() {
		return "", ErrInvalidFormat
	}
	plaintext, err := m.gcm.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted checks if a value is already encrypted.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// Vault stores settings, encrypting secret keys transparently.
type Vault struct {
	m        *Manager
	settings Settings
}

func NewVault(m *Manager, s Settings) *Vault {
	return &Vault{m: m, settings: s}
}

func (v *Vault) Set(key, value string) error {
	if IsSecretKey(key) && !IsEncrypted(value) {
		enc, err := v.m.Encrypt(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", key, err)
		}
		value = enc
	}
	return v.settings.SetConfig(key, value)
}

// Get returns the stored value, decrypted; a missing key yields "".
func (v *Vault) Get(key string) (string, error) {
	stored, err := v.settings.GetConfig(key)
	if err != nil {
		return "", err
	}
	plain, err := v.m.Decrypt(stored)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	return plain, nil
}

// Display returns the value for key as it may be shown on screen.
func (v *Vault) Display(key string) (string, error) {
	value, err := v.Get(key)
	if err != nil || value == "" || !IsSecretKey(key) {
		return value, err
	}
	return MaskSecret(value), nil
}

func machineSeed() string {
	var b strings.Builder
	hostname, _ := os.Hostname()
	b.WriteString(hostname)
	home, _ := os.UserHomeDir()
	b.WriteString(home)
	b.WriteString(runtime.GOOS)
	b.WriteString(runtime.GOARCH)
	if uid := os.Getuid(); uid != -1 {
		fmt.Fprintf(&b, "uid:%d", uid)
	}
	b.WriteString(os.Getenv("USER"))
	return b.String()
}

// MaskSecret shows only the first and last 4 characters of long secrets.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
