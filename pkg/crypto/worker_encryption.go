package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/scrypt"
)

const (
	formatVersion byte = 1
	saltSize           = 16
	nonceSize          = 12
	tagSize            = 16
	keySize            = 32

	// DefaultScryptN is the interactive-login cost recommended for scrypt.
	DefaultScryptN = 1 << 15
	scryptR        = 8
	scryptP        = 1
)

var (
	ErrInvalidKey = errors.New("vault master key must not be empty")
	// ErrTokenCorrupted means the ciphertext can never be opened again.
	ErrTokenCorrupted = errors.New("token ciphertext corrupted or key mismatch")
	// ErrVaultClosed is returned after Close. The stored ciphertext is intact.
	ErrVaultClosed = errors.New("vault is closed")
)

// VaultConfig configures a Vault
type VaultConfig struct {
	MasterKey []byte
	ScryptN   int // must be a power of two > 1; DefaultScryptN when 0
	Audit     AuditSink
}

// Vault encrypts provider credentials at rest with AES-256-GCM.
// Every call draws a fresh salt and nonce; the AES key is derived from the
// master key and the salt with scrypt.
//
// Layout: base64url(version | salt | nonce | ciphertext+tag)
type Vault struct {
	mu     sync.RWMutex
	master []byte
	n      int
	audit  AuditSink
}

// NewVault creates a vault. The master key is copied; call Close to wipe it.
func NewVault(cfg VaultConfig) (*Vault, error) {
	if len(cfg.MasterKey) == 0 {
		return nil, ErrInvalidKey
	}
	n := cfg.ScryptN
	if n == 0 {
		n = DefaultScryptN
	}
	if n < 2 || n&(n-1) != 0 {
		return nil, fmt.Errorf("scrypt N must be a power of two > 1, got %d", n)
	}
	audit := cfg.Audit
	if audit == nil {
		audit = NewLogAuditSink()
	}

	master := make([]byte, len(cfg.MasterKey))
	copy(master, cfg.MasterKey)

	return &Vault{master: master, n: n, audit: audit}, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	v.mu.RLock()
	if v.master == nil {
		v.mu.RUnlock()
		return nil, ErrVaultClosed
	}
	key, err := scrypt.Key(v.master, salt, v.n, scryptR, scryptP, keySize)
	v.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	defer SecureWipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext. Empty input yields empty output.
func (v *Vault) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		v.emit(ctx, AuditTokenEncrypt, AuditOutcomeFailure)
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		v.emit(ctx, AuditTokenEncrypt, AuditOutcomeFailure)
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		v.emit(ctx, AuditTokenEncrypt, AuditOutcomeFailure)
		if errors.Is(err, ErrVaultClosed) {
			return "", ErrVaultClosed
		}
		return "", err
	}

	plain := []byte(plaintext)
	defer SecureWipe(plain)

	out := make([]byte, 0, 1+saltSize+nonceSize+len(plain)+tagSize)
	out = append(out, formatVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plain, []byte{formatVersion})

	v.emit(ctx, AuditTokenEncrypt, AuditOutcomeSuccess)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens ciphertext produced by Encrypt. A closed vault yields
// ErrVaultClosed; any other failure, including an empty input, a wrong
// master key or tampering, yields ErrTokenCorrupted.
func (v *Vault) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	plain, err := v.open(ciphertext)
	if err != nil {
		v.emit(ctx, AuditTokenDecryptFailed, AuditOutcomeFailure)
		if errors.Is(err, ErrVaultClosed) {
			return "", ErrVaultClosed
		}
		return "", ErrTokenCorrupted
	}
	defer SecureWipe(plain)

	v.emit(ctx, AuditTokenDecrypt, AuditOutcomeSuccess)
	return string(plain), nil
}

func (v *Vault) open(ciphertext string) (plain []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			plain, err = nil, fmt.Errorf("decrypt panic: %v", r)
		}
	}()

	data, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, err
	}
	if len(data) < 1+saltSize+nonceSize+tagSize || data[0] != formatVersion {
		return nil, errors.New("malformed ciphertext")
	}

	salt := data[1 : 1+saltSize]
	nonce := data[1+saltSize : 1+saltSize+nonceSize]
	sealed := data[1+saltSize+nonceSize:]

	gcm, err := v.aead(salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, sealed, []byte{formatVersion})
}

// Close wipes the master key. Encrypt and Decrypt return ErrVaultClosed
// afterwards.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	SecureWipe(v.master)
	v.master = nil
}

// SecureWipe overwrites b with zeros. Best effort: copies made by the
// runtime (string conversions, GC moves) are out of reach.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// IsEncrypted checks whether s has the vault ciphertext layout.
func IsEncrypted(s string) bool {
	if s == "" {
		return false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) >= 1+saltSize+nonceSize+tagSize && decoded[0] == formatVersion
}
