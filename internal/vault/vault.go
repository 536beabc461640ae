// Package vault implements the Credential Vault: authenticated symmetric
// encryption of a small opaque credential blob, with deterministic decrypt
// given the master key. Every call produces distinct output for identical
// inputs (fresh salt and nonce); the master key is derived per-encryption
// via a memory-hard KDF.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"

	"chatrelay/internal/apperrors"
)

const (
	saltSize  = 16
	nonceSize = 12 // 96-bit nonce
	keySize   = 32 // 256-bit key
	separator = ":"

	argonTimeDefault   = 1
	argonMemoryDefault = 64 * 1024 // KiB
	argonThreadsDefault = 4
)

// KDFParams configures the memory-hard key derivation. Zero values fall
// back to conservative defaults.
type KDFParams struct {
	TimeCost   uint32
	MemoryKiB  uint32
	Threads    uint8
}

func (p KDFParams) withDefaults() KDFParams {
	if p.TimeCost == 0 {
		p.TimeCost = argonTimeDefault
	}
	if p.MemoryKiB == 0 {
		p.MemoryKiB = argonMemoryDefault
	}
	if p.Threads == 0 {
		p.Threads = argonThreadsDefault
	}
	return p
}

// Vault holds the process-wide master key in locked, non-swappable memory
// and performs authenticated encryption/decryption of credential blobs
// against it. The master key is read-only after boot.
type Vault struct {
	masterKey *memguard.LockedBuffer
	params    KDFParams
}

// New locks masterKeySecret into guarded memory and returns a Vault. The
// caller's copy of masterKeySecret should be discarded; New takes
// ownership of a private copy.
func New(masterKeySecret []byte, params KDFParams) *Vault {
	buf := memguard.NewBuffer(len(masterKeySecret))
	buf.Copy(masterKeySecret)
	buf.Freeze()
	return &Vault{masterKey: buf, params: params.withDefaults()}
}

// Destroy wipes the master key from memory. Call once at process shutdown.
func (v *Vault) Destroy() {
	v.masterKey.Destroy()
}

func (v *Vault) deriveKey(salt []byte) []byte {
	return argon2.IDKey(v.masterKey.Bytes(), salt, v.params.TimeCost, v.params.MemoryKiB, v.params.Threads, keySize)
}

// Encrypt authenticates and encrypts plain, returning the wire form
// "salt:nonce:tag:ciphertext" (each base64-encoded).
func (v *Vault) Encrypt(plain []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	key := v.deriveKey(salt)
	defer memguard.WipeBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plain, nil)
	tagSize := gcm.Overhead()
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	parts := []string{
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}
	return strings.Join(parts, separator), nil
}

// Decrypt verifies and decrypts ciphertext produced by Encrypt. Malformed
// or truncated input, a wrong key, or a tampered tag all surface as
// *apperrors.IntegrityError.
func (v *Vault) Decrypt(wire string) ([]byte, error) {
	parts := strings.Split(wire, separator)
	if len(parts) != 4 {
		return nil, &apperrors.IntegrityError{Message: "malformed credential blob: expected 4 parts"}
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(salt) != saltSize {
		return nil, &apperrors.IntegrityError{Message: "malformed credential blob: bad salt"}
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != nonceSize {
		return nil, &apperrors.IntegrityError{Message: "malformed credential blob: bad nonce"}
	}
	tag, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, &apperrors.IntegrityError{Message: "malformed credential blob: bad tag"}
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, &apperrors.IntegrityError{Message: "malformed credential blob: bad ciphertext"}
	}

	key := v.deriveKey(salt)
	defer memguard.WipeBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &apperrors.IntegrityError{Message: "failed to create cipher"}
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, &apperrors.IntegrityError{Message: "failed to create GCM"}
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &apperrors.IntegrityError{Message: "decryption failed: wrong key or tampered data"}
	}
	return plain, nil
}
