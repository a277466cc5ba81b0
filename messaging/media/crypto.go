// Package media holds the attachment crypto and the storage collaborator
// boundary. Keys are derived from a user passphrase, never stored, and
// every encryption call draws a fresh IV and salt so key/IV reuse cannot
// happen by construction.
package media

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/pbkdf2"
	"lukechampine.com/frand"

	"cloakroom/engine/library"
)

const (
	kdfIterations = 120000
	keyBytes      = 32
	saltBytes     = 16
	ivBytes       = 12
)

// DecryptionError wraps any failure to recover plaintext, including an
// authentication-tag mismatch from a wrong passphrase.
type DecryptionError struct {
	Cause error
}

func (e DecryptionError) Error() string {
	return fmt.Sprintf("media: decryption failed: %v", e.Cause)
}

func (e DecryptionError) Unwrap() error { return e.Cause }

// Encrypted is one sealed attachment plus everything a peer needs to
// open it, short of the passphrase.
type Encrypted struct {
	Ciphertext []byte
	IV         []byte
	KeySalt    []byte
	Mime       string
	Sha256     library.Sha256
}

// DeriveKey stretches a passphrase into a 256-bit AES key.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, kdfIterations, keyBytes, sha256.New)
}

// Encrypt seals plaintext under a passphrase-derived key. The recorded
// mime and sha256 describe the plaintext, not the ciphertext, so peers
// can verify what they decrypted.
func Encrypt(plaintext []byte, passphrase string) (Encrypted, error) {
	salt := frand.Bytes(saltBytes)
	iv := frand.Bytes(ivBytes)
	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return Encrypted{}, err
	}
	return Encrypted{
		Ciphertext: gcm.Seal(nil, iv, plaintext, nil),
		IV:         iv,
		KeySalt:    salt,
		Mime:       mimetype.Detect(plaintext).String(),
		Sha256:     library.Sha256Sum(plaintext),
	}, nil
}

// Decrypt reverses Encrypt. A wrong passphrase fails authentication
// rather than returning corrupted bytes.
func Decrypt(ciphertext, iv, keySalt []byte, passphrase string) ([]byte, error) {
	gcm, err := newGCM(DeriveKey(passphrase, keySalt))
	if err != nil {
		return nil, DecryptionError{Cause: err}
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, DecryptionError{Cause: err}
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
