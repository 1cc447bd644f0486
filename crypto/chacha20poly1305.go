// This package holds the symmetric and key-agreement primitives the stores and the ratchet adapter share.
package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"golang.org/x/crypto/chacha20poly1305"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

var ErrShortCiphertext = errors.New("crypto: ciphertext shorter than nonce")

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// EncryptWithKey seals msg under a single-use key. The nonce is fixed so the key must never be reused.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", chacha20poly1305.KeySize, len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: expected key of length %d, got %d", chacha20poly1305.KeySize, len(key))
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// Seal encrypts msg with XChaCha20-Poly1305 under a long-lived key. A random nonce is prepended to the output.
func Seal(key, msg, ad []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: error creating cipher: %w", err)
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(msg)+cipher.Overhead())
	if _, err := io.ReadFull(crypto_rand.Reader, out); err != nil {
		return nil, fmt.Errorf("crypto: error reading nonce: %w", err)
	}
	return cipher.Seal(out, out[:chacha20poly1305.NonceSizeX], msg, ad), nil
}

// Open reverses Seal.
func Open(key, enc, ad []byte) ([]byte, error) {
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: error creating cipher: %w", err)
	}
	if len(enc) < chacha20poly1305.NonceSizeX {
		return nil, ErrShortCiphertext
	}
	return cipher.Open(nil, enc[:chacha20poly1305.NonceSizeX], enc[chacha20poly1305.NonceSizeX:], ad)
}
