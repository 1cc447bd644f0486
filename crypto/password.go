package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

const saltLen = 16

// DeriveKey stretches passphrase into a 32 byte key with argon2id. The salt lives in saltPath and is created on
// first use, so the same passphrase yields the same key for the same store.
func DeriveKey(passphrase, saltPath string) ([]byte, error) {
	salt, err := readOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32), nil
}

func readOrCreateSalt(saltPath string) ([]byte, error) {
	salt := make([]byte, saltLen)
	f, err := os.OpenFile(saltPath, os.O_RDONLY, 0o400) // #nosec G304
	if err == nil {
		defer f.Close()
		if _, err := io.ReadFull(f, salt); err != nil {
			return nil, fmt.Errorf("crypto: error reading salt %s: %w", saltPath, err)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err = os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// another handle created it first
			return readOrCreateSalt(saltPath)
		}
		return nil, err
	}
	n, err := f.Write(salt)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if n != saltLen {
		_ = f.Close()
		return nil, fmt.Errorf("crypto: expected %d bytes, got %d", saltLen, n)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return salt, nil
}
