// This package defines the identifiers minted by the store layer: transaction ids for outgoing key requests and
// random session ids for locally created ratchet sessions.
package ids

import (
	crypto_rand "crypto/rand"
	"encoding/base64"
	"io"
	"strings"

	"github.com/google/uuid"
)

// NewTransactionID returns a fresh request id for a to-device key request.
func NewTransactionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSessionID returns an unpadded base64 encoding of 32 random bytes, the shape ratchet session ids take on the
// wire.
func NewSessionID() string {
	var id [32]byte
	if _, err := io.ReadFull(crypto_rand.Reader, id[:]); err != nil {
		panic("short read from random source")
	}
	return base64.RawStdEncoding.EncodeToString(id[:])
}
