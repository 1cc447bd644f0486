// This package defines the long-lived cryptographic entities the stores persist: the device account, pairwise
// ratchet sessions, group sessions and the private cross-signing identity. Ratchet state is carried as an opaque
// pickle produced by PickleRatchetState.
package olm

import (
	"fmt"

	"github.com/meow-io/go-cryptostore/bencode"
	"github.com/meow-io/go-cryptostore/crypto"
)

type IdentityKeys struct {
	Ed25519    string `bencode:"ed25519"`
	Curve25519 string `bencode:"curve25519"`
}

type Account struct {
	UserID            string       `bencode:"user_id"`
	DeviceID          string       `bencode:"device_id"`
	IdentityKeys      IdentityKeys `bencode:"identity_keys"`
	OneTimeKeyCounter uint64       `bencode:"one_time_key_counter"`
	Shared            bool         `bencode:"shared"`
	UploadedKeyCount  uint64       `bencode:"uploaded_key_count"`
	Pickle            []byte       `bencode:"pickle"`
}

type accountKeys struct {
	Ed25519    []byte `bencode:"ed25519"`
	Curve25519 []byte `bencode:"curve25519"`
}

// NewAccount creates an account with fresh identity keys.
func NewAccount(userID, deviceID string) (*Account, error) {
	edPub, edPriv, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("olm: error generating signing key: %w", err)
	}
	curve, err := crypto.GenerateCurve25519()
	if err != nil {
		return nil, fmt.Errorf("olm: error generating identity key: %w", err)
	}
	pickle, err := bencode.Serialize(&accountKeys{Ed25519: edPriv.Seed(), Curve25519: curve.Private[:]})
	if err != nil {
		return nil, err
	}
	return &Account{
		UserID:   userID,
		DeviceID: deviceID,
		IdentityKeys: IdentityKeys{
			Ed25519:    crypto.EncodeKey(edPub),
			Curve25519: crypto.EncodeKey(curve.Public[:]),
		},
		Pickle: pickle,
	}, nil
}

func (a *Account) MarkAsShared() {
	a.Shared = true
}

func (a *Account) UpdateUploadedKeyCount(n uint64) {
	a.UploadedKeyCount = n
}

// GenerateOneTimeKeys advances the one-time-key counter and returns the first counter value of the new batch.
func (a *Account) GenerateOneTimeKeys(n uint64) uint64 {
	first := a.OneTimeKeyCounter
	a.OneTimeKeyCounter += n
	return first
}

func (a *Account) Clone() *Account {
	c := *a
	c.Pickle = cloneBytes(a.Pickle)
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
