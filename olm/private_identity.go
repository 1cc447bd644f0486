package olm

import (
	"fmt"

	"github.com/meow-io/go-cryptostore/crypto"
)

// PrivateCrossSigningIdentity holds the ed25519 seeds of this user's cross-signing keys. A key that this device
// does not have is nil.
type PrivateCrossSigningIdentity struct {
	UserID         string `bencode:"user_id"`
	Shared         bool   `bencode:"shared"`
	MasterKey      []byte `bencode:"master_key"`
	SelfSigningKey []byte `bencode:"self_signing_key"`
	UserSigningKey []byte `bencode:"user_signing_key"`
}

func NewPrivateCrossSigningIdentity(userID string) (*PrivateCrossSigningIdentity, error) {
	seeds := make([][]byte, 3)
	for i := range seeds {
		_, priv, err := crypto.GenerateEd25519()
		if err != nil {
			return nil, fmt.Errorf("olm: error generating cross-signing key: %w", err)
		}
		seeds[i] = priv.Seed()
	}
	return &PrivateCrossSigningIdentity{
		UserID:         userID,
		MasterKey:      seeds[0],
		SelfSigningKey: seeds[1],
		UserSigningKey: seeds[2],
	}, nil
}

func (p *PrivateCrossSigningIdentity) MarkAsShared() {
	p.Shared = true
}

func (p *PrivateCrossSigningIdentity) Clone() *PrivateCrossSigningIdentity {
	c := *p
	c.MasterKey = cloneBytes(p.MasterKey)
	c.SelfSigningKey = cloneBytes(p.SelfSigningKey)
	c.UserSigningKey = cloneBytes(p.UserSigningKey)
	return &c
}
