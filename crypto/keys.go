package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/base64"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
)

type Curve25519Pair struct {
	Public  nacl.Key
	Private nacl.Key
}

func GenerateCurve25519() (*Curve25519Pair, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Curve25519Pair{Public: pub, Private: priv}, nil
}

// SharedKey returns the precomputed box key between a private key and a peer's public key.
func SharedKey(priv, peerPub []byte) []byte {
	out := box.Precompute(SliceToKey(peerPub), SliceToKey(priv))
	return out[:]
}

func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(crypto_rand.Reader)
}

// EncodeKey renders key bytes the way identity keys travel in device lists: unpadded standard base64.
func EncodeKey(k []byte) string {
	return base64.RawStdEncoding.EncodeToString(k)
}
