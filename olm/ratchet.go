package olm

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/meow-io/go-cryptostore/bencode"
	"github.com/meow-io/go-cryptostore/crypto"
	"github.com/status-im/doubleratchet"
)

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

// RatchetCrypto is the doubleratchet.Crypto every pickled state is restored with: curve25519 box keys and
// single-use ChaCha20-Poly1305 message keys.
func RatchetCrypto() doubleratchet.Crypto {
	return &cryptoImpl{}
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pair, err := crypto.GenerateCurve25519()
	if err != nil {
		return nil, err
	}
	return dhPairImpl{privateKey: *pair.Private, publicKey: *pair.Public}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	if len(dhPub) != 32 {
		return nil, fmt.Errorf("olm: expected public key of length 32, got %d", len(dhPub))
	}
	return crypto.SharedKey(dhPair.PrivateKey(), dhPub), nil
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

type skippedKey struct {
	PubKey     []byte `bencode:"pub_key"`
	MsgNum     uint   `bencode:"msg_num"`
	MessageKey []byte `bencode:"message_key"`
	SessionID  []byte `bencode:"session_id"`
	SeqNum     uint   `bencode:"seq_num"`
}

type pickledState struct {
	DHr                      []byte       `bencode:"dhr"`
	DHsPub                   []byte       `bencode:"dhs_pub"`
	DHsPriv                  []byte       `bencode:"dhs_priv"`
	RootChKey                []byte       `bencode:"root_ch_key"`
	SendChKey                []byte       `bencode:"send_ch_key"`
	SendChCount              uint32       `bencode:"send_ch_count"`
	RecvChKey                []byte       `bencode:"recv_ch_key"`
	RecvChCount              uint32       `bencode:"recv_ch_count"`
	PN                       uint32       `bencode:"pn"`
	MaxSkip                  uint         `bencode:"max_skip"`
	HKr                      []byte       `bencode:"hkr"`
	NHKr                     []byte       `bencode:"nhkr"`
	HKs                      []byte       `bencode:"hks"`
	NHKs                     []byte       `bencode:"nhks"`
	MaxKeep                  uint         `bencode:"max_keep"`
	MaxMessageKeysPerSession int          `bencode:"mmk_per_session"`
	Step                     uint         `bencode:"step"`
	KeysCount                uint         `bencode:"keys_count"`
	Skipped                  []skippedKey `bencode:"skipped"`
}

// PickleRatchetState encodes state into the opaque pickle a Session carries. Skipped message keys are included
// when state.MkSkipped is a *SkippedKeys.
func PickleRatchetState(state *doubleratchet.State) ([]byte, error) {
	if state.DHs == nil {
		return nil, fmt.Errorf("olm: ratchet state has no sending key pair")
	}
	p := &pickledState{
		DHr:                      state.DHr,
		DHsPub:                   state.DHs.PublicKey(),
		DHsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	if sk, ok := state.MkSkipped.(*SkippedKeys); ok {
		p.Skipped = sk.list()
	}
	return bencode.Serialize(p)
}

// UnpickleRatchetState restores a state produced by PickleRatchetState. The returned state keeps its skipped
// message keys in a fresh *SkippedKeys.
func UnpickleRatchetState(pickle []byte) (*doubleratchet.State, error) {
	p := &pickledState{}
	if err := bencode.Deserialize(pickle, p); err != nil {
		return nil, fmt.Errorf("olm: error decoding ratchet state: %w", err)
	}
	if len(p.DHsPub) != 32 || len(p.DHsPriv) != 32 {
		return nil, fmt.Errorf("olm: ratchet state has malformed sending key pair")
	}
	pair := dhPairImpl{}
	copy(pair.publicKey[:], p.DHsPub)
	copy(pair.privateKey[:], p.DHsPriv)

	skipped := NewSkippedKeys()
	for _, k := range p.Skipped {
		skipped.put(k)
	}

	drc := RatchetCrypto()
	return &doubleratchet.State{
		Crypto: drc,
		DHr:    p.DHr,
		DHs:    pair,
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: p.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: p.SendChKey, N: p.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: p.RecvChKey, N: p.RecvChCount},
		PN:                       p.PN,
		MkSkipped:                skipped,
		MaxSkip:                  p.MaxSkip,
		HKr:                      p.HKr,
		NHKr:                     p.NHKr,
		HKs:                      p.HKs,
		NHKs:                     p.NHKs,
		MaxKeep:                  p.MaxKeep,
		MaxMessageKeysPerSession: p.MaxMessageKeysPerSession,
		Step:                     p.Step,
		KeysCount:                p.KeysCount,
	}, nil
}

// SkippedKeys is an in-memory doubleratchet.KeysStorage whose contents travel inside the session pickle.
type SkippedKeys struct {
	lock sync.Mutex
	keys map[string]map[uint]skippedKey
}

var _ doubleratchet.KeysStorage = (*SkippedKeys)(nil)

func NewSkippedKeys() *SkippedKeys {
	return &SkippedKeys{keys: make(map[string]map[uint]skippedKey)}
}

func (ks *SkippedKeys) put(k skippedKey) {
	name := hex.EncodeToString(k.PubKey)
	if _, ok := ks.keys[name]; !ok {
		ks.keys[name] = make(map[uint]skippedKey)
	}
	ks.keys[name][k.MsgNum] = k
}

func (ks *SkippedKeys) list() []skippedKey {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	var out []skippedKey
	for _, msgs := range ks.keys {
		for _, k := range msgs {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].SessionID, out[j].SessionID); c != 0 {
			return c < 0
		}
		return out[i].SeqNum < out[j].SeqNum
	})
	return out
}

func (ks *SkippedKeys) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	sk, ok := ks.keys[hex.EncodeToString(k)][msgNum]
	if !ok {
		return doubleratchet.Key{}, false, nil
	}
	return sk.MessageKey, true, nil
}

func (ks *SkippedKeys) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	ks.put(skippedKey{PubKey: k, MsgNum: msgNum, MessageKey: mk, SessionID: sessionID, SeqNum: keySeqNum})
	return nil
}

func (ks *SkippedKeys) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	name := hex.EncodeToString(k)
	delete(ks.keys[name], msgNum)
	if len(ks.keys[name]) == 0 {
		delete(ks.keys, name)
	}
	return nil
}

func (ks *SkippedKeys) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	ks.deleteWhere(func(k skippedKey) bool {
		return bytes.Equal(k.SessionID, sessionID) && k.SeqNum < deleteUntilSeqKey
	})
	return nil
}

func (ks *SkippedKeys) TruncateMks(sessionID []byte, maxKeys int) error {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	var seqs []uint
	for _, msgs := range ks.keys {
		for _, k := range msgs {
			if bytes.Equal(k.SessionID, sessionID) {
				seqs = append(seqs, k.SeqNum)
			}
		}
	}
	if len(seqs) <= maxKeys {
		return nil
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	keep := make(map[uint]bool, maxKeys)
	for _, s := range seqs[:maxKeys] {
		keep[s] = true
	}
	ks.deleteWhere(func(k skippedKey) bool {
		return bytes.Equal(k.SessionID, sessionID) && !keep[k.SeqNum]
	})
	return nil
}

func (ks *SkippedKeys) deleteWhere(f func(skippedKey) bool) {
	for name, msgs := range ks.keys {
		for n, k := range msgs {
			if f(k) {
				delete(msgs, n)
			}
		}
		if len(msgs) == 0 {
			delete(ks.keys, name)
		}
	}
}

func (ks *SkippedKeys) Count(k doubleratchet.Key) (uint, error) {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	return uint(len(ks.keys[hex.EncodeToString(k)])), nil
}

func (ks *SkippedKeys) All() (map[string]map[uint]doubleratchet.Key, error) {
	ks.lock.Lock()
	defer ks.lock.Unlock()
	out := make(map[string]map[uint]doubleratchet.Key, len(ks.keys))
	for name, msgs := range ks.keys {
		out[name] = make(map[uint]doubleratchet.Key, len(msgs))
		for n, k := range msgs {
			out[name][n] = k.MessageKey
		}
	}
	return out, nil
}

// NewRatchetState builds the initial sending-side state for a ratchet keyed by sharedKey towards a peer whose
// ratchet public key is remote.
func NewRatchetState(sharedKey []byte, remote doubleratchet.Key) (*doubleratchet.State, error) {
	drc := RatchetCrypto()
	dhs, err := drc.GenerateDH()
	if err != nil {
		return nil, fmt.Errorf("olm: error generating ratchet key: %w", err)
	}
	dhOut, err := drc.DH(dhs, remote)
	if err != nil {
		return nil, err
	}
	rootKey, sendKey, nhks := drc.KdfRK(sharedKey, dhOut)
	return &doubleratchet.State{
		Crypto: drc,
		DHr:    remote,
		DHs:    dhs,
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: rootKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: sendKey},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc},
		MkSkipped:                NewSkippedKeys(),
		MaxSkip:                  1000,
		NHKs:                     nhks,
		MaxKeep:                  2000,
		MaxMessageKeysPerSession: 2000,
	}, nil
}
