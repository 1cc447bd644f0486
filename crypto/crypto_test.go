package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKeyIsStable(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := DeriveKey("some password", filepath.Join(tmp, "salt"))
	require.Nil(err)
	key2, err := DeriveKey("some password", filepath.Join(tmp, "salt"))
	require.Nil(err)
	require.Equal(key1, key2)
	require.Equal(32, len(key1))
}

func TestDeriveKeyDifferentSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := DeriveKey("some password", filepath.Join(tmp, "salt1"))
	require.Nil(err)
	key2, err := DeriveKey("some password", filepath.Join(tmp, "salt2"))
	require.Nil(err)
	require.NotEqual(key1, key2)
}

func TestSealOpen(t *testing.T) {
	require := require.New(t)
	key := make([]byte, 32)
	key[0] = 7
	enc1, err := Seal(key, []byte("hello"), []byte("ad"))
	require.Nil(err)
	enc2, err := Seal(key, []byte("hello"), []byte("ad"))
	require.Nil(err)
	require.NotEqual(enc1, enc2)

	msg, err := Open(key, enc1, []byte("ad"))
	require.Nil(err)
	require.Equal([]byte("hello"), msg)

	_, err = Open(key, enc1, []byte("other"))
	require.NotNil(err)
	_, err = Open(key, enc1[:10], []byte("ad"))
	require.ErrorIs(err, ErrShortCiphertext)
}

func TestEncryptWithKeyRejectsShortKey(t *testing.T) {
	require := require.New(t)
	_, err := EncryptWithKey([]byte{1, 2, 3}, []byte("x"), nil)
	require.NotNil(err)
}

func TestSharedKeyAgrees(t *testing.T) {
	require := require.New(t)
	a, err := GenerateCurve25519()
	require.Nil(err)
	b, err := GenerateCurve25519()
	require.Nil(err)
	require.Equal(SharedKey(a.Private[:], b.Public[:]), SharedKey(b.Private[:], a.Public[:]))
}
