package verifier

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519Verify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	hash := PayloadHash([]byte("transfer 100 to GA"))
	sig := ed25519.Sign(priv, hash)
	keyAndSig := append(append([]byte{}, pub...), sig...)

	v := NewEd25519()
	ok, err := v.Verify(context.Background(), hash, keyAndSig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(context.Background(), PayloadHash([]byte("different payload")), keyAndSig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEd25519VerifyRejectsBadLength(t *testing.T) {
	v := NewEd25519()
	_, err := v.Verify(context.Background(), PayloadHash([]byte("x")), []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestPayloadHashIsStable(t *testing.T) {
	a := PayloadHash([]byte("payload"))
	b := PayloadHash([]byte("payload"))
	c := PayloadHash([]byte("payload!"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}
