package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known development key (hardhat account #0).
const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestNewSigner_DerivesAddress(t *testing.T) {
	s, err := NewSigner("0x" + devKey)
	require.NoError(t, err)
	assert.Equal(t, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", s.Address())
	assert.Len(t, s.PublicKey(), 66)
}

func TestNewSigner_Errors(t *testing.T) {
	_, err := NewSigner("")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = NewSigner("zz")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestCredentials_SignatureVerifies(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)

	c, err := s.Credentials(1760000000)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), c.UserID)
	assert.Equal(t, s.PublicKey(), c.PubKey)
	assert.Equal(t, int64(1760000000), c.Timestamp)

	msg := s.Message(1760000000)
	assert.Equal(t, s.Address()+s.PublicKey()+"1760000000", string(msg))
	require.NoError(t, Verify(c.PubKey, msg, c.Signature))

	assert.ErrorIs(t, Verify(c.PubKey, s.Message(1760000001), c.Signature), ErrInvalidSignature)
	assert.ErrorIs(t, Verify(c.PubKey, msg, "00"), ErrInvalidSignature)
}

func TestGenerate(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a.Address(), b.Address())
}
