package mls

import (
	"crypto/rand"
	"testing"

	"github.com/ratchetgroup/mlscore/wire"
	"github.com/stretchr/testify/require"
)

func newTestCredential(t *testing.T, scheme SignatureScheme, identity string) (*Credential, *SignaturePrivateKey) {
	sk, err := GenerateSignatureKeyPair(scheme, rand.Reader)
	require.Nil(t, err)
	cred := NewBasicCredential([]byte(identity), scheme, sk.PublicKey())
	return cred, sk
}

func TestCredentialVerify(t *testing.T) {
	for _, suite := range allSuites {
		cred, sk := newTestCredential(t, suite.SignatureScheme(), "alice")
		msg := []byte("to be signed")
		sig, err := Sign(sk, msg)
		require.Nil(t, err)
		require.True(t, cred.Verify(msg, sig))

		sig[0] ^= 0xFF
		require.False(t, cred.Verify(msg, sig))
	}
}

func TestCredentialEquals(t *testing.T) {
	credA, _ := newTestCredential(t, Ed25519Scheme, "alice")
	credB, _ := newTestCredential(t, Ed25519Scheme, "alice")
	require.True(t, credA.Equals(credA))
	require.False(t, credA.Equals(credB))
}

func TestCredentialWireRoundTrip(t *testing.T) {
	cred, _ := newTestCredential(t, ECDSA_SECP256R1_SHA256, "bob")

	w := wire.NewWriter()
	err := cred.MarshalWire(w)
	require.Nil(t, err)

	r := wire.NewReader(w.Bytes())
	got, rerr := UnmarshalCredential(r)
	require.Nil(t, rerr)
	require.True(t, r.Done())
	require.True(t, cred.Equals(got))
}

func TestCredentialUnmarshalRejectsTrailingBytes(t *testing.T) {
	cred, _ := newTestCredential(t, ECDSA_SECP256R1_SHA256, "bob")

	w := wire.NewWriter()
	require.Nil(t, cred.MarshalWire(w))
	w.Append([]byte{0xFF})

	r := wire.NewReader(w.Bytes())
	_, err := UnmarshalCredential(r)
	require.NotNil(t, err)
	require.Equal(t, ErrCodec, err.Kind)
}

func TestCredentialUnknownVariant(t *testing.T) {
	r := wire.NewReader([]byte{0xFF})
	_, err := UnmarshalCredential(r)
	require.NotNil(t, err)
	require.Equal(t, ErrCodec, err.Kind)
}
