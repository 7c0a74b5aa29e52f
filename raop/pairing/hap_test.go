package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/postlund/goraop/raop"
)

// fakeHAPTransport simulates just enough of a HAP accessory to drive
// HAPPairSetup/HAPPairVerify through a real exchange, entirely in memory.
type fakeHAPTransport struct {
	t        *testing.T
	password string

	srpServer *serverSRP
	srpKey    []byte

	ltsk ed25519.PrivateKey
	ltpk ed25519.PublicKey

	verifyPriv, verifyPub [32]byte
	verifyShared          []byte
}

func newFakeHAPTransport(t *testing.T, password string) *fakeHAPTransport {
	ltpk, ltsk, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &fakeHAPTransport{t: t, password: password, ltsk: ltsk, ltpk: ltpk}
}

func (f *fakeHAPTransport) Post(path string, body Tlv8) (Tlv8, error) {
	switch path {
	case "/pair-setup":
		return f.pairSetup(body)
	case "/pair-verify":
		return f.pairVerify(body)
	}
	panic("unexpected path " + path)
}

func (f *fakeHAPTransport) pairSetup(body Tlv8) (Tlv8, error) {
	switch body[TlvSeqNo][0] {
	case seqM1:
		f.srpServer = newServerSRP(HapUsername, f.password)
		return Tlv8{TlvSalt: f.srpServer.salt, TlvPublicKey: padToN(f.srpServer.pub)}, nil
	case seqM3:
		f.srpKey = f.srpServer.sessionKey(body[TlvPublicKey])
		return Tlv8{}, nil
	case seqM5:
		encKey, err := hkdfKey(f.srpKey, []byte("Pair-Setup-Encrypt-Salt"), []byte("Pair-Setup-Encrypt-Info"))
		require.NoError(f.t, err)
		aead, err := chacha20poly1305.New(encKey)
		require.NoError(f.t, err)
		plain, err := aead.Open(nil, []byte("\x00\x00\x00\x00PS-Msg05"), body[TlvEncryptedData], nil)
		require.NoError(f.t, err)
		clientTLV, err := Decode(plain)
		require.NoError(f.t, err)
		require.NotEmpty(f.t, clientTLV[TlvPublicKey])

		m6inner := Encode(Tlv8{TlvIdentifier: []byte("accessory-id"), TlvPublicKey: f.ltpk})
		sealed := aead.Seal(nil, []byte("\x00\x00\x00\x00PS-Msg06"), m6inner, nil)
		return Tlv8{TlvEncryptedData: sealed}, nil
	}
	panic("unexpected pair-setup seqno")
}

func (f *fakeHAPTransport) pairVerify(body Tlv8) (Tlv8, error) {
	switch body[TlvSeqNo][0] {
	case seqM1:
		_, err := rand.Read(f.verifyPriv[:])
		require.NoError(f.t, err)
		curve25519.ScalarBaseMult(&f.verifyPub, &f.verifyPriv)

		var clientPub, shared [32]byte
		copy(clientPub[:], body[TlvPublicKey])
		curve25519.ScalarMult(&shared, &f.verifyPriv, &clientPub)
		f.verifyShared = shared[:]

		encKey, err := hkdfKey(f.verifyShared, []byte("Pair-Verify-Encrypt-Salt"), []byte("Pair-Verify-Encrypt-Info"))
		require.NoError(f.t, err)
		aead, err := chacha20poly1305.New(encKey)
		require.NoError(f.t, err)
		inner := Encode(Tlv8{TlvIdentifier: []byte("accessory-id")})
		sealed := aead.Seal(nil, []byte("\x00\x00\x00\x00PV-Msg02"), inner, nil)

		return Tlv8{TlvPublicKey: f.verifyPub[:], TlvEncryptedData: sealed}, nil
	case seqM3:
		return Tlv8{}, nil
	}
	panic("unexpected pair-verify seqno")
}

func TestHAPPairSetupFullExchange(t *testing.T) {
	transport := newFakeHAPTransport(t, "3939")

	setup, err := NewHAPPairSetup(transport)
	require.NoError(t, err)

	creds, err := setup.FinishPairing("3939")
	require.NoError(t, err)
	require.Equal(t, raop.CredentialsHAP, creds.Kind)
	require.Equal(t, setup.clientID, creds.ClientID)
	require.Equal(t, []byte("accessory-id"), creds.ReceiverID)
	require.Equal(t, []byte(transport.ltpk), creds.LongTermPublicKey)
}

func TestHAPPairVerifyDerivesSharedKeys(t *testing.T) {
	transport := newFakeHAPTransport(t, "3939")
	_, ltsk, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	creds := raop.Credentials{
		Kind:           raop.CredentialsHAP,
		LongTermSecret: ltsk.Seed(),
		ClientID:       []byte("client-id"),
	}

	verify := NewHAPPairVerify(transport, creds)
	ok, err := verify.VerifyCredentials()
	require.NoError(t, err)
	require.True(t, ok)

	outKey, inKey, err := verify.EncryptionKeys("Control-Salt", "Control-Write-Encryption-Key", "Control-Read-Encryption-Key")
	require.NoError(t, err)
	require.Len(t, outKey, 32)
	require.Len(t, inKey, 32)
	require.NotEqual(t, outKey, inKey)
}

func TestHAPTransientPairVerifyDoesNotRequireCredentials(t *testing.T) {
	transport := newFakeHAPTransport(t, "")
	verify := NewHAPTransientPairVerify(transport)

	ok, err := verify.VerifyCredentials()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHAPPairSetupRejectsMissingSaltOrPublicKey(t *testing.T) {
	setup := &HAPPairSetup{transport: brokenHAPTransport{}}
	_, err := setup.FinishPairing("1234")
	require.Error(t, err)
}

type brokenHAPTransport struct{}

func (brokenHAPTransport) Post(path string, body Tlv8) (Tlv8, error) {
	return Tlv8{}, nil
}
