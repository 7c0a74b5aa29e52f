package pairing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/curve25519"

	"github.com/postlund/goraop/raop"
)

// LegacyUsername is the identifier sent as the SRP username during
// legacy (AirPlay 1 "pin") Pair-Setup.
const LegacyUsername = "pyatv"

// NewLegacyCredentials generates a fresh legacy credential: a random
// 32-byte seed (stored as the long-term secret) and an 8-byte client
// identifier, matching the AirPlay 1 "pin" pairing scheme's reuse of the
// HAP credentials shape.
func NewLegacyCredentials() (raop.Credentials, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return raop.Credentials{}, fmt.Errorf("pairing: failed to generate legacy seed: %w", err)
	}
	clientID := make([]byte, 8)
	if _, err := rand.Read(clientID); err != nil {
		return raop.Credentials{}, fmt.Errorf("pairing: failed to generate client id: %w", err)
	}
	return raop.Credentials{Kind: raop.CredentialsLegacy, LongTermSecret: seed, ClientID: clientID}, nil
}

// legacyKeysFromSeed derives the Ed25519 signing keypair and the
// Curve25519 verification keypair from the same 32-byte credential seed,
// exactly as the legacy scheme reuses one seed for both roles.
func legacyKeysFromSeed(seed []byte) (authPriv ed25519.PrivateKey, authPub ed25519.PublicKey, verifyPriv, verifyPub [32]byte) {
	authPriv = ed25519.NewKeyFromSeed(seed)
	authPub = authPriv.Public().(ed25519.PublicKey)

	copy(verifyPriv[:], seed)
	curve25519.ScalarBaseMult(&verifyPub, &verifyPriv)
	return
}

// LegacyPairSetup performs the three-step SRP-6a "pin" pairing exchange
// described in the protocol's Pair-Setup procedure, using Apple's
// non-standard session key K = SHA512(S‖0) ‖ SHA512(S‖1).
type LegacyPairSetup struct {
	transport LegacyTransport

	srp      *srpClient
	authPub  ed25519.PublicKey
	authPriv ed25519.PrivateKey
	seed     []byte
}

// LegacyTransport abstracts the HTTP requests a legacy Pair-Setup performs
// (the PIN prompt and the three /pair-setup-pin posts), so this package
// stays free of any RTSP/HTTP dependency.
type LegacyTransport interface {
	// PostPinStart triggers the on-screen PIN prompt.
	PostPinStart() error
	// PostSetup posts a binary-plist body to /pair-setup-pin and returns
	// the decoded response fields.
	PostSetup(body map[string]any) (map[string]any, error)
}

// NewLegacyPairSetup creates a legacy Pair-Setup procedure. seed is the
// 32-byte credential seed to enroll.
func NewLegacyPairSetup(transport LegacyTransport, seed []byte) *LegacyPairSetup {
	return &LegacyPairSetup{transport: transport, seed: seed}
}

// StartPairing triggers the on-screen PIN prompt.
func (p *LegacyPairSetup) StartPairing() error {
	return p.transport.PostPinStart()
}

// FinishPairing completes the exchange given the PIN shown on screen and
// returns the enrolled credentials.
func (p *LegacyPairSetup) FinishPairing(pin string) (raop.Credentials, error) {
	p.authPriv, p.authPub, _, _ = legacyKeysFromSeed(p.seed)

	// Step 1: request server's salt and public key.
	resp, err := p.transport.PostSetup(map[string]any{"method": "pin", "user": LegacyUsername})
	if err != nil {
		return raop.Credentials{}, err
	}
	serverPub, _ := resp["pk"].([]byte)
	salt, _ := resp["salt"].([]byte)
	if serverPub == nil || salt == nil {
		return raop.Credentials{}, fmt.Errorf("%w: missing pk/salt in legacy pair-setup response", raop.ErrProtocol)
	}

	// Step 2: compute A and M1 with the custom session-key derivation,
	// verify the server's proof locally, and send our public key/proof.
	p.srp = newSRPClient(LegacyUsername, pin)
	p.srp.SessionKeyFunc = legacySessionKey
	if _, err := p.srp.GeneratePublic(); err != nil {
		return raop.Credentials{}, err
	}
	proof, err := p.srp.ProcessServerValues(serverPub, salt)
	if err != nil {
		return raop.Credentials{}, err
	}

	resp, err = p.transport.PostSetup(map[string]any{"pk": p.srp.PublicKey(), "proof": proof})
	if err != nil {
		return raop.Credentials{}, err
	}
	if serverProof, ok := resp["proof"].([]byte); ok {
		if err := p.srp.VerifyServerProof(serverProof); err != nil {
			return raop.Credentials{}, err
		}
	}

	// Step 3: encrypt our Ed25519 public key under a session-derived
	// AES-128-GCM key and send it for enrollment.
	epk, tag, err := encryptLegacyEpk(p.srp.SessionKey(), p.authPub)
	if err != nil {
		return raop.Credentials{}, err
	}

	if _, err := p.transport.PostSetup(map[string]any{"epk": epk, "authTag": tag}); err != nil {
		return raop.Credentials{}, err
	}

	clientID := make([]byte, 8)
	if _, err := rand.Read(clientID); err != nil {
		return raop.Credentials{}, err
	}
	return raop.Credentials{Kind: raop.CredentialsLegacy, LongTermSecret: p.seed, ClientID: clientID}, nil
}

// legacySessionKey is Apple's custom SRP session-key derivation:
// K = SHA512(S‖0x00000000) ‖ SHA512(S‖0x00000001), where S is the raw
// (unhashed) premaster secret, padded to the group's byte width.
func legacySessionKey(premaster *big.Int) []byte {
	s := padToN(premaster)
	k1 := sha512Sum(s, []byte{0, 0, 0, 0})
	k2 := sha512Sum(s, []byte{0, 0, 0, 1})
	return append(k1, k2...)
}

// encryptLegacyEpk derives AES-128-GCM key/IV from the SRP session key
// per the legacy Pair-Setup step 3 formula and encrypts the Ed25519
// public key.
func encryptLegacyEpk(sessionKey []byte, authPublic ed25519.PublicKey) (epk, tag []byte, err error) {
	aesKey := sha512Sum([]byte("Pair-Setup-AES-Key"), sessionKey)[0:16]
	ivRaw := sha512Sum([]byte("Pair-Setup-AES-IV"), sessionKey)[0:16]
	iv := append([]byte(nil), ivRaw...)
	iv[len(iv)-1]++ // last byte incremented by one, verbatim per spec.

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, fmt.Errorf("pairing: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, nil, fmt.Errorf("pairing: %w", err)
	}

	sealed := gcm.Seal(nil, iv, authPublic, nil)
	epk = sealed[:len(sealed)-gcm.Overhead()]
	tag = sealed[len(sealed)-gcm.Overhead():]
	return epk, tag, nil
}

// LegacyPairVerify performs the legacy Pair-Verify handshake. It never
// yields encryption keys: a successful verify merely authorizes the
// session, leaving follow-on traffic in plaintext.
type LegacyPairVerify struct {
	transport LegacyTransport
	seed      []byte

	verifyPriv [32]byte
	verifyPub  [32]byte
	authPriv   ed25519.PrivateKey
	authPub    ed25519.PublicKey
}

// NewLegacyPairVerify creates a legacy Pair-Verify procedure using the
// credential seed enrolled during Pair-Setup.
func NewLegacyPairVerify(transport LegacyTransport, seed []byte) *LegacyPairVerify {
	return &LegacyPairVerify{transport: transport, seed: seed}
}

// VerifyRequest builds the client's first outbound message (the second
// is CompleteVerify's reply): `0x01000000 ‖ verify_public ‖ auth_public`.
func (v *LegacyPairVerify) VerifyRequest() []byte {
	v.authPriv, v.authPub, v.verifyPriv, v.verifyPub = legacyKeysFromSeed(v.seed)

	out := []byte{0x01, 0x00, 0x00, 0x00}
	out = append(out, v.verifyPub[:]...)
	out = append(out, v.authPub...)
	return out
}

// CompleteVerify consumes the receiver's 32-byte public key and opaque
// challenge, and returns the signed, AES-CTR-encrypted response:
// `0x00000000 ‖ signature`.
func (v *LegacyPairVerify) CompleteVerify(remotePublic, challenge []byte) ([]byte, error) {
	if len(remotePublic) != 32 {
		return nil, fmt.Errorf("%w: legacy pair-verify public key must be 32 bytes", raop.ErrProtocol)
	}

	var remote, shared [32]byte
	copy(remote[:], remotePublic)
	curve25519.ScalarMult(&shared, &v.verifyPriv, &remote)

	aesKey := sha512Sum([]byte("Pair-Verify-AES-Key"), shared[:])[0:16]
	aesIV := sha512Sum([]byte("Pair-Verify-AES-IV"), shared[:])[0:16]

	signed := ed25519.Sign(v.authPriv, append(append([]byte(nil), v.verifyPub[:]...), remotePublic...))

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("pairing: %w", err)
	}
	stream := cipher.NewCTR(block, aesIV)

	// Advance the keystream past challenge without emitting it; only the
	// signature is actually sent, but the receiver derived its own
	// keystream position assuming challenge was encrypted first too.
	if len(challenge) > 0 {
		discard := make([]byte, len(challenge))
		stream.XORKeyStream(discard, challenge)
	}

	encryptedSigned := make([]byte, len(signed))
	stream.XORKeyStream(encryptedSigned, signed)

	return append([]byte{0, 0, 0, 0}, encryptedSigned...), nil
}
