// Package protocol selects and drives the pairing procedure a streaming
// session authenticates with, and adapts the AirPlay 1 and AirPlay 2
// wire dialects behind a single StreamProtocol interface.
package protocol

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/postlund/goraop/raop"
	"github.com/postlund/goraop/raop/crypto"
	"github.com/postlund/goraop/raop/pairing"
	"github.com/postlund/goraop/raop/plist"
	"github.com/postlund/goraop/raop/rtsp"
	"github.com/postlund/goraop/raop/sender"
)

// Record-layer HKDF info strings used once Pair-Verify succeeds, naming
// the RTSP control connection's channel.
const (
	controlSalt       = "Control-Salt"
	controlOutputInfo = "Control-Write-Encryption-Key"
	controlInputInfo  = "Control-Read-Encryption-Key"
)

// StreamProtocol is the set of operations that differ between AirPlay 1
// and AirPlay 2 once a session is verified: how the stream is set up and
// torn down, how liveness is reported back to the receiver, how an audio
// packet is framed, and how a standalone URL is played.
type StreamProtocol interface {
	// Setup negotiates the stream, advertising the locally bound
	// timing/control ports, and returns the receiver's negotiated ports
	// and RTSP session identifier.
	Setup(ctx context.Context, timingPort, controlPort int) (Transport, error)
	// BindAudio constructs the packet sender for a connected audio
	// socket, once Setup has revealed which ports/cipher to use. It
	// must be called before SendAudioPacket.
	BindAudio(conn *net.UDPConn, backlog sender.Backlog, streamCtx *raop.StreamContext, sessionID uint32) error
	Teardown(ctx context.Context) error
	StartFeedback(ctx context.Context)
	StopFeedback()
	SendAudioPacket(source io.Reader) (int, error)
	PlayURL(ctx context.Context, url string, position float64) error
}

// Transport is the negotiated set of ports/session data a SETUP exchange
// yields, used by the caller to bind the audio/control/timing sockets.
type Transport struct {
	ServerPort  int
	ControlPort int
	TimingPort  int
	Session     string
}

// VerifyConnection performs Pair-Verify against session using the given
// credentials, enabling the RTSP record-layer cipher when verification
// yields encryption keys. It mirrors the four-way dispatch a receiver's
// credentials kind drives: no-op, legacy (verifies but never encrypts),
// full HAP and transient HAP (both verify and encrypt).
func VerifyConnection(ctx context.Context, session *rtsp.Session, credentials raop.Credentials) error {
	switch credentials.Kind {
	case raop.CredentialsNull:
		return nil
	case raop.CredentialsLegacy:
		return verifyLegacy(ctx, session, credentials)
	case raop.CredentialsHAP, raop.CredentialsTransient:
		return verifyHAP(ctx, session, credentials)
	default:
		return fmt.Errorf("%w: unknown credentials kind %d", raop.ErrNotSupported, credentials.Kind)
	}
}

// verifyLegacy drives the two-request legacy Pair-Verify. A
// successful exchange authorizes the session but never yields
// encryption keys, so the RTSP connection stays in plaintext.
func verifyLegacy(ctx context.Context, session *rtsp.Session, credentials raop.Credentials) error {
	verifier := pairing.NewLegacyPairVerify(nil, credentials.LongTermSecret)

	resp, err := session.Exchange(ctx, "POST", rtsp.ExchangeOptions{
		URI:         "/pair-verify",
		ContentType: "application/octet-stream",
		Body:        verifier.VerifyRequest(),
	})
	if err != nil {
		return err
	}
	if len(resp.Body) < 32 {
		return fmt.Errorf("%w: legacy pair-verify response too short", raop.ErrProtocol)
	}

	reply, err := verifier.CompleteVerify(resp.Body[:32], resp.Body[32:])
	if err != nil {
		return err
	}

	_, err = session.Exchange(ctx, "POST", rtsp.ExchangeOptions{
		URI:         "/pair-verify",
		ContentType: "application/octet-stream",
		Body:        reply,
	})
	return err
}

// verifyHAP drives HAP Pair-Verify (full or transient) and, once
// verified, derives and installs the RTSP control channel's cipher.
func verifyHAP(ctx context.Context, session *rtsp.Session, credentials raop.Credentials) error {
	_, err := verifyHAPKeepingVerifier(ctx, session, credentials)
	return err
}

// verifyHAPKeepingVerifier is verifyHAP's implementation, returning the
// completed verifier so a caller that needs further channel keys (e.g.
// AirPlay 2's audio stream key) can derive them from the same shared
// secret without re-running the handshake.
func verifyHAPKeepingVerifier(ctx context.Context, session *rtsp.Session, credentials raop.Credentials) (*pairing.HAPPairVerify, error) {
	transport := &hapSessionTransport{ctx: ctx, session: session}

	var verifier *pairing.HAPPairVerify
	if credentials.Kind == raop.CredentialsTransient {
		verifier = pairing.NewHAPTransientPairVerify(transport)
	} else {
		verifier = pairing.NewHAPPairVerify(transport, credentials)
	}

	verified, err := verifier.VerifyCredentials()
	if err != nil {
		return nil, err
	}
	if !verified {
		return verifier, nil
	}

	outKey, inKey, err := verifier.EncryptionKeys(controlSalt, controlOutputInfo, controlInputInfo)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewCipher(outKey, inKey)
	if err != nil {
		return nil, err
	}
	session.EnableEncryption(cipher)
	return verifier, nil
}

// PairSetup runs the enrollment procedure matching credentialsKind,
// returning new long-term credentials for later Pair-Verify calls.
func PairSetup(ctx context.Context, session *rtsp.Session, credentialsKind raop.CredentialsKind, pin string) (raop.Credentials, error) {
	switch credentialsKind {
	case raop.CredentialsLegacy:
		seed, err := pairing.NewLegacyCredentials()
		if err != nil {
			return raop.Credentials{}, err
		}
		setup := pairing.NewLegacyPairSetup(&legacySessionTransport{ctx: ctx, session: session}, seed.LongTermSecret)
		if err := setup.StartPairing(); err != nil {
			return raop.Credentials{}, err
		}
		return setup.FinishPairing(pin)
	case raop.CredentialsHAP:
		setup, err := pairing.NewHAPPairSetup(&hapSessionTransport{ctx: ctx, session: session})
		if err != nil {
			return raop.Credentials{}, err
		}
		return setup.FinishPairing(pin)
	default:
		return raop.Credentials{}, fmt.Errorf("%w: pair-setup not applicable to credentials kind %d", raop.ErrNotSupported, credentialsKind)
	}
}

// hapSessionTransport bridges pairing.HAPTransport's TLV8 POSTs to the
// raw octet-stream body /pair-setup and /pair-verify expect over RTSP.
type hapSessionTransport struct {
	ctx     context.Context
	session *rtsp.Session
}

func (t *hapSessionTransport) Post(path string, body pairing.Tlv8) (pairing.Tlv8, error) {
	raw, err := t.session.Pair(t.ctx, path, "application/octet-stream", pairing.Encode(body))
	if err != nil {
		return nil, err
	}
	return pairing.Decode(raw)
}

// legacySessionTransport bridges pairing.LegacyTransport's binary-plist
// POSTs to the /pair-pin-start and /pair-setup-pin endpoints.
type legacySessionTransport struct {
	ctx     context.Context
	session *rtsp.Session
}

func (t *legacySessionTransport) PostPinStart() error {
	_, err := t.session.Exchange(t.ctx, "POST", rtsp.ExchangeOptions{URI: "/pair-pin-start"})
	return err
}

func (t *legacySessionTransport) PostSetup(body map[string]any) (map[string]any, error) {
	raw, err := plist.Marshal(plist.Dict(body))
	if err != nil {
		return nil, err
	}
	respRaw, err := t.session.Pair(t.ctx, "/pair-setup-pin", "application/x-apple-binary-plist", raw)
	if err != nil {
		return nil, err
	}
	v, err := plist.Unmarshal(respRaw)
	if err != nil {
		return nil, err
	}
	dict, ok := v.(plist.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: malformed legacy pair-setup response", raop.ErrProtocol)
	}
	return map[string]any(dict), nil
}
