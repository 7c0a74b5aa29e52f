package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postlund/goraop/raop"
	"github.com/postlund/goraop/raop/plist"
	"github.com/postlund/goraop/raop/rtsp"
	"github.com/postlund/goraop/raop/sender"
)

// feedbackInterval is AirPlay 2's unconditional /feedback poll period;
// unlike AirPlay 1 it is never gated on a successful first probe.
const feedbackInterval = 2 * time.Second

// streamTypeRealtime/audioFormatPCM/contentTypeRawPCM/latency bounds are the
// literal constants a real AirPlay 2 sender puts in its SETUP "streams"
// request for a realtime raw-PCM audio stream.
const (
	streamTypeRealtime = 0x60
	audioFormatPCM     = 0x800
	contentTypeRawPCM  = 1
	latencyMin         = 11025
	latencyMax         = 88200
)

// DeviceInfo is the sender identity advertised in AirPlay 2's SETUP
// device-info body. Receivers use it for display purposes only; none of
// it is validated.
type DeviceInfo struct {
	DeviceID       string
	MACAddress     string
	Model          string
	Name           string
	OSName         string
	OSVersion      string
	OSBuildVersion string
	SourceVersion  string
}

// AirPlayV2 drives the binary-plist SETUP exchange and ChaCha20-Poly1305
// encrypted raw-PCM transport introduced for AirPlay 2 receivers.
type AirPlayV2 struct {
	session     *rtsp.Session
	credentials raop.Credentials
	properties  raop.AudioProperties
	info        DeviceInfo

	sharedSecret []byte
	sessionStr   string

	conn *net.UDPConn
	send *sender.Sender

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAirPlayV2 adapts an RTSP session already connected to the
// receiver's control port to the AirPlay 2 dialect.
func NewAirPlayV2(session *rtsp.Session, credentials raop.Credentials, properties raop.AudioProperties, info DeviceInfo) *AirPlayV2 {
	return &AirPlayV2{session: session, credentials: credentials, properties: properties, info: info}
}

// Setup verifies the connection, posts the device-identity SETUP body,
// then posts the realtime-audio "streams" SETUP body, deriving the
// stream's shared encryption key from the same Pair-Verify shared secret
// used for the RTSP control channel.
func (p *AirPlayV2) Setup(ctx context.Context, timingPort, controlPort int) (Transport, error) {
	verifier, err := verifyHAPKeepingVerifier(ctx, p.session, p.credentials)
	if err != nil {
		return Transport{}, err
	}

	deviceBody, err := plist.Marshal(plist.Dict{
		"deviceID":                 p.info.DeviceID,
		"sessionUUID":              newSessionUUID(),
		"timingPort":               int64(timingPort),
		"timingProtocol":           "NTP",
		"isMultiSelectAirPlay":     true,
		"groupContainsGroupLeader": false,
		"macAddress":               p.info.MACAddress,
		"model":                    p.info.Model,
		"name":                     p.info.Name,
		"osBuildVersion":           p.info.OSBuildVersion,
		"osName":                   p.info.OSName,
		"osVersion":                p.info.OSVersion,
		"senderSupportsRelay":      false,
		"sourceVersion":            p.info.SourceVersion,
		"statsCollectionEnabled":   false,
	})
	if err != nil {
		return Transport{}, err
	}
	deviceResp, err := p.session.Setup(ctx, nil, deviceBody)
	if err != nil {
		return Transport{}, err
	}
	if session, ok := deviceResp.Header("Session"); ok {
		p.sessionStr = session
	}

	// The audio stream's shared key rides the same HKDF the control
	// channel's record-layer keys came from, under its own label; no
	// additional handshake is needed.
	shk, _, err := verifier.EncryptionKeys("Events-Salt", "Events-Write-Encryption-Key", "Events-Read-Encryption-Key")
	if err != nil {
		return Transport{}, err
	}
	p.sharedSecret = shk[:32]

	streamsBody, err := plist.Marshal(plist.Dict{
		"streams": []any{plist.Dict{
			"audioFormat":             int64(audioFormatPCM),
			"audioMode":               "default",
			"controlPort":             int64(controlPort),
			"ct":                      int64(contentTypeRawPCM),
			"isMedia":                 true,
			"latencyMax":              int64(latencyMax),
			"latencyMin":              int64(latencyMin),
			"shk":                     p.sharedSecret,
			"spf":                     int64(raop.FramesPerPacket),
			"sr":                      int64(p.properties.SampleRate),
			"type":                    int64(streamTypeRealtime),
			"supportsDynamicStreamID": false,
			"streamConnectionID":      int64(p.session.SessionID),
		}},
	})
	if err != nil {
		return Transport{}, err
	}
	resp, err := p.session.Setup(ctx, nil, streamsBody)
	if err != nil {
		return Transport{}, err
	}

	v, err := plist.Unmarshal(resp.Body)
	if err != nil {
		return Transport{}, err
	}
	dict, ok := v.(plist.Dict)
	if !ok {
		return Transport{}, fmt.Errorf("%w: malformed AirPlay 2 SETUP response", raop.ErrProtocol)
	}
	streamDict := firstStreamDict(dict)

	t := Transport{Session: p.sessionStr}
	if n, ok := streamDict["dataPort"].(int64); ok {
		t.ServerPort = int(n)
	}
	if n, ok := streamDict["controlPort"].(int64); ok {
		t.ControlPort = int(n)
	}
	return t, nil
}

// firstStreamDict pulls the first element out of a SETUP response's
// "streams" array, or returns resp itself if the receiver answered
// with the fields inlined at the top level instead.
func firstStreamDict(resp plist.Dict) plist.Dict {
	streams, ok := resp["streams"].([]any)
	if !ok || len(streams) == 0 {
		return resp
	}
	dict, ok := streams[0].(plist.Dict)
	if !ok {
		return resp
	}
	return dict
}

// newSessionUUID is a package variable seam so tests can pin a
// deterministic session identifier.
var newSessionUUID = randomUUIDString

func randomUUIDString() string {
	return uuid.NewString()
}

// BindAudio wraps conn in a Sender encrypting with the stream's shared
// key and emitting raw PCM, AirPlay 2's audio format.
func (p *AirPlayV2) BindAudio(conn *net.UDPConn, backlog sender.Backlog, streamCtx *raop.StreamContext, sessionID uint32) error {
	aead, err := sender.NewCipherKey(p.sharedSecret)
	if err != nil {
		return err
	}
	p.conn = conn
	p.send = sender.New(conn, backlog, streamCtx, true, aead, sessionID)
	return nil
}

func (p *AirPlayV2) SendAudioPacket(source io.Reader) (int, error) {
	return p.send.SendPacket(source)
}

// StartFeedback polls /feedback on an unconditional fixed interval; no
// probe/200-gating, unlike AirPlay 1.
func (p *AirPlayV2) StartFeedback(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(feedbackInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				p.session.Feedback(loopCtx, true)
			}
		}
	}()
}

func (p *AirPlayV2) StopFeedback() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *AirPlayV2) Teardown(ctx context.Context) error {
	p.StopFeedback()
	_, err := p.session.Teardown(ctx, p.sessionStr)
	return err
}

// PlayURL is unimplemented for AirPlay 2: no known sender ever drives a
// standalone URL playback request over this dialect.
func (p *AirPlayV2) PlayURL(ctx context.Context, url string, position float64) error {
	return fmt.Errorf("%w: play_url is not implemented for AirPlay 2", raop.ErrNotSupported)
}

var _ StreamProtocol = (*AirPlayV2)(nil)
