package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postlund/goraop/raop"
	"github.com/postlund/goraop/raop/plist"
	"github.com/postlund/goraop/raop/rtsp"
	"github.com/postlund/goraop/raop/sender"
)

// keepAliveInterval is how often AirPlay 1's feedback loop polls
// /feedback once the receiver has confirmed it understands the request.
const keepAliveInterval = 25 * time.Second

// AirPlayV1 drives the legacy RTP/AVP/UDP transport: ALAC-framed,
// unencrypted audio and a plain SDP ANNOUNCE/SETUP exchange.
type AirPlayV1 struct {
	session     *rtsp.Session
	credentials raop.Credentials
	properties  raop.AudioProperties
	password    string
	sessionStr  string

	conn *net.UDPConn
	send *sender.Sender

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAirPlayV1 adapts an RTSP session already connected to the
// receiver's control port to the AirPlay 1 dialect.
func NewAirPlayV1(session *rtsp.Session, credentials raop.Credentials, properties raop.AudioProperties, password string) *AirPlayV1 {
	return &AirPlayV1{session: session, credentials: credentials, properties: properties, password: password}
}

// Setup performs Pair-Verify, ANNOUNCE, and SETUP with the AVP/UDP
// transport header naming the locally bound control/timing ports, and
// parses the receiver's matching Transport header for the ports it
// expects audio/control/timing to run on.
func (p *AirPlayV1) Setup(ctx context.Context, timingPort, controlPort int) (Transport, error) {
	if err := VerifyConnection(ctx, p.session, p.credentials); err != nil {
		return Transport{}, err
	}

	if _, err := p.session.Announce(ctx, p.properties.BytesPerChannel, p.properties.Channels, p.properties.SampleRate, p.password); err != nil {
		return Transport{}, err
	}

	transportHeader := fmt.Sprintf(
		"RTP/AVP/UDP;unicast;interleaved=0-1;mode=record;control_port=%d;timing_port=%d",
		controlPort, timingPort)
	resp, err := p.session.Setup(ctx, map[string]string{"Transport": transportHeader}, nil)
	if err != nil {
		return Transport{}, err
	}

	t := Transport{}
	if session, ok := resp.Header("Session"); ok {
		t.Session = session
		p.sessionStr = session
	}
	if hdr, ok := resp.Header("Transport"); ok {
		for k, v := range parseTransportHeader(hdr) {
			switch k {
			case "server_port":
				t.ServerPort, _ = strconv.Atoi(v)
			case "control_port":
				t.ControlPort, _ = strconv.Atoi(v)
			case "timing_port":
				t.TimingPort, _ = strconv.Atoi(v)
			}
		}
	}
	return t, nil
}

// parseTransportHeader splits a `key=value;key;key=value` Transport
// header into a flat map, ignoring bare flags with no value.
func parseTransportHeader(header string) map[string]string {
	out := make(map[string]string)
	for _, field := range strings.Split(header, ";") {
		parts := strings.SplitN(field, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

// BindAudio wraps conn in a Sender with no encryption and ALAC framing,
// AirPlay 1's audio format.
func (p *AirPlayV1) BindAudio(conn *net.UDPConn, backlog sender.Backlog, streamCtx *raop.StreamContext, sessionID uint32) error {
	p.conn = conn
	p.send = sender.New(conn, backlog, streamCtx, false, nil, sessionID)
	return nil
}

func (p *AirPlayV1) SendAudioPacket(source io.Reader) (int, error) {
	return p.send.SendPacket(source)
}

// StartFeedback probes /feedback once; only if the receiver answers 200
// does it start the periodic keep-alive poll, matching receivers that
// never implement the endpoint at all.
func (p *AirPlayV1) StartFeedback(ctx context.Context) {
	resp, err := p.session.Feedback(ctx, true)
	if err != nil || resp.Code != 200 {
		return
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(keepAliveInterval)
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

func (p *AirPlayV1) StopFeedback() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *AirPlayV1) Teardown(ctx context.Context) error {
	p.StopFeedback()
	_, err := p.session.Teardown(ctx, p.sessionStr)
	return err
}

// PlayURL re-verifies the connection and posts a binary-plist body
// describing the content location to play, AirPlay 1's URL-playback
// entry point.
func (p *AirPlayV1) PlayURL(ctx context.Context, url string, position float64) error {
	if err := VerifyConnection(ctx, p.session, p.credentials); err != nil {
		return err
	}

	body, err := plist.Marshal(plist.Dict{
		"Content-Location": url,
		"Start-Position":   position,
	})
	if err != nil {
		return err
	}

	_, err = p.session.Exchange(ctx, "POST", rtsp.ExchangeOptions{
		URI:         "/play",
		ContentType: "application/x-apple-binary-plist",
		Headers:     map[string]string{"X-Apple-Session-ID": uuid.NewString()},
		Body:        body,
	})
	return err
}

var _ StreamProtocol = (*AirPlayV1)(nil)
