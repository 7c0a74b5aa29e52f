// Package client implements the paced scheduler that drives one RAOP
// streaming session end-to-end, from TXT-record negotiation through the
// timed audio send loop.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"github.com/postlund/goraop/internal/logger"
	"github.com/postlund/goraop/raop"
	"github.com/postlund/goraop/raop/control"
	"github.com/postlund/goraop/raop/metadata"
	"github.com/postlund/goraop/raop/protocol"
	"github.com/postlund/goraop/raop/rtsp"
	"github.com/postlund/goraop/raop/timingsvc"
)

// State is the client's position in its one-shot lifecycle: a Client is
// initialized once and streamed once, matching the receiver-side session
// it owns.
type State int

const (
	StateIdle State = iota
	StateInitialized
	StateStreaming
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitialized:
		return "initialized"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// supportedEncryptions is the set this client can actually drive. A
// receiver advertising anything outside this set (or nothing at all) is
// not treated as an error: Initialize only logs and continues, matching
// a check upstream that looks misplaced but has never been revisited.
const supportedEncryptions = raop.EncryptionUnencrypted | raop.EncryptionMFiSAP

// maxCatchUpPackets bounds how many extra packets a single loop
// iteration sends to compensate for falling behind schedule.
const maxCatchUpPackets = 3

// slowWarningThreshold is how many consecutive late iterations are
// logged at debug level before escalating to warning.
const slowWarningThreshold = 5

// AudioSource is the audio a stream reads packets from. Duration reports
// the track length in seconds; the client does not call it, and the
// progress report's end position comes from metadata.TrackInfo.Duration.
type AudioSource interface {
	io.Reader
	Duration() float64
}

// Client drives a single streaming session: it owns the RTSP connection,
// the negotiated protocol adapter, and the control/timing endpoints born
// out of Initialize.
type Client struct {
	session  *rtsp.Session
	protocol protocol.StreamProtocol
	settings raop.Settings
	log      logger.Writer
	slowLog  logger.Writer

	properties      map[string]string
	encryptionTypes raop.EncryptionType
	metadataTypes   raop.MetadataType
	audioProperties raop.AudioProperties

	controlEP *control.Endpoint
	timingEP  *timingsvc.Endpoint
	backlog   *raop.PacketFifo
	transport protocol.Transport

	mu    sync.Mutex
	state State

	playing atomic.Bool
}

// New creates a Client bound to an already-connected RTSP session and its
// matching protocol adapter (AirPlayV1 or AirPlayV2).
func New(session *rtsp.Session, proto protocol.StreamProtocol, settings raop.Settings, log logger.Writer) *Client {
	c := &Client{
		session:  session,
		protocol: proto,
		settings: settings,
		log:      log,
		slowLog:  logger.NewLimitedLogger(log),
		backlog:  raop.NewPacketFifo(),
		state:    StateIdle,
	}
	c.playing.Store(true)
	return c
}

// State returns the client's current lifecycle stage.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) requireState(want State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != want {
		return fmt.Errorf("%w: expected state %s, got %s", raop.ErrInvalidState, want, c.state)
	}
	return nil
}

// Initialize negotiates the streaming session: it parses the receiver's
// TXT record for encryption/metadata capabilities and audio parameters,
// binds the control and timing UDP endpoints on the RTSP connection's
// local interface, fetches GET /info, performs the auth-setup bypass
// when the receiver requires it, and runs the protocol adapter's
// Pair-Verify/ANNOUNCE/SETUP exchange.
func (c *Client) Initialize(ctx context.Context, properties map[string]string) error {
	if err := c.requireState(StateIdle); err != nil {
		return err
	}

	c.session.SetTimeout(c.settings.ControlTimeout)

	c.properties = properties
	c.encryptionTypes = raop.ParseEncryptionTypes(properties)
	c.metadataTypes = raop.ParseMetadataTypes(properties)

	if c.encryptionTypes&supportedEncryptions == 0 {
		c.log.Log(logger.Debug, "client: no supported encryption type advertised, continuing anyway")
	}

	audioProps, err := raop.ParseAudioProperties(properties)
	if err != nil {
		return err
	}
	c.audioProperties = audioProps

	controlEP, err := control.Bind(c.session.LocalIP, c.backlog, c.log)
	if err != nil {
		return err
	}
	controlEP.SetSyncInterval(c.settings.SyncInterval)
	c.controlEP = controlEP

	timingEP, err := timingsvc.Bind(c.session.LocalIP, c.log)
	if err != nil {
		controlEP.Close()
		return err
	}
	c.timingEP = timingEP

	c.log.Log(logger.Debug, "client: local ports control=%d timing=%d", controlEP.Port(), timingEP.Port())

	if _, err := c.session.Info(ctx); err != nil {
		return err
	}

	if c.requiresAuthSetup() {
		if err := c.session.AuthSetup(ctx); err != nil {
			return err
		}
	}

	transport, err := c.protocol.Setup(ctx, timingEP.Port(), controlEP.Port())
	if err != nil {
		return err
	}
	c.transport = transport

	c.setState(StateInitialized)
	return nil
}

// requiresAuthSetup gates the auth-setup bypass on MFi-SAP support and an
// "AirPort"-prefixed model name, per the receiver that actually needs it
// (some AirPort Express units refuse to play audio otherwise).
func (c *Client) requiresAuthSetup() bool {
	model := c.properties["am"]
	return c.encryptionTypes&raop.EncryptionMFiSAP != 0 && strings.HasPrefix(model, "AirPort")
}

// Stop requests that the streaming loop exit at its next iteration. It is
// safe to call before SendAudio's loop has actually started; the request
// is simply observed once it does.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == StateStreaming {
		c.state = StateStopping
	}
	c.mu.Unlock()
	c.playing.Store(false)
}

// SendAudio streams source to the receiver until it is exhausted (plus
// trailing latency padding) or Stop is called. volume, when non-nil, sets
// the initial playback volume as a 0..100 percentage; when nil, the
// settings' VolumeStart dBFS value is sent instead. The client is
// one-shot: once SendAudio returns, its session is torn down and the
// client is Closed regardless of outcome.
func (c *Client) SendAudio(ctx context.Context, source AudioSource, info metadata.TrackInfo, volume *float64) error {
	if err := c.requireState(StateInitialized); err != nil {
		return err
	}
	c.setState(StateStreaming)

	streamCtx := raop.NewStreamContext(c.audioProperties)

	audioConn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: c.session.RemoteIP, Port: c.transport.ServerPort})
	if err != nil {
		c.setState(StateClosed)
		return err
	}

	markExpeditedForwarding(audioConn, c.log)

	if err := c.protocol.BindAudio(audioConn, c.backlog, streamCtx, c.session.SessionID); err != nil {
		audioConn.Close()
		c.setState(StateClosed)
		return err
	}

	streamErr := c.runStream(ctx, source, info, volume, streamCtx)

	c.backlog.Clear()
	if err := c.protocol.Teardown(context.Background()); err != nil && streamErr == nil {
		streamErr = err
	}
	audioConn.Close()
	c.controlEP.Close()
	c.timingEP.Close()

	c.setState(StateClosed)
	return streamErr
}

func (c *Client) runStream(ctx context.Context, source AudioSource, info metadata.TrackInfo, volume *float64, streamCtx *raop.StreamContext) error {
	remoteControl := &net.UDPAddr{IP: c.session.RemoteIP, Port: c.transport.ControlPort}
	c.controlEP.StartSync(remoteControl, streamCtx)
	defer c.controlEP.StopSync()

	rtpInfo := func() string {
		return fmt.Sprintf("seq=%d;rtptime=%d", streamCtx.Seqno(), streamCtx.Rtptime())
	}

	if c.metadataTypes&raop.MetadataProgress != 0 {
		start := streamCtx.Rtptime()
		end := start + uint32(info.Duration*float64(c.audioProperties.SampleRate))
		if _, err := c.session.SetParameter(ctx, "progress", fmt.Sprintf("%d/%d/%d", start, start, end)); err != nil {
			return err
		}
	}

	if c.metadataTypes&raop.MetadataText != 0 {
		if _, err := c.session.SetMetadata(ctx, c.transport.Session, "application/x-dmap-tagged", rtpInfo(), metadata.TrackTag(info)); err != nil {
			return err
		}
	}

	if c.metadataTypes&raop.MetadataArtwork != 0 && len(info.Artwork) > 0 {
		contentType := info.ArtworkContentType
		if contentType == "" {
			contentType = "image/jpeg"
		}
		if _, err := c.session.SetMetadata(ctx, c.transport.Session, contentType, rtpInfo(), info.Artwork); err != nil {
			return err
		}
	}

	c.protocol.StartFeedback(ctx)
	defer c.protocol.StopFeedback()

	if _, err := c.session.Record(ctx, nil); err != nil {
		return err
	}
	if _, err := c.session.Flush(ctx, c.transport.Session, rtpInfo()); err != nil {
		return err
	}

	volumeDBFS := c.settings.VolumeStart
	if volume != nil {
		volumeDBFS = pctToDBFS(*volume)
	}
	if _, err := c.session.SetParameter(ctx, "volume", fmt.Sprintf("%.4f", volumeDBFS)); err != nil {
		return err
	}

	return c.streamLoop(source)
}

// streamLoop paces one audio packet per frame-period, catching up when
// behind schedule and sleeping when ahead, until the source (plus
// trailing latency padding) is exhausted or Stop is called.
func (c *Client) streamLoop(source AudioSource) error {
	sampleRate := c.audioProperties.SampleRate
	stats := raop.NewStats(time.Now())
	t0 := time.Now()
	consecutiveSlow := 0

	for c.playing.Load() {
		sent, err := c.protocol.SendAudioPacket(source)
		if err != nil {
			return err
		}
		if sent == 0 {
			break
		}
		stats.AddFrames(sent)

		framesBehind := stats.ExpectedFrameCount(sampleRate, time.Now()) - stats.TotalFrames()
		if framesBehind >= int64(raop.FramesPerPacket) {
			extra := framesBehind / int64(raop.FramesPerPacket)
			if extra > maxCatchUpPackets {
				extra = maxCatchUpPackets
			}
			c.log.Log(logger.Debug, "client: compensating with %d packets (%d frames behind)", extra, framesBehind)

			exhausted := false
			for i := int64(0); i < extra; i++ {
				sent, err := c.protocol.SendAudioPacket(source)
				if err != nil {
					return err
				}
				stats.AddFrames(sent)
				if sent == 0 {
					exhausted = true
					break
				}
			}
			if exhausted {
				break
			}
		}

		if stats.IntervalFrames() >= int64(sampleRate) {
			frames, elapsed := stats.IntervalCompleted(time.Now())
			frameSize := c.audioProperties.Channels * c.audioProperties.BytesPerChannel
			sentBytes := uint64(frames) * uint64(frameSize)
			c.log.Log(logger.Debug, "client: sent %s in %s (total %d frames, expected %d)",
				bytefmt.ByteSize(sentBytes), elapsed, stats.TotalFrames(), stats.ExpectedFrameCount(sampleRate, time.Now()))
		}

		absStream := float64(stats.TotalFrames()) / float64(sampleRate)
		wall := time.Since(t0).Seconds()
		delta := absStream - wall
		if delta > 0 {
			consecutiveSlow = 0
			time.Sleep(time.Duration(delta * float64(time.Second)))
			continue
		}

		consecutiveSlow++
		level := logger.Debug
		if consecutiveSlow > slowWarningThreshold {
			level = logger.Warn
		}
		// Rate-limited: a chronically behind stream would otherwise log
		// this once per packet.
		c.slowLog.Log(level, "client: too slow to keep up (%.4fs vs %.4fs => %.4fs)", absStream, wall, delta)
	}
	return nil
}

// pctToDBFS converts a 0..100 volume percentage to the -30..0 dBFS range
// SET_PARAMETER expects, with 0 mapping to mute.
func pctToDBFS(pct float64) float64 {
	if pct <= 0 {
		return -144.0
	}
	return -30 + (pct/100)*30
}
