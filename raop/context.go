package raop

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/postlund/goraop/raop/timing"
)

// FramesPerPacket is the number of audio frames carried in a single RTP
// audio packet, fixed by the RAOP wire format.
const FramesPerPacket = 352

// StreamContext tracks the sequence number, timestamp, and padding state
// of a single streaming session. It is reset whenever a stream is
// (re)started, or whenever the audio properties change, so that each
// RECORD begins from a fresh, randomized sequence number and timestamp.
type StreamContext struct {
	SampleRate      int
	Channels        int
	BytesPerChannel int

	// Latency is the lead time, in frames, between the RTP timestamp the
	// client is producing and the one the receiver should be playing.
	Latency uint32

	rtpSeq      uint16
	startTs     uint32
	headTs      uint32
	paddingSent int
}

// NewStreamContext creates a context for the given audio properties and
// resets it to an initial random position.
func NewStreamContext(props AudioProperties) *StreamContext {
	c := &StreamContext{
		SampleRate:      props.SampleRate,
		Channels:        props.Channels,
		BytesPerChannel: props.BytesPerChannel,
	}
	c.reset()
	return c
}

// reset randomizes the starting sequence number, resets the timestamp
// base to the current time, and clears padding. Must be called before
// sending audio and whenever sample rate/channels/bytes-per-channel
// change.
func (c *StreamContext) reset() {
	var buf [2]byte
	_, _ = rand.Read(buf[:])
	c.rtpSeq = binary.BigEndian.Uint16(buf[:])

	c.Latency = uint32(22050 + c.SampleRate)
	c.startTs = timing.ToTimestamp(timing.Now(), uint32(c.SampleRate))
	c.headTs = c.startTs
	c.paddingSent = 0
}

// Seqno returns the current RTP sequence number.
func (c *StreamContext) Seqno() uint16 {
	return c.rtpSeq
}

// HeadTimestamp returns the raw, un-offset timestamp of the next frame to
// be sent, used by the control endpoint to convert to wall-clock NTP time.
func (c *StreamContext) HeadTimestamp() uint32 {
	return c.headTs
}

// Rtptime returns the current RTP timestamp, offset by the configured
// latency.
func (c *StreamContext) Rtptime() uint32 {
	return c.headTs - (c.startTs - c.Latency)
}

// Position returns elapsed playback position in seconds since reset.
func (c *StreamContext) Position() float64 {
	return float64(c.headTs-c.startTs) / float64(c.SampleRate)
}

// FrameSize is the size in bytes of one frame of audio (all channels).
func (c *StreamContext) FrameSize() int {
	return c.Channels * c.BytesPerChannel
}

// PacketSize is the size in bytes of one full audio packet's payload
// (FramesPerPacket frames, uncompressed).
func (c *StreamContext) PacketSize() int {
	return FramesPerPacket * c.FrameSize()
}

// AdvancePacket records that one audio packet carrying frameCount frames
// has been built, advancing the head timestamp and sequence number for
// the next packet. It returns the sequence number and RTP timestamp that
// were current before advancing, which is what belongs in the packet
// just built.
func (c *StreamContext) AdvancePacket(frameCount int) (seqno uint16, rtptime uint32) {
	seqno, rtptime = c.rtpSeq, c.Rtptime()
	c.rtpSeq++
	c.headTs += uint32(frameCount)
	return
}

// PaddingSent returns the number of silence frames emitted since the
// audio source was exhausted.
func (c *StreamContext) PaddingSent() int {
	return c.paddingSent
}

// AddPadding records n additional silence frames having been sent.
func (c *StreamContext) AddPadding(n int) {
	c.paddingSent += n
}
