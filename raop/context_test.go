package raop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamContextDerivedSizes(t *testing.T) {
	c := NewStreamContext(AudioProperties{SampleRate: 44100, Channels: 2, BytesPerChannel: 2})
	require.Equal(t, 4, c.FrameSize())
	require.Equal(t, FramesPerPacket*4, c.PacketSize())
	require.Equal(t, uint32(22050+44100), c.Latency)
}

func TestStreamContextAdvancePacket(t *testing.T) {
	c := NewStreamContext(AudioProperties{SampleRate: 44100, Channels: 2, BytesPerChannel: 2})
	seqno0, rtp0 := c.Seqno(), c.Rtptime()

	seqno, rtptime := c.AdvancePacket(FramesPerPacket)
	require.Equal(t, seqno0, seqno)
	require.Equal(t, rtp0, rtptime)
	require.Equal(t, seqno0+1, c.Seqno())
	require.Equal(t, rtp0+FramesPerPacket, c.Rtptime())

	c.AdvancePacket(FramesPerPacket)
	require.Equal(t, rtp0+2*FramesPerPacket, c.Rtptime())
}

func TestStreamContextResetRandomizesSeqno(t *testing.T) {
	c1 := NewStreamContext(AudioProperties{SampleRate: 44100, Channels: 2, BytesPerChannel: 2})
	c2 := NewStreamContext(AudioProperties{SampleRate: 44100, Channels: 2, BytesPerChannel: 2})

	// Astronomically unlikely to collide; guards against a constant-zero
	// seed slipping back in.
	require.NotEqual(t, c1.Seqno(), c2.Seqno())
}

func TestStreamContextPadding(t *testing.T) {
	c := NewStreamContext(AudioProperties{SampleRate: 44100, Channels: 2, BytesPerChannel: 2})
	require.Equal(t, 0, c.PaddingSent())
	c.AddPadding(352)
	c.AddPadding(352)
	require.Equal(t, 704, c.PaddingSent())
}

func TestSyncPacketShapeScenario(t *testing.T) {
	// §8 scenario 2: head_ts=10000, start_ts=5000, latency=66150.
	c := &StreamContext{SampleRate: 44100, Latency: 66150}
	c.startTs = 5000
	c.headTs = 10000
	require.Equal(t, uint32(71150), c.Rtptime())
}
