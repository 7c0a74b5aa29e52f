package sender

import (
	"bytes"
	"crypto/rand"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/postlund/goraop/raop"
	"github.com/postlund/goraop/raop/alac"
	"github.com/postlund/goraop/raop/packet"
)

type fakeBacklog struct {
	entries map[uint16][]byte
}

func newFakeBacklog() *fakeBacklog {
	return &fakeBacklog{entries: make(map[uint16][]byte)}
}

func (b *fakeBacklog) Put(seqno uint16, data []byte) error {
	b.entries[seqno] = append([]byte(nil), data...)
	return nil
}

func newTestContext() *raop.StreamContext {
	return raop.NewStreamContext(raop.AudioProperties{SampleRate: 44100, Channels: 2, BytesPerChannel: 2})
}

func connectedLoopback(t *testing.T) (sender *net.UDPConn, receiver *net.UDPConn) {
	t.Helper()
	receiver, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	sender, err = net.DialUDP("udp", nil, receiver.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	return sender, receiver
}

func TestSendPacketAirPlay1EmitsAlacFramedBody(t *testing.T) {
	conn, receiver := connectedLoopback(t)
	defer conn.Close()
	defer receiver.Close()

	ctx := newTestContext()
	backlog := newFakeBacklog()
	s := New(conn, backlog, ctx, false, nil, 0xAABBCCDD)

	pcm := make([]byte, ctx.PacketSize())
	_, err := rand.Read(pcm)
	require.NoError(t, err)

	frames, err := s.SendPacket(bytes.NewReader(pcm))
	require.NoError(t, err)
	require.Equal(t, raop.FramesPerPacket, frames)

	buf := make([]byte, 2000)
	n, err := receiver.Read(buf)
	require.NoError(t, err)

	hdr, err := packet.DecodeAudioPacketHeader(buf[:12], false)
	require.NoError(t, err)
	require.Equal(t, byte(0x80), hdr.Proto)
	require.Equal(t, byte(firstPacketType), hdr.Type)
	require.Equal(t, uint32(0xAABBCCDD), hdr.SSRC)

	decoded, err := alac.Decode(buf[12:n])
	require.NoError(t, err)
	require.Equal(t, pcm, decoded)

	require.Len(t, backlog.entries, 1)
	require.Contains(t, backlog.entries, hdr.Seqno)
}

func TestSendPacketSecondPacketUsesLaterType(t *testing.T) {
	conn, receiver := connectedLoopback(t)
	defer conn.Close()
	defer receiver.Close()

	ctx := newTestContext()
	s := New(conn, newFakeBacklog(), ctx, false, nil, 1)

	pcm := make([]byte, ctx.PacketSize())
	_, err := s.SendPacket(bytes.NewReader(pcm))
	require.NoError(t, err)
	_, err = s.SendPacket(bytes.NewReader(pcm))
	require.NoError(t, err)

	buf := make([]byte, 2000)
	_, err = receiver.Read(buf) // discard first packet
	require.NoError(t, err)
	n, err := receiver.Read(buf)
	require.NoError(t, err)

	hdr, err := packet.DecodeAudioPacketHeader(buf[:12], false)
	require.NoError(t, err)
	require.Equal(t, byte(laterPacketType), hdr.Type)
	_ = n
}

func TestSendPacketAirPlay2EncryptsRawPCM(t *testing.T) {
	conn, receiver := connectedLoopback(t)
	defer conn.Close()
	defer receiver.Close()

	ctx := newTestContext()

	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	aead, err := NewCipherKey(key[:])
	require.NoError(t, err)

	s := New(conn, newFakeBacklog(), ctx, true, aead, 42)

	pcm := make([]byte, ctx.PacketSize())
	_, err = rand.Read(pcm)
	require.NoError(t, err)

	_, err = s.SendPacket(bytes.NewReader(pcm))
	require.NoError(t, err)

	buf := make([]byte, 2000)
	n, err := receiver.Read(buf)
	require.NoError(t, err)

	header := buf[:12]
	rest := buf[12:n]
	nonceTail := rest[len(rest)-8:]
	ciphertext := rest[:len(rest)-8]

	nonce := make([]byte, 12)
	copy(nonce[4:], nonceTail)

	plain, err := aead.Open(nil, nonce, ciphertext, header[4:12])
	require.NoError(t, err)
	require.Equal(t, pcm, plain)
}

func TestSendPacketSignalsDoneAfterLatencyPadding(t *testing.T) {
	conn, receiver := connectedLoopback(t)
	defer conn.Close()
	defer receiver.Close()

	ctx := newTestContext()
	s := New(conn, newFakeBacklog(), ctx, false, nil, 0)

	emptySource := bytes.NewReader(nil)
	buf := make([]byte, 2000)

	for {
		frames, err := s.SendPacket(emptySource)
		require.NoError(t, err)
		if frames == 0 {
			break
		}
		_, err = receiver.Read(buf)
		require.NoError(t, err)
	}

	require.GreaterOrEqual(t, ctx.PaddingSent(), int(ctx.Latency))
}
