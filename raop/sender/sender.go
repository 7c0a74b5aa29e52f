// Package sender implements the RAOP audio endpoint: it packetizes PCM
// audio into RTP-framed records, optionally ALAC- or ChaCha20-Poly1305-
// encrypted depending on the protocol generation, and emits them over a
// connected UDP socket while keeping a backlog for retransmission.
package sender

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"io"
	"net"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/postlund/goraop/raop"
	"github.com/postlund/goraop/raop/alac"
	"github.com/postlund/goraop/raop/packet"
)

// audioPacketHeaderSize is the fixed header size in front of every audio
// packet's body: 4-byte RTP header, 4-byte timestamp, 4-byte SSRC.
const audioPacketHeaderSize = 12

// firstPacketType and laterPacketType are the RTP marker-bit-bearing type
// bytes a sender uses for the opening packet of a stream versus every
// packet after it.
const (
	firstPacketType = 0xE0
	laterPacketType = 0x60
)

// NewCipherKey wraps a 32-byte key derived during setup into the AEAD used
// to encrypt AirPlay 2 audio packets. Audio only flows sender-to-receiver,
// so a single key (not a pair) is all that's needed.
func NewCipherKey(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

// Backlog is the write side of the retransmission cache; the control
// endpoint reads from the same underlying store.
type Backlog interface {
	Put(seqno uint16, data []byte) error
}

// Sender packetizes and emits audio for a single stream.
type Sender struct {
	conn     *net.UDPConn
	backlog  Backlog
	ctx      *raop.StreamContext
	airplay2 bool
	aead     cipher.AEAD

	sessionID   uint32
	firstPacket bool
	nonceSeq    uint64
}

// New creates a Sender bound to a connected UDP socket. aead is nil for
// AirPlay 1 streams (ALAC framing, no encryption); for AirPlay 2 it is the
// ChaCha20-Poly1305 AEAD returned by NewCipherKey.
func New(conn *net.UDPConn, backlog Backlog, ctx *raop.StreamContext, airplay2 bool, aead cipher.AEAD, sessionID uint32) *Sender {
	return &Sender{
		conn:        conn,
		backlog:     backlog,
		ctx:         ctx,
		airplay2:    airplay2,
		aead:        aead,
		sessionID:   sessionID,
		firstPacket: true,
	}
}

// SendPacket reads one packet's worth of audio from source, builds and
// sends the RTP-framed (and optionally encrypted) packet, and records it
// in the backlog. It returns 0 once enough silence has been sent to cover
// the stream's latency, signalling the caller that playback is complete.
func (s *Sender) SendPacket(source io.Reader) (int, error) {
	if s.ctx.PaddingSent() >= int(s.ctx.Latency) {
		return 0, nil
	}

	buf := make([]byte, s.ctx.PacketSize())
	_, err := io.ReadFull(source, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		// Nothing left to read: the rest of buf is already zeroed by make.
		s.ctx.AddPadding(raop.FramesPerPacket)
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Partial frame: the bytes read are real, the remainder is already zero.
	default:
		return 0, err
	}

	packetType := byte(laterPacketType)
	if s.firstPacket {
		packetType = firstPacketType
		s.firstPacket = false
	}

	seqno, rtptime := s.ctx.AdvancePacket(raop.FramesPerPacket)
	header := packet.EncodeAudioPacketHeader(packet.AudioPacketHeader{
		RtpHeader: packet.RtpHeader{Proto: 0x80, Type: packetType, Seqno: seqno},
		Timestamp: rtptime,
		SSRC:      s.sessionID,
	})

	body, err := s.encodeBody(buf, header)
	if err != nil {
		return 0, err
	}

	full := append(header, body...)
	if err := s.backlog.Put(seqno, full); err != nil {
		return 0, err
	}

	if _, err := s.conn.Write(full); err != nil {
		return 0, err
	}
	return raop.FramesPerPacket, nil
}

func (s *Sender) encodeBody(pcm, header []byte) ([]byte, error) {
	var body []byte
	if s.airplay2 {
		body = pcm
	} else {
		encoded, err := alac.Encode(pcm, s.ctx.Channels)
		if err != nil {
			return nil, err
		}
		body = encoded
	}

	if s.aead == nil {
		return body, nil
	}

	nonce := make([]byte, 12)
	binary.LittleEndian.PutUint64(nonce[4:], s.nonceSeq)
	s.nonceSeq++

	aad := header[4:audioPacketHeaderSize]
	sealed := s.aead.Seal(nil, nonce, body, aad)
	return append(sealed, nonce[4:]...), nil
}
