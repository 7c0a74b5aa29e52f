// Package packet encodes and decodes the fixed-field, big-endian RTP-like
// records RAOP sends over its UDP sidechannels and audio socket.
package packet

import (
	"encoding/binary"
	"fmt"
)

// RtpHeader is the common three-field header every packet in this package
// starts with.
type RtpHeader struct {
	Proto byte
	Type  byte
	Seqno uint16
}

const rtpHeaderSize = 4

func encodeRtpHeader(b []byte, h RtpHeader) {
	b[0] = h.Proto
	b[1] = h.Type
	binary.BigEndian.PutUint16(b[2:4], h.Seqno)
}

func decodeRtpHeader(b []byte) RtpHeader {
	return RtpHeader{
		Proto: b[0],
		Type:  b[1],
		Seqno: binary.BigEndian.Uint16(b[2:4]),
	}
}

func checkLen(b []byte, want int, allowExcessive bool) error {
	if len(b) < want || (!allowExcessive && len(b) != want) {
		return fmt.Errorf("packet: invalid length %d, want %d", len(b), want)
	}
	return nil
}

// TimingPacket carries the three (sec, frac) NTP timestamp pairs exchanged
// with the timing endpoint.
type TimingPacket struct {
	RtpHeader
	Padding  uint32
	RefSec   uint32
	RefFrac  uint32
	RecvSec  uint32
	RecvFrac uint32
	SendSec  uint32
	SendFrac uint32
}

const timingPacketSize = rtpHeaderSize + 4*7

// EncodeTimingPacket serializes a TimingPacket.
func EncodeTimingPacket(p TimingPacket) []byte {
	b := make([]byte, timingPacketSize)
	encodeRtpHeader(b, p.RtpHeader)
	binary.BigEndian.PutUint32(b[4:8], p.Padding)
	binary.BigEndian.PutUint32(b[8:12], p.RefSec)
	binary.BigEndian.PutUint32(b[12:16], p.RefFrac)
	binary.BigEndian.PutUint32(b[16:20], p.RecvSec)
	binary.BigEndian.PutUint32(b[20:24], p.RecvFrac)
	binary.BigEndian.PutUint32(b[24:28], p.SendSec)
	binary.BigEndian.PutUint32(b[28:32], p.SendFrac)
	return b
}

// DecodeTimingPacket parses a TimingPacket. If allowExcessive is false, b
// must be exactly the packet size.
func DecodeTimingPacket(b []byte, allowExcessive bool) (TimingPacket, error) {
	if err := checkLen(b, timingPacketSize, allowExcessive); err != nil {
		return TimingPacket{}, err
	}
	return TimingPacket{
		RtpHeader: decodeRtpHeader(b),
		Padding:   binary.BigEndian.Uint32(b[4:8]),
		RefSec:    binary.BigEndian.Uint32(b[8:12]),
		RefFrac:   binary.BigEndian.Uint32(b[12:16]),
		RecvSec:   binary.BigEndian.Uint32(b[16:20]),
		RecvFrac:  binary.BigEndian.Uint32(b[20:24]),
		SendSec:   binary.BigEndian.Uint32(b[24:28]),
		SendFrac:  binary.BigEndian.Uint32(b[28:32]),
	}, nil
}

// SyncPacket is emitted periodically by the control endpoint to let the
// receiver align its clock.
type SyncPacket struct {
	RtpHeader
	NowWithoutLatency uint32
	LastSyncSec       uint32
	LastSyncFrac      uint32
	Now               uint32
}

const syncPacketSize = rtpHeaderSize + 4*4

// EncodeSyncPacket serializes a SyncPacket.
func EncodeSyncPacket(p SyncPacket) []byte {
	b := make([]byte, syncPacketSize)
	encodeRtpHeader(b, p.RtpHeader)
	binary.BigEndian.PutUint32(b[4:8], p.NowWithoutLatency)
	binary.BigEndian.PutUint32(b[8:12], p.LastSyncSec)
	binary.BigEndian.PutUint32(b[12:16], p.LastSyncFrac)
	binary.BigEndian.PutUint32(b[16:20], p.Now)
	return b
}

// DecodeSyncPacket parses a SyncPacket.
func DecodeSyncPacket(b []byte, allowExcessive bool) (SyncPacket, error) {
	if err := checkLen(b, syncPacketSize, allowExcessive); err != nil {
		return SyncPacket{}, err
	}
	return SyncPacket{
		RtpHeader:         decodeRtpHeader(b),
		NowWithoutLatency: binary.BigEndian.Uint32(b[4:8]),
		LastSyncSec:       binary.BigEndian.Uint32(b[8:12]),
		LastSyncFrac:      binary.BigEndian.Uint32(b[12:16]),
		Now:               binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// AudioPacketHeader prefixes every audio payload on the wire.
type AudioPacketHeader struct {
	RtpHeader
	Timestamp uint32
	SSRC      uint32
}

const audioPacketHeaderSize = rtpHeaderSize + 4*2

// EncodeAudioPacketHeader serializes an AudioPacketHeader.
func EncodeAudioPacketHeader(p AudioPacketHeader) []byte {
	b := make([]byte, audioPacketHeaderSize)
	encodeRtpHeader(b, p.RtpHeader)
	binary.BigEndian.PutUint32(b[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(b[8:12], p.SSRC)
	return b
}

// DecodeAudioPacketHeader parses an AudioPacketHeader. allowExcessive must
// be true for framed audio packets, since a body follows the header.
func DecodeAudioPacketHeader(b []byte, allowExcessive bool) (AudioPacketHeader, error) {
	if err := checkLen(b, audioPacketHeaderSize, allowExcessive); err != nil {
		return AudioPacketHeader{}, err
	}
	return AudioPacketHeader{
		RtpHeader: decodeRtpHeader(b),
		Timestamp: binary.BigEndian.Uint32(b[4:8]),
		SSRC:      binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// RetransmitRequest is sent by the receiver over the control channel when
// it detects a gap in the sequence numbers it has received.
type RetransmitRequest struct {
	RtpHeader
	LostSeqno   uint16
	LostPackets uint16
}

const retransmitRequestSize = rtpHeaderSize + 2*2

// EncodeRetransmitRequest serializes a RetransmitRequest.
func EncodeRetransmitRequest(p RetransmitRequest) []byte {
	b := make([]byte, retransmitRequestSize)
	encodeRtpHeader(b, p.RtpHeader)
	binary.BigEndian.PutUint16(b[4:6], p.LostSeqno)
	binary.BigEndian.PutUint16(b[6:8], p.LostPackets)
	return b
}

// DecodeRetransmitRequest parses a RetransmitRequest.
func DecodeRetransmitRequest(b []byte, allowExcessive bool) (RetransmitRequest, error) {
	if err := checkLen(b, retransmitRequestSize, allowExcessive); err != nil {
		return RetransmitRequest{}, err
	}
	return RetransmitRequest{
		RtpHeader:   decodeRtpHeader(b),
		LostSeqno:   binary.BigEndian.Uint16(b[4:6]),
		LostPackets: binary.BigEndian.Uint16(b[6:8]),
	}, nil
}

// DataFrame is the AirPlay 2 remote-control channel framing: a 4-byte
// length prefix, a 12-byte message type, a 4-byte command, a 64-bit
// sequence number and 4 bytes of padding.
type DataFrame struct {
	Size        uint32
	MessageType [12]byte
	Command     [4]byte
	Seqno       uint64
	Padding     uint32
}

const dataFrameSize = 4 + 12 + 4 + 8 + 4

// EncodeDataFrame serializes a DataFrame.
func EncodeDataFrame(f DataFrame) []byte {
	b := make([]byte, dataFrameSize)
	binary.BigEndian.PutUint32(b[0:4], f.Size)
	copy(b[4:16], f.MessageType[:])
	copy(b[16:20], f.Command[:])
	binary.BigEndian.PutUint64(b[20:28], f.Seqno)
	binary.BigEndian.PutUint32(b[28:32], f.Padding)
	return b
}

// DecodeDataFrame parses a DataFrame.
func DecodeDataFrame(b []byte, allowExcessive bool) (DataFrame, error) {
	if err := checkLen(b, dataFrameSize, allowExcessive); err != nil {
		return DataFrame{}, err
	}
	var f DataFrame
	f.Size = binary.BigEndian.Uint32(b[0:4])
	copy(f.MessageType[:], b[4:16])
	copy(f.Command[:], b[16:20])
	f.Seqno = binary.BigEndian.Uint64(b[20:28])
	f.Padding = binary.BigEndian.Uint32(b[28:32])
	return f, nil
}
