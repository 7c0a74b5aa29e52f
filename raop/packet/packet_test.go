package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncPacketShape(t *testing.T) {
	// §8 scenario 2: head_ts=10000, start_ts=5000, latency=66150,
	// sample_rate=44100. rtptime = head_ts - (start_ts - latency) = 71150.
	rtptime := uint32(10000 - (5000 - 66150))
	require.Equal(t, uint32(71150), rtptime)

	p := SyncPacket{
		RtpHeader:         RtpHeader{Proto: 0x90, Type: 0xD4, Seqno: 0x0007},
		NowWithoutLatency: rtptime - 66150,
		Now:               rtptime,
	}
	require.Equal(t, uint32(5000), p.NowWithoutLatency)

	b := EncodeSyncPacket(p)
	require.Equal(t, []byte{0x90, 0xD4, 0x00, 0x07}, b[0:4])

	decoded, err := DecodeSyncPacket(b, false)
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestRetransmitRequestCodec(t *testing.T) {
	req := RetransmitRequest{
		RtpHeader:   RtpHeader{Proto: 0x80, Type: 0x55, Seqno: 0},
		LostSeqno:   100,
		LostPackets: 2,
	}
	b := EncodeRetransmitRequest(req)
	decoded, err := DecodeRetransmitRequest(b, false)
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestAudioPacketHeaderFirstVsSubsequent(t *testing.T) {
	first := EncodeAudioPacketHeader(AudioPacketHeader{
		RtpHeader: RtpHeader{Proto: 0x80, Type: 0xE0, Seqno: 1},
	})
	require.Equal(t, byte(0xE0), first[1])

	subsequent := EncodeAudioPacketHeader(AudioPacketHeader{
		RtpHeader: RtpHeader{Proto: 0x80, Type: 0x60, Seqno: 2},
	})
	require.Equal(t, byte(0x60), subsequent[1])
}

func TestDecodeAllowExcessive(t *testing.T) {
	b := EncodeAudioPacketHeader(AudioPacketHeader{RtpHeader: RtpHeader{Proto: 0x80, Type: 0x60, Seqno: 9}})
	b = append(b, []byte{1, 2, 3, 4}...)

	_, err := DecodeAudioPacketHeader(b, false)
	require.Error(t, err)

	hdr, err := DecodeAudioPacketHeader(b, true)
	require.NoError(t, err)
	require.Equal(t, uint16(9), hdr.Seqno)
}

func TestTimingPacketReply(t *testing.T) {
	// §8 scenario 4: reply echoes proto, type=0x53|0x80, seqno=7, padding=0,
	// reftime = request's sendtime.
	req := TimingPacket{
		RtpHeader: RtpHeader{Proto: 0x52, Type: 0x52, Seqno: 7},
		SendSec:   111, SendFrac: 222,
	}
	reply := TimingPacket{
		RtpHeader: RtpHeader{Proto: req.Proto, Type: 0x53 | 0x80, Seqno: 7},
		RefSec:    req.SendSec, RefFrac: req.SendFrac,
		RecvSec: 333, RecvFrac: 444,
		SendSec: 333, SendFrac: 444,
	}
	b := EncodeTimingPacket(reply)
	decoded, err := DecodeTimingPacket(b, false)
	require.NoError(t, err)
	require.Equal(t, reply, decoded)
	require.Equal(t, byte(0xD3), decoded.Type)
}

func TestDataFrameCodec(t *testing.T) {
	f := DataFrame{Size: 42, Seqno: 7}
	copy(f.MessageType[:], "sessionUUID!")
	copy(f.Command[:], "cmd!")

	b := EncodeDataFrame(f)
	decoded, err := DecodeDataFrame(b, false)
	require.NoError(t, err)
	require.Equal(t, f, decoded)
}
