// Package control implements the RAOP control endpoint: a UDP socket that
// periodically emits sync packets and answers retransmit requests from the
// packet backlog.
package control

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/postlund/goraop/internal/logger"
	"github.com/postlund/goraop/raop"
	"github.com/postlund/goraop/raop/packet"
	"github.com/postlund/goraop/raop/timing"
)

// SyncInterval is the nominal spacing between outbound sync packets;
// jitter is acceptable since the embedded timestamp is authoritative.
const SyncInterval = 1 * time.Second

// Backlog is the read side of the audio sender's packet backlog, queried
// when a retransmit request names a missing sequence number.
type Backlog interface {
	Get(seqno uint16) ([]byte, bool)
}

// Endpoint owns a bound UDP socket, emits periodic sync packets while
// streaming, and answers retransmit requests out of the backlog.
type Endpoint struct {
	conn    *net.UDPConn
	log     logger.Writer
	backlog Backlog

	mu           sync.Mutex
	running      bool
	syncInterval time.Duration
	cancel       context.CancelFunc
	done         chan struct{}
}

// Bind opens a UDP socket on localAddr (port 0 for an ephemeral port) to
// serve as the control endpoint.
func Bind(localAddr net.IP, backlog Backlog, log logger.Writer) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localAddr, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	e := &Endpoint{conn: conn, backlog: backlog, log: log}
	go e.readLoop()
	return e, nil
}

// Port returns the locally bound UDP port, to report to the receiver via
// the SETUP Transport header.
func (e *Endpoint) Port() int {
	return e.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetSyncInterval overrides the spacing between outbound sync packets
// for this endpoint. A zero duration restores SyncInterval.
func (e *Endpoint) SetSyncInterval(d time.Duration) {
	e.mu.Lock()
	e.syncInterval = d
	e.mu.Unlock()
}

// Close releases the socket and stops the sync task if running.
func (e *Endpoint) Close() error {
	e.StopSync()
	return e.conn.Close()
}

// StartSync begins emitting a SyncPacket toward remote every SyncInterval,
// until StopSync is called or the endpoint is closed.
func (e *Endpoint) StartSync(remote *net.UDPAddr, sc *raop.StreamContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.syncLoop(loopCtx, remote, sc)
}

// StopSync cancels the outbound sync task, if running.
func (e *Endpoint) StopSync() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.running = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (e *Endpoint) syncLoop(ctx context.Context, remote *net.UDPAddr, sc *raop.StreamContext) {
	defer close(e.done)

	e.mu.Lock()
	interval := e.syncInterval
	e.mu.Unlock()
	if interval <= 0 {
		interval = SyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	firstPacket := true
	for {
		e.sendSync(remote, sc, firstPacket)
		firstPacket = false

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Endpoint) sendSync(remote *net.UDPAddr, sc *raop.StreamContext, firstPacket bool) {
	proto := byte(0x80)
	if firstPacket {
		proto = 0x90
	}

	ntpNow := timing.ToNTP(sc.HeadTimestamp(), uint32(sc.SampleRate))
	sec, frac := timing.Parts(ntpNow)

	p := packet.SyncPacket{
		RtpHeader: packet.RtpHeader{
			Proto: proto,
			Type:  0xD4,
			Seqno: 0x0007,
		},
		NowWithoutLatency: sc.Rtptime() - sc.Latency,
		LastSyncSec:       sec,
		LastSyncFrac:      frac,
		Now:               sc.Rtptime(),
	}

	if _, err := e.conn.WriteToUDP(packet.EncodeSyncPacket(p), remote); err != nil {
		e.log.Log(logger.Warn, "control: failed to send sync packet: %v", err)
	}
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		e.handleDatagram(append([]byte(nil), buf[:n]...), addr)
	}
}

func (e *Endpoint) handleDatagram(data []byte, addr *net.UDPAddr) {
	if len(data) < 2 {
		return
	}
	actualType := data[1] &^ 0x80
	if actualType != 0x55 {
		e.log.Log(logger.Debug, "control: received unhandled datagram from %s: %x", addr, data)
		return
	}

	req, err := packet.DecodeRetransmitRequest(data, false)
	if err != nil {
		e.log.Log(logger.Debug, "control: malformed retransmit request from %s: %v", addr, err)
		return
	}
	e.retransmit(req, addr)
}

func (e *Endpoint) retransmit(req packet.RetransmitRequest, addr *net.UDPAddr) {
	for i := uint16(0); i < req.LostPackets; i++ {
		seqno := req.LostSeqno + i
		original, ok := e.backlog.Get(seqno)
		if !ok {
			e.log.Log(logger.Debug, "control: packet %d not in backlog", seqno)
			continue
		}

		resp := make([]byte, 0, len(original)+4)
		resp = append(resp, 0x80, 0xD6)
		resp = append(resp, original[2:4]...) // original seqno, copied verbatim
		resp = append(resp, original...)

		if _, err := e.conn.WriteToUDP(resp, addr); err != nil {
			e.log.Log(logger.Warn, "control: failed to send retransmit reply: %v", err)
		}
	}
}
