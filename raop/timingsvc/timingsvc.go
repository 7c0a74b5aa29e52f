// Package timingsvc implements the RAOP timing endpoint: a UDP socket
// that passively echoes back the current NTP time for every timing
// request it receives, letting the receiver estimate clock offset.
package timingsvc

import (
	"net"

	"github.com/postlund/goraop/internal/logger"
	"github.com/postlund/goraop/raop/packet"
	"github.com/postlund/goraop/raop/timing"
)

// Endpoint owns a bound UDP socket answering timing requests.
type Endpoint struct {
	conn *net.UDPConn
	log  logger.Writer
}

// Bind opens a UDP socket on localAddr (port 0 for an ephemeral port) to
// serve as the timing endpoint.
func Bind(localAddr net.IP, log logger.Writer) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localAddr, Port: 0})
	if err != nil {
		return nil, err
	}
	e := &Endpoint{conn: conn, log: log}
	go e.readLoop()
	return e, nil
}

// Port returns the locally bound UDP port, to report to the receiver via
// the SETUP Transport header.
func (e *Endpoint) Port() int {
	return e.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close releases the socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
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
	req, err := packet.DecodeTimingPacket(data, false)
	if err != nil {
		e.log.Log(logger.Debug, "timingsvc: malformed timing request from %s: %v", addr, err)
		return
	}

	recvSec, recvFrac := timing.Parts(timing.Now())

	resp := packet.TimingPacket{
		RtpHeader: packet.RtpHeader{
			Proto: req.Proto,
			Type:  0x53 | 0x80,
			Seqno: 7,
		},
		Padding:  0,
		RefSec:   req.SendSec,
		RefFrac:  req.SendFrac,
		RecvSec:  recvSec,
		RecvFrac: recvFrac,
		SendSec:  recvSec,
		SendFrac: recvFrac,
	}

	if _, err := e.conn.WriteToUDP(packet.EncodeTimingPacket(resp), addr); err != nil {
		e.log.Log(logger.Warn, "timingsvc: failed to send timing reply: %v", err)
	}
}
