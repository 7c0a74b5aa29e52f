//go:build !windows

package client

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/postlund/goraop/internal/logger"
)

// dscpExpeditedForwarding is the DSCP "EF" (expedited forwarding) class
// point, shifted into the IP_TOS byte's top six bits, the same class
// real-time audio senders mark their packets with.
const dscpExpeditedForwarding = 0x2E << 2

// markExpeditedForwarding best-effort marks conn's outgoing packets with
// the expedited-forwarding DSCP class. Failure is not fatal: plenty of
// networks ignore or strip the field entirely, and this is an
// optimization, not a correctness requirement.
func markExpeditedForwarding(conn *net.UDPConn, log logger.Writer) {
	raw, err := conn.SyscallConn()
	if err != nil {
		log.Log(logger.Debug, "client: could not set DSCP expedited-forwarding on audio socket: %v", err)
		return
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscpExpeditedForwarding)
	})
	if err != nil {
		sockErr = err
	}
	if sockErr != nil {
		log.Log(logger.Debug, "client: could not set DSCP expedited-forwarding on audio socket: %v", sockErr)
	}
}
