//go:build windows

package client

import (
	"net"

	"github.com/postlund/goraop/internal/logger"
)

// markExpeditedForwarding is a no-op on Windows: IP_TOS/DSCP marking via
// setsockopt is unreliable there without administrative QoS policy, so
// this is skipped rather than attempted and silently ignored.
func markExpeditedForwarding(conn *net.UDPConn, log logger.Writer) {}
