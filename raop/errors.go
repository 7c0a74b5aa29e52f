package raop

import "errors"

// Error kinds returned by this module, per the taxonomy a caller of
// send_audio can observe. Wrap these with fmt.Errorf("...: %w", ...) for
// context; callers should match with errors.Is.
var (
	// ErrAuthentication covers SRP proof mismatches, RTSP 401/403
	// responses, AES-GCM tag failures, and malformed credentials.
	ErrAuthentication = errors.New("raop: authentication failed")

	// ErrProtocol covers malformed packets, unexpected RTSP statuses,
	// CSeq timeouts, and invalid TXT audio properties.
	ErrProtocol = errors.New("raop: protocol error")

	// ErrNotSupported covers operations unavailable on the active
	// pairing/verification channel, e.g. requesting encryption keys
	// from a legacy Pair-Verify.
	ErrNotSupported = errors.New("raop: not supported")

	// ErrInvalidState covers API misuse, e.g. streaming before
	// Initialize, or reconfiguring mid-stream.
	ErrInvalidState = errors.New("raop: invalid state")

	// ErrPlayback covers receiver-side playback failures.
	ErrPlayback = errors.New("raop: playback error")

	// ErrConnectionLost covers TCP resets and UDP host-unreachable
	// conditions.
	ErrConnectionLost = errors.New("raop: connection lost")
)
