package raop

import "time"

// Settings configures a streaming session. Zero value is not usable;
// construct via DefaultSettings and override fields as needed.
type Settings struct {
	// Password is the receiver password used for digest authentication
	// when ANNOUNCE is answered with a 401. The client does not read this
	// field; ANNOUNCE uses the password passed to protocol.NewAirPlayV1.
	Password string

	// Credentials names the pairing/verification family. Defaults to
	// NoCredentials, meaning no verification and no encryption. The client
	// does not read this field; Pair-Verify uses the credentials passed to
	// protocol.NewAirPlayV1 or protocol.NewAirPlayV2.
	Credentials Credentials

	// ControlTimeout bounds how long an RTSP request waits for its
	// matching CSeq response before the request fails with ErrProtocol.
	ControlTimeout time.Duration

	// SyncInterval is how often a sync packet is sent on the control
	// channel while streaming.
	SyncInterval time.Duration

	// StatusInterval is not read by the client: the /feedback poll runs
	// every 25s on AirPlay 1 (once the receiver answers the first probe)
	// and every 2s on AirPlay 2, whatever this is set to.
	StatusInterval time.Duration

	// VolumeStart is the initial playback volume, in the -30..0 dB range
	// (or -144.0 for mute), sent with SET_PARAMETER.
	VolumeStart float64
}

// DefaultSettings returns Settings populated with the same defaults a
// plain `raop://` sender would use when the caller supplies none.
func DefaultSettings() Settings {
	return Settings{
		Credentials:    NoCredentials,
		ControlTimeout: 4 * time.Second,
		SyncInterval:   1 * time.Second,
		StatusInterval: 2 * time.Second,
		VolumeStart:    -30.0,
	}
}
