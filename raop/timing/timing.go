// Package timing converts between NTP time and RTP-style sample-rate
// timestamps, as used on the RAOP control and timing sidechannels.
package timing

import "time"

// epochOffset is the number of seconds between the NTP epoch (1900-01-01)
// and the Unix epoch (1970-01-01).
const epochOffset = 0x83AA7E80

// nowFunc is a seam so tests can pin the clock; production code never
// overrides it.
var nowFunc = time.Now

// Now returns the current time as a 64-bit NTP timestamp: the high 32 bits
// are seconds since 1900, the low 32 bits are the fractional second scaled
// to 2^32.
func Now() uint64 {
	now := nowFunc()
	us := now.UnixMicro()
	seconds := us / 1_000_000
	frac := us - seconds*1_000_000

	sec := uint64(seconds) + epochOffset
	fracScaled := (uint64(frac) << 32) / 1_000_000
	return (sec << 32) | fracScaled
}

// ToTimestamp converts an NTP timestamp into a timestamp at the given
// sample rate.
func ToTimestamp(ntp uint64, rate uint32) uint32 {
	return uint32(((ntp >> 16) * uint64(rate)) >> 16)
}

// ToNTP converts a sample-rate timestamp into an NTP timestamp.
func ToNTP(ts uint32, rate uint32) uint64 {
	return ((uint64(ts) << 16) / uint64(rate)) << 16
}

// Parts splits a 64-bit NTP timestamp into its 32-bit seconds and
// fractional-seconds halves.
func Parts(ntp uint64) (sec uint32, frac uint32) {
	return uint32(ntp >> 32), uint32(ntp)
}

// FromParts reassembles a 64-bit NTP timestamp from its two halves.
func FromParts(sec, frac uint32) uint64 {
	return (uint64(sec) << 32) | uint64(frac)
}
