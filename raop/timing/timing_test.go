package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	require.Equal(t, uint32(44100), ToTimestamp(ToNTP(44100, 44100), 44100))
}

func TestRoundTripTable(t *testing.T) {
	for _, rate := range []uint32{8000, 16000, 44100, 48000, 96000} {
		for _, ts := range []uint32{0, 1, 352, 100000, 1 << 20} {
			got := ToTimestamp(ToNTP(ts, rate), rate)
			require.Equal(t, ts, got, "rate=%d ts=%d", rate, ts)
		}
	}
}

func TestPartsRoundTrip(t *testing.T) {
	ntp := Now()
	sec, frac := Parts(ntp)
	require.Equal(t, ntp, FromParts(sec, frac))
}

func TestNow(t *testing.T) {
	old := nowFunc
	defer func() { nowFunc = old }()

	nowFunc = func() time.Time { return time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC) }
	sec, frac := Parts(Now())
	require.Equal(t, uint32(epochOffset), sec)
	require.Equal(t, uint32(0), frac)
}
