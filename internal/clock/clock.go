package clock

import (
	"time"

	"github.com/beevik/ntp"
	"github.com/rs/zerolog"
)

// GPS time = UTC + leap-second offset since the GPS epoch (1980-01-06).
// Trigger and group identifiers are integer GPS seconds, so the offset
// matters: an id derived from raw UTC would collide with nothing but would
// not match what the telescope assigns.
const (
	gpsEpochUnix = 315964800
	gpsUTCOffset = 18
)

// GPS converts a wall-clock instant to integer GPS seconds.
func GPS(t time.Time) int64 {
	return t.Unix() - gpsEpochUnix + gpsUTCOffset
}

// MJD converts a wall-clock instant to a fractional Modified Julian Date.
func MJD(t time.Time) float64 {
	return float64(t.UnixMilli())/86400000.0 + 40587.0
}

// Clock is the instrument time source. When an NTP pool is configured the
// measured offset is folded into every reading; otherwise the local clock is
// trusted as-is.
type Clock struct {
	offset time.Duration
	log    zerolog.Logger
}

// New queries the NTP pool once at construction. A failed query is logged
// and the clock falls back to the local time source.
func New(pool string, log zerolog.Logger) *Clock {
	c := &Clock{log: log}
	if pool == "" {
		return c
	}
	resp, err := ntp.Query(pool)
	if err != nil {
		log.Warn().Err(err).Str("pool", pool).Msg("ntp query failed, using local clock")
		return c
	}
	c.offset = resp.ClockOffset
	log.Info().Dur("offset", resp.ClockOffset).Str("pool", pool).Msg("ntp offset applied")
	return c
}

// Now returns the offset-corrected wall-clock time.
func (c *Clock) Now() time.Time {
	return time.Now().Add(c.offset)
}

// GPSNow returns the current instrument time in integer GPS seconds.
func (c *Clock) GPSNow() int64 {
	return GPS(c.Now())
}

// MJDNow returns the current instrument time as a Modified Julian Date.
func (c *Clock) MJDNow() float64 {
	return MJD(c.Now())
}
