package exfat

import (
	"time"
)

// Clock provides the wall-clock time for directory entry timestamps.
// A Volume uses the system clock unless WithClock configures another one.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant. It is the stub for builds
// without a usable clock source and pins timestamps in tests.
type FixedClock struct {
	Time time.Time
}

func (c FixedClock) Now() time.Time { return c.Time }

// ParseTimestamp reads a 32-bit exFAT timestamp like it is specified in the
// specification:
//
//	Bits 0–4:   2-second count, valid value range 0–29 (0 – 58 seconds).
//	Bits 5–10:  Minutes, valid value range 0–59.
//	Bits 11–15: Hours, valid value range 0–23.
//	Bits 16–20: Day of month, valid value range 1–31.
//	Bits 21–24: Month of year, 1 = January, valid value range 1–12.
//	Bits 25–31: Count of years from 1980, valid value range 0–127.
//
// tenMs adds 0 to 199 hundredths of a second on top of the 2-second
// granularity. utcOffset holds the offset from UTC in 15-minute increments
// in its low 7 bits (two's complement); bit 7 marks the field as valid.
//
// As a day or month of 0 is invalid in the specification, time.Time{} is
// returned in that case so that time.Time.IsZero() can be used.
func ParseTimestamp(timestamp uint32, tenMs uint8, utcOffset uint8) time.Time {
	doubleSeconds := timestamp & 0x1F
	minute := timestamp >> 5 & 0x3F
	hour := timestamp >> 11 & 0x1F
	day := timestamp >> 16 & 0x1F
	month := timestamp >> 21 & 0x0F
	year := 1980 + (timestamp >> 25 & 0x7F)

	if day == 0 || month == 0 {
		return time.Time{}
	}

	location := time.UTC
	if utcOffset&0x80 != 0 {
		// Sign-extend the 7-bit count of 15-minute increments.
		increments := int(int8(utcOffset<<1) >> 1)
		if increments != 0 {
			location = time.FixedZone("", increments*15*60)
		}
	}

	nanos := int(tenMs%100) * 10 * int(time.Millisecond)
	seconds := int(doubleSeconds)*2 + int(tenMs/100)
	return time.Date(int(year), time.Month(month), int(day), int(hour), int(minute), seconds, nanos, location)
}

// NewTimestamp encodes t into the exFAT on-disk timestamp triple.
// Years outside 1980–2107 are clamped to the representable range.
func NewTimestamp(t time.Time) (timestamp uint32, tenMs uint8, utcOffset uint8) {
	year := t.Year()
	switch {
	case year < 1980:
		t = time.Date(1980, time.January, 1, 0, 0, 0, 0, t.Location())
		year = 1980
	case year > 2107:
		t = time.Date(2107, time.December, 31, 23, 59, 58, 0, t.Location())
		year = 2107
	}

	timestamp = uint32(t.Second()/2) |
		uint32(t.Minute())<<5 |
		uint32(t.Hour())<<11 |
		uint32(t.Day())<<16 |
		uint32(t.Month())<<21 |
		uint32(year-1980)<<25

	tenMs = uint8(t.Second()%2)*100 + uint8(t.Nanosecond()/int(10*time.Millisecond))

	_, offsetSeconds := t.Zone()
	utcOffset = uint8(offsetSeconds/(15*60))&0x7F | 0x80
	return timestamp, tenMs, utcOffset
}
