package analyzer

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownZone is returned for a zone abbreviation the configured location
// does not define. time.Parse would read it as UTC.
var ErrUnknownZone = errors.New("unknown time zone abbreviation")

const abbrevLayout = "2006-01-02 15:04:05 MST"

// PostgreSQL writes log timestamps as "2006-01-02 15:04:05.000 MST". The zone
// is an abbreviation, or a numeric offset when the zone has none. Fractional
// seconds are accepted by every layout.
// Numeric layouts go first: the abbreviation layout would accept "+03" with
// a zero offset.
var logTimeLayouts = []string{
	"2006-01-02 15:04:05 -07:00",
	"2006-01-02 15:04:05 -07",
	abbrevLayout,
	"2006-01-02 15:04:05",
}

// ParseLogTime parses a PostgreSQL log timestamp. Zone abbreviations are
// resolved against loc when it is non-nil, otherwise against UTC; UTC and GMT
// are always known. An abbreviation loc does not define wraps ErrUnknownZone.
// The result is in UTC.
func ParseLogTime(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range logTimeLayouts {
		t, err := time.ParseInLocation(layout, value, loc)
		if err != nil {
			continue
		}
		if layout == abbrevLayout && !knownZone(t, loc) {
			name, _ := t.Zone()
			return time.Time{}, fmt.Errorf("log timestamp %q: %w %s in %s (set ingest.timezone)", value, ErrUnknownZone, name, loc)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized log timestamp %q", value)
}

// knownZone reports whether the abbreviation of t was resolved by loc. For
// other abbreviations the time package makes up a zero-offset zone.
func knownZone(t time.Time, loc *time.Location) bool {
	if t.Location() == loc || t.Location() == time.UTC {
		return true
	}
	name, _ := t.Zone()
	return strings.HasPrefix(name, "GMT")
}
