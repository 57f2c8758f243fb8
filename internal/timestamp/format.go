package timestamp

import (
	"fmt"
	"time"
)

// Parse reads an ISO-8601 timestamp in Layout or any RFC 3339 form.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Format renders t in Layout.
func Format(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(Layout)
}

// Time returns the issued instant.
func (r Record) Time() time.Time {
	t, err := Parse(r.Timestamp)
	if err != nil {
		return time.UnixMicro(r.UnixMicros()).UTC()
	}
	return t
}

func (r Record) ISO() string {
	return r.Timestamp
}

func (r Record) UnixSeconds() int64 {
	return r.UnixMicros() / 1e6
}

func (r Record) UnixMillis() int64 {
	return r.UnixMicros() / 1e3
}

// UnixMicros is exact: records never carry sub-microsecond precision.
func (r Record) UnixMicros() int64 {
	if t, err := Parse(r.Timestamp); err == nil {
		return t.UnixMicro()
	}
	return int64(r.UnixTime*1e6 + 0.5)
}
