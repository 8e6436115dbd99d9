package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// LoadZone resolves an IANA zone name. An empty name is rejected rather than
// silently mapped to UTC.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("time zone name is empty")
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load time zone '%s': %w", name, err)
	}
	return loc, nil
}

// InZone returns t as wall-clock time in loc, independent of the host zone
func InZone(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc)
}
