package types

import (
	"fmt"
	"strings"
)

// HealthStatus is the engine's ordered health indicator: RED < YELLOW < GREEN.
type HealthStatus int

const (
	// HealthRed means at least one primary shard is unavailable
	HealthRed HealthStatus = iota
	// HealthYellow means all primaries are available but some replicas are not
	HealthYellow
	// HealthGreen means every shard copy is available
	HealthGreen
)

// String returns the lowercase wire name of the status.
func (s HealthStatus) String() string {
	switch s {
	case HealthGreen:
		return "green"
	case HealthYellow:
		return "yellow"
	default:
		return "red"
	}
}

// AtLeast reports whether s is the same as or better than other.
func (s HealthStatus) AtLeast(other HealthStatus) bool {
	return s >= other
}

// ParseHealthStatus parses a wire name (case-insensitive).
func ParseHealthStatus(s string) (HealthStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "green":
		return HealthGreen, nil
	case "yellow":
		return HealthYellow, nil
	case "red":
		return HealthRed, nil
	default:
		return HealthRed, fmt.Errorf("unknown health status %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *HealthStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseHealthStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IndexState is the open/closed state of an index.
type IndexState string

const (
	IndexOpen   IndexState = "open"
	IndexClosed IndexState = "close"
)
