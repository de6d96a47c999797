package escrow

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a transfer.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusActive
	StatusClaimed
	StatusCancelled
	StatusRejected
	StatusDeclined
	StatusExpired
)

var statusNames = [...]string{
	StatusUnknown:   "unknown",
	StatusActive:    "active",
	StatusClaimed:   "claimed",
	StatusCancelled: "cancelled",
	StatusRejected:  "rejected",
	StatusDeclined:  "declined",
	StatusExpired:   "expired",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s >= StatusClaimed && s <= StatusExpired
}

// ParseStatus converts a status name back into a Status.
func ParseStatus(raw string) (Status, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for i, candidate := range statusNames {
		if i != int(StatusUnknown) && candidate == name {
			return Status(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown transfer status %q", raw)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
