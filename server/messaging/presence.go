package messaging

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Status is the presence state announced for an identity.
type Status int

const (
	StatusConnected Status = iota + 1
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case StatusConnected, StatusDisconnected:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("unknown presence status %d", int(s))
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "connected":
		*s = StatusConnected
	case "disconnected":
		*s = StatusDisconnected
	default:
		return fmt.Errorf("unknown presence status %q", b)
	}
	return nil
}

// PresenceEvent is the record published to the user state queue on every
// connect and disconnect.
type PresenceEvent struct {
	ID         string `json:"ID"`
	Status     Status `json:"STATUS"`
	ServerInfo string `json:"SERVER_INFO"`
}

func DecodePresence(body []byte) (PresenceEvent, error) {
	var ev PresenceEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, err
	}
	if ev.ID == "" || ev.Status == 0 {
		return ev, fmt.Errorf("incomplete presence event %q", body)
	}
	return ev, nil
}
