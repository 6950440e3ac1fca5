package notify

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders pending messages: higher goes first.
type Priority uint8

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid priority: %q", s)
}

// The zero value encodes as an empty string, and an empty string decodes
// back to it.
func (p Priority) MarshalText() ([]byte, error) {
	if p == 0 {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*p = 0
		return nil
	}
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Status uint8

const (
	StatusPending Status = iota + 1
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func ParseStatus(s string) (Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, st := range []Status{StatusPending, StatusDelivered, StatusFailed} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("invalid delivery status: %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	if s == 0 {
		return []byte{}, nil
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = 0
		return nil
	}
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Recipient is someone to notify, and how.
type Recipient struct {
	Name    string `yaml:"name"    json:"name"`
	Channel string `yaml:"channel" json:"channel"`
	Address string `yaml:"address" json:"address"`
}

type Payload struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	IncidentID string `json:"incident_id,omitempty"`
	Class      string `json:"class,omitempty"`
}

// Message is one delivery to one recipient over one channel.
type Message struct {
	ID        string    `json:"id"`
	Recipient Recipient `json:"recipient"`
	Channel   string    `json:"channel"`
	Priority  Priority  `json:"priority"`
	Payload   Payload   `json:"payload"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
