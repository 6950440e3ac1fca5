package emergency

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Status uint8

const (
	StatusPending Status = iota + 1
	StatusAccepted
	StatusUnavailable
)

var statusNames = map[Status]string{
	StatusPending:     "pending",
	StatusAccepted:    "accepted",
	StatusUnavailable: "unavailable",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
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
	for st, name := range statusNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("invalid dispatch status: %q", string(b))
}

// Request is a dispatch of one incident, at one escalation tier, to an
// external responder.
type Request struct {
	IncidentID string    `json:"incident_id"`
	Tier       int       `json:"tier"`
	Target     string    `json:"target"`
	Class      string    `json:"class,omitempty"`
	ZoneID     string    `json:"zone_id,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Key        string    `json:"key"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	Reference  string    `json:"reference,omitempty"`
	Error      string    `json:"error,omitempty"`
	Operator   string    `json:"operator,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DedupeKey identifies a dispatch: at most one per incident and tier.
func DedupeKey(incidentID string, tier int) string {
	return incidentID + "/" + strconv.Itoa(tier)
}

// ParseDedupeKey splits a key built by DedupeKey.
func ParseDedupeKey(key string) (string, int, error) {
	idx := strings.LastIndex(key, "/")
	if idx <= 0 {
		return "", 0, fmt.Errorf("invalid dedupe key: %q", key)
	}
	tier, err := strconv.Atoi(key[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid dedupe key: %q: %w", key, err)
	}
	return key[:idx], tier, nil
}
