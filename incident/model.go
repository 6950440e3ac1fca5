package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/zone"
	"golang.org/x/exp/slices"
)

type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusVerifying
	StatusConfirmed
	StatusDismissed
	StatusEscalated
	StatusResolved
)

var statusNames = map[Status]string{
	StatusOpen:      "OPEN",
	StatusVerifying: "VERIFYING",
	StatusConfirmed: "CONFIRMED",
	StatusDismissed: "DISMISSED",
	StatusEscalated: "ESCALATED",
	StatusResolved:  "RESOLVED",
}

var transitions = map[Status][]Status{
	StatusOpen:      {StatusVerifying, StatusConfirmed},
	StatusVerifying: {StatusConfirmed, StatusDismissed},
	StatusConfirmed: {StatusEscalated, StatusResolved},
	StatusEscalated: {StatusResolved},
	StatusDismissed: {StatusResolved},
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

func ParseStatus(s string) (Status, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("invalid incident status: %q", s)
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

func (s Status) CanTransitionTo(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Active reports whether new triggers may still fold into the incident.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusVerifying || s == StatusConfirmed || s == StatusEscalated
}

// Class is what kind of emergency an incident is.
type Class uint8

const (
	ClassIntrusion Class = iota + 1
	ClassFire
	ClassGas
	ClassTamper
	ClassPanic
)

var classNames = map[Class]string{
	ClassIntrusion: "intrusion",
	ClassFire:      "fire",
	ClassGas:       "gas",
	ClassTamper:    "tamper",
	ClassPanic:     "panic",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

func ParseClass(s string) (Class, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range classNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("invalid incident class: %q", s)
}

func (c Class) MarshalText() ([]byte, error) {
	if c == 0 {
		return []byte{}, nil
	}
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*c = 0
		return nil
	}
	v, err := ParseClass(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func ClassFor(k zone.Kind) Class {
	switch k {
	case zone.KindSmoke:
		return ClassFire
	case zone.KindGas:
		return ClassGas
	case zone.KindTamper:
		return ClassTamper
	case zone.KindPanic:
		return ClassPanic
	default:
		return ClassIntrusion
	}
}

// Entry is one line of an incident's event log.
type Entry struct {
	At       time.Time `json:"at"`
	Kind     string    `json:"kind"`
	SensorID string    `json:"sensor_id,omitempty"`
	ZoneID   string    `json:"zone_id,omitempty"`
	Source   string    `json:"source,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// DispatchRecord references the emergency dispatch of the latest tier.
type DispatchRecord struct {
	Key       string `json:"key"`
	Tier      int    `json:"tier"`
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Incident struct {
	ID             string          `json:"id"`
	Class          Class           `json:"class"`
	ZoneID         string          `json:"zone_id"`
	SensorID       string          `json:"sensor_id"`
	Kind           zone.Kind       `json:"kind"`
	ProfileID      string          `json:"profile_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	VerifyBy       time.Time       `json:"verify_by,omitempty"`
	Status         Status          `json:"status"`
	Priority       notify.Priority `json:"priority"`
	Tier           int             `json:"tier"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt time.Time       `json:"acknowledged_at,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
	ResolvedAt     time.Time       `json:"resolved_at,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	Dispatch       *DispatchRecord `json:"dispatch,omitempty"`
	Log            []Entry         `json:"log"`
}

func (i *Incident) clone() Incident {
	c := *i
	c.Log = slices.Clone(i.Log)
	if i.Dispatch != nil {
		d := *i.Dispatch
		c.Dispatch = &d
	}
	return c
}

// VerificationSignal is an external confirmation, typically video analysis.
type VerificationSignal struct {
	IncidentID string  `json:"incident_id"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}
