package zone

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the class of a sensor, or of a normalized zone event.
type Kind uint8

const (
	KindContact Kind = iota + 1
	KindMotion
	KindSmoke
	KindGas
	KindTamper
	KindPanic
	// KindBypassExpired is the out-of-band event a sensor's bypass emits when
	// it lapses.
	KindBypassExpired
)

var kindNames = map[Kind]string{
	KindContact:       "contact",
	KindMotion:        "motion",
	KindSmoke:         "smoke",
	KindGas:           "gas",
	KindTamper:        "tamper",
	KindPanic:         "panic",
	KindBypassExpired: "bypass_expired",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("invalid sensor kind: %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if k == 0 {
		return []byte{}, nil
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = 0
		return nil
	}
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Zone groups sensors sharing a physical area.
type Zone struct {
	ID   string `yaml:"id"   json:"id"`
	Name string `yaml:"name" json:"name"`
	// Sensors are the member sensor ids, in configuration order.
	Sensors []string `yaml:"-" json:"sensors"`
	// Occupied is the presence hint: interior motion in an occupied zone is
	// ignored unless the premises is armed away.
	Occupied bool `yaml:"occupied" json:"occupied"`
	// EntryPath marks zones whose events start the entry delay instead of
	// alarming immediately.
	EntryPath bool     `yaml:"entry_path" json:"entry_path"`
	Adjacent  []string `yaml:"adjacent"   json:"adjacent,omitempty"`
}

type Sensor struct {
	ID   string `yaml:"id"   json:"id"`
	Name string `yaml:"name" json:"name"`
	Zone string `yaml:"-"    json:"zone"`
	Kind Kind   `yaml:"kind" json:"kind"`
	// Threshold is the level at which a gas reading qualifies. Zero means the
	// sensor reports Active itself.
	Threshold float64 `yaml:"threshold" json:"threshold,omitempty"`
}

// Reading is a raw, immutable sensor record.
type Reading struct {
	SensorID string `json:"sensor_id"`
	ZoneID   string `json:"zone_id,omitempty"`
	// Kind defaults to the registered sensor's kind.
	Kind Kind `json:"kind,omitempty"`
	// Active is open for contacts, detected for motion and smoke.
	Active bool    `json:"active"`
	Level  float64 `json:"level,omitempty"`
	Tamper bool    `json:"tamper,omitempty"`
	// Sequence orders readings of the same sensor; wall-clock time does not.
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// BypassEntry suppresses a sensor's non-tamper events until it expires.
type BypassEntry struct {
	SensorID string    `json:"sensor_id"`
	Until    time.Time `json:"until"`
	Reason   string    `json:"reason,omitempty"`
}

// Outcome is what Ingest did with a reading.
type Outcome uint8

const (
	// OutcomeQualified produced a zone Event.
	OutcomeQualified Outcome = iota + 1
	// OutcomeSuppressed was recorded but the sensor is bypassed.
	OutcomeSuppressed
	// OutcomeIgnored was recorded but does not qualify (closed, idle, below threshold).
	OutcomeIgnored
	// OutcomeStale was dropped: its sequence is not newer than the last one seen.
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeQualified:
		return "qualified"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeStale:
		return "stale"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	if o == 0 {
		return []byte{}, nil
	}
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*o = 0
		return nil
	}
	for _, v := range []Outcome{OutcomeQualified, OutcomeSuppressed, OutcomeIgnored, OutcomeStale} {
		if v.String() == string(b) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("invalid outcome: %q", string(b))
}
