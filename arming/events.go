package arming

import (
	"fmt"
	"time"

	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/zone"
)

type StateChanged struct {
	From      Mode      `json:"from"`
	To        Mode      `json:"to"`
	At        time.Time `json:"at"`
	ProfileID string    `json:"profile_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

func (StateChanged) Name() string { return "arming_state_changed" }

// AlarmTriggered is emitted once per qualifying trigger that raises, or
// reinforces, an alarm.
type AlarmTriggered struct {
	ZoneID    string          `json:"zone_id"`
	SensorID  string          `json:"sensor_id"`
	Kind      zone.Kind       `json:"kind"`
	At        time.Time       `json:"at"`
	ProfileID string          `json:"profile_id,omitempty"`
	Priority  notify.Priority `json:"priority"`
	Siren     bool            `json:"siren"`
	Silent    bool            `json:"silent,omitempty"`
}

func (AlarmTriggered) Name() string { return "alarm_triggered" }

type DelayKind uint8

const (
	DelayExit DelayKind = iota + 1
	DelayEntry
)

func (k DelayKind) String() string {
	switch k {
	case DelayExit:
		return "exit"
	case DelayEntry:
		return "entry"
	default:
		return "unknown"
	}
}

func (k DelayKind) MarshalText() ([]byte, error) {
	if k == 0 {
		return []byte{}, nil
	}
	return []byte(k.String()), nil
}

func (k *DelayKind) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = 0
		return nil
	}
	switch string(b) {
	case "exit":
		*k = DelayExit
	case "entry":
		*k = DelayEntry
	default:
		return fmt.Errorf("invalid delay kind: %q", string(b))
	}
	return nil
}

type DelayStarted struct {
	Kind     DelayKind     `json:"kind"`
	Duration time.Duration `json:"duration"`
	Deadline time.Time     `json:"deadline"`
}

func (DelayStarted) Name() string { return "delay_started" }

type DelayCancelled struct {
	Kind DelayKind `json:"kind"`
	At   time.Time `json:"at"`
}

func (DelayCancelled) Name() string { return "delay_cancelled" }

// FailedAttempt is emitted for every rejected code. Consecutive resets on the
// next accepted code.
type FailedAttempt struct {
	At          time.Time `json:"at"`
	Consecutive int       `json:"consecutive"`
	Operation   string    `json:"operation"`
}

func (FailedAttempt) Name() string { return "failed_attempt" }

type SirenChanged struct {
	On bool      `json:"on"`
	At time.Time `json:"at"`
}

func (SirenChanged) Name() string { return "siren_changed" }

// TamperReported is a tamper zone event received while the premises was not
// armed. It does not raise an alarm.
type TamperReported struct {
	ZoneID   string    `json:"zone_id"`
	SensorID string    `json:"sensor_id"`
	At       time.Time `json:"at"`
}

func (TamperReported) Name() string { return "tamper_reported" }
