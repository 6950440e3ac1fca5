package arming

import (
	"fmt"
	"strings"
)

// Mode is the security mode in effect.
type Mode uint8

const (
	Disarmed Mode = iota + 1
	ArmedHome
	ArmedAway
	ArmedNight
	ExitDelay
	EntryDelay
	Alarmed
)

var modeNames = map[Mode]string{
	Disarmed:   "DISARMED",
	ArmedHome:  "ARMED_HOME",
	ArmedAway:  "ARMED_AWAY",
	ArmedNight: "ARMED_NIGHT",
	ExitDelay:  "EXIT_DELAY",
	EntryDelay: "ENTRY_DELAY",
	Alarmed:    "ALARMED",
}

// transitions is the complete set of legal mode changes.
var transitions = map[Mode][]Mode{
	Disarmed:   {ExitDelay, ArmedHome, ArmedAway, ArmedNight, Alarmed},
	ExitDelay:  {ArmedHome, ArmedAway, ArmedNight, Disarmed, Alarmed},
	ArmedHome:  {EntryDelay, Alarmed, Disarmed},
	ArmedAway:  {EntryDelay, Alarmed, Disarmed},
	ArmedNight: {EntryDelay, Alarmed, Disarmed},
	EntryDelay: {Alarmed, Disarmed},
	Alarmed:    {Disarmed},
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MODE(%d)", uint8(m))
}

func ParseMode(s string) (Mode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid mode: %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if m == 0 {
		return []byte{}, nil
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*m = 0
		return nil
	}
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// IsArmed reports whether m is one of the steady armed modes.
func (m Mode) IsArmed() bool {
	return m == ArmedHome || m == ArmedAway || m == ArmedNight
}

func (m Mode) CanTransitionTo(to Mode) bool {
	for _, next := range transitions[m] {
		if next == to {
			return true
		}
	}
	return false
}
