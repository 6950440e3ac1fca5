package arming

import (
	"fmt"
	"time"

	"github.com/caarlos0/safehome/notify"
	"golang.org/x/exp/slices"
)

// Profile is a named arming configuration.
type Profile struct {
	ID         string          `yaml:"id"          json:"id"`
	Mode       Mode            `yaml:"mode"        json:"mode"`
	EntryDelay time.Duration   `yaml:"entry_delay" json:"entry_delay"`
	ExitDelay  time.Duration   `yaml:"exit_delay"  json:"exit_delay"`
	Zones      []string        `yaml:"zones"       json:"zones"`
	Siren      bool            `yaml:"siren"       json:"siren"`
	Priority   notify.Priority `yaml:"priority"    json:"priority"`
}

func (p Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile without id")
	}
	if !p.Mode.IsArmed() {
		return fmt.Errorf("profile %s: mode must be ARMED_HOME, ARMED_AWAY or ARMED_NIGHT, got %s", p.ID, p.Mode)
	}
	if p.EntryDelay < 0 || p.ExitDelay < 0 {
		return fmt.Errorf("profile %s: delays cannot be negative", p.ID)
	}
	if p.Priority == 0 {
		return fmt.Errorf("profile %s: missing priority", p.ID)
	}
	return nil
}

// Monitors reports whether the zone is watched by this profile.
func (p Profile) Monitors(zoneID string) bool {
	return slices.Contains(p.Zones, zoneID)
}

func (p Profile) clone() *Profile {
	p.Zones = slices.Clone(p.Zones)
	return &p
}
