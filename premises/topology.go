package premises

import (
	"bytes"
	"fmt"
	"os"

	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/incident"
	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/zone"
	"gopkg.in/yaml.v3"
)

// Topology is the static description of a premises: its zones and sensors,
// how it can be armed, and who gets told when something happens.
type Topology struct {
	Name            string             `yaml:"name"`
	Zones           []ZoneConfig       `yaml:"zones"`
	Profiles        []arming.Profile   `yaml:"profiles"`
	Recipients      []notify.Recipient `yaml:"recipients"`
	LifeSafety      []zone.Kind        `yaml:"life_safety"`
	HighConfidence  []zone.Kind        `yaml:"high_confidence"`
	ResponseClasses []incident.Class   `yaml:"response_classes"`
}

type ZoneConfig struct {
	zone.Zone `yaml:",inline"`
	Sensors   []zone.Sensor `yaml:"sensors"`
}

// LoadTopology reads and validates a YAML topology file.
func LoadTopology(path string) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTopology(raw)
}

func ParseTopology(raw []byte) (*Topology, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var top Topology
	if err := dec.Decode(&top); err != nil {
		return nil, fmt.Errorf("could not parse topology: %w", err)
	}
	top.applyDefaults()
	if err := top.Validate(); err != nil {
		return nil, err
	}
	return &top, nil
}

func (t *Topology) applyDefaults() {
	if t.Name == "" {
		t.Name = "home"
	}
	if t.LifeSafety == nil {
		t.LifeSafety = []zone.Kind{zone.KindSmoke}
	}
	if t.HighConfidence == nil {
		t.HighConfidence = []zone.Kind{zone.KindSmoke}
	}
	// profiles without a priority notify at normal priority.
	for i := range t.Profiles {
		if t.Profiles[i].Priority == 0 {
			t.Profiles[i].Priority = notify.PriorityNormal
		}
	}
	for i := range t.Zones {
		for j := range t.Zones[i].Sensors {
			if t.Zones[i].Sensors[j].Name == "" {
				t.Zones[i].Sensors[j].Name = t.Zones[i].Sensors[j].ID
			}
		}
		if t.Zones[i].Name == "" {
			t.Zones[i].Name = t.Zones[i].ID
		}
	}
}

func (t *Topology) Validate() error {
	if len(t.Zones) == 0 {
		return fmt.Errorf("topology has no zones")
	}
	zones := map[string]bool{}
	for _, z := range t.Zones {
		if z.ID == "" {
			return fmt.Errorf("zone without id")
		}
		zones[z.ID] = true
	}
	if len(t.Profiles) == 0 {
		return fmt.Errorf("topology has no arming profiles")
	}
	for _, p := range t.Profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		for _, id := range p.Zones {
			if !zones[id] {
				return fmt.Errorf("profile %s: unknown zone %q", p.ID, id)
			}
		}
	}
	for _, r := range t.Recipients {
		if r.Name == "" || r.Channel == "" {
			return fmt.Errorf("recipient needs a name and a channel: %+v", r)
		}
	}
	for _, k := range t.LifeSafety {
		if k == zone.KindBypassExpired {
			return fmt.Errorf("%s cannot be a life safety kind", k)
		}
	}
	return nil
}

// Split returns the zones and sensors in the form the supervisor takes.
func (t *Topology) Split() ([]zone.Zone, []zone.Sensor) {
	zones := make([]zone.Zone, 0, len(t.Zones))
	var sensors []zone.Sensor
	for _, zc := range t.Zones {
		zones = append(zones, zc.Zone)
		for _, s := range zc.Sensors {
			s.Zone = zc.ID
			sensors = append(sensors, s)
		}
	}
	return zones, sensors
}

// Channels lists the distinct channels the recipients need.
func (t *Topology) Channels() []string {
	seen := map[string]bool{}
	var result []string
	for _, r := range t.Recipients {
		if !seen[r.Channel] {
			seen[r.Channel] = true
			result = append(result, r.Channel)
		}
	}
	return result
}
