package premises

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/zone"
	"github.com/stretchr/testify/require"
)

func TestParseTopology(t *testing.T) {
	top, err := ParseTopology([]byte(topologyYAML))
	require.NoError(t, err)
	require.Equal(t, "test house", top.Name)
	require.Len(t, top.Zones, 3)
	require.Equal(t, []zone.Kind{zone.KindSmoke}, top.LifeSafety)

	away := top.Profiles[0]
	require.Equal(t, arming.ArmedAway, away.Mode)
	require.Equal(t, 30*time.Second, away.ExitDelay)
	require.Equal(t, notify.PriorityHigh, away.Priority)

	zones, sensors := top.Split()
	require.Len(t, zones, 3)
	require.Len(t, sensors, 4)
	require.Equal(t, "kitchen", sensors[3].Zone)
	require.Equal(t, 0.4, sensors[3].Threshold)
	require.Equal(t, "Front door", zones[0].Name)
	require.Equal(t, "hall", zones[1].Name)
	require.Equal(t, []string{"push"}, top.Channels())
}

func TestParseTopologyDefaultPriority(t *testing.T) {
	top, err := ParseTopology([]byte(`
zones: [{id: a}]
profiles:
  - {id: home, mode: ARMED_HOME, zones: [a]}
  - {id: away, mode: ARMED_AWAY, priority: critical}`))
	require.NoError(t, err)
	require.Equal(t, notify.PriorityNormal, top.Profiles[0].Priority)
	require.Equal(t, notify.PriorityCritical, top.Profiles[1].Priority)
}

func TestParseTopologyErrors(t *testing.T) {
	for name, raw := range map[string]string{
		"no zones":      "profiles: []",
		"unknown field": "zones: [{id: a, color: red}]",
		"bad kind":      "zones: [{id: a, sensors: [{id: x, kind: laser}]}]",
		"no profiles":   "zones: [{id: a}]",
		"bad mode": `
zones: [{id: a}]
profiles: [{id: p, mode: ALARMED, priority: low}]`,
		"unknown profile zone": `
zones: [{id: a}]
profiles: [{id: p, mode: ARMED_HOME, priority: low, zones: [b]}]`,
		"recipient without channel": `
zones: [{id: a}]
profiles: [{id: p, mode: ARMED_HOME, priority: low}]
recipients: [{name: bob}]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTopology([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestLoadTopology(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(topologyYAML), 0o600))
	top, err := LoadTopology(path)
	require.NoError(t, err)
	require.Len(t, top.Profiles, 2)

	_, err = LoadTopology(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
