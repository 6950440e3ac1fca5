package main

import (
	"testing"
	"time"

	"github.com/brutella/hap/characteristic"
	"github.com/caarlos0/safehome/arming"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Setenv("VERIFICATION_WINDOW", "2m")
	t.Setenv("INVALID_CODE_THRESHOLD", "3")

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("CODES", "alice:1234,bob:4321")
		cfg, err := parseConfig()
		require.NoError(t, err)
		require.Equal(t, map[string]string{"alice": "1234", "bob": "4321"}, cfg.Codes)
		require.Equal(t, "alice, bob", cfg.users())
		require.Equal(t, 2*time.Minute, cfg.VerificationWindow)
		require.Equal(t, 3, cfg.InvalidCodeThreshold)
		require.Equal(t, "safehome", cfg.MQTT.Prefix)
		require.Equal(t, "home", cfg.HomeKit.StayProfile)
		require.True(t, cfg.HomeKit.Enabled)

		inc := cfg.incidentConfig()
		require.NoError(t, inc.Validate())
		require.Equal(t, "monitoring", inc.Target)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("CODES", "alice:1234")
		t.Setenv("VERIFICATION_WINDOW", "30s")
		t.Setenv("MQTT_BROKER", "tcp://localhost:1883")
		t.Setenv("HOMEKIT_ENABLED", "false")
		t.Setenv("RESPONDER_URL", "https://dispatch.example")
		cfg, err := parseConfig()
		require.NoError(t, err)
		require.Equal(t, 30*time.Second, cfg.VerificationWindow)
		require.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
		require.False(t, cfg.HomeKit.Enabled)
		require.Equal(t, "https://dispatch.example", cfg.Responder.URL)
	})

	t.Run("missing codes", func(t *testing.T) {
		t.Setenv("CODES", "")
		_, err := parseConfig()
		require.ErrorContains(t, err, "CODES")
	})

	t.Run("missing verification window", func(t *testing.T) {
		t.Setenv("CODES", "alice:1234")
		t.Setenv("VERIFICATION_WINDOW", "")
		_, err := parseConfig()
		require.ErrorContains(t, err, "VERIFICATION_WINDOW")
	})
}

func TestHomeKitValidate(t *testing.T) {
	profiles := []arming.Profile{{ID: "home"}, {ID: "away"}}

	require.NoError(t, HomeKitConfig{Enabled: false}.validate(nil))
	require.NoError(t, HomeKitConfig{Enabled: true, Code: "1", StayProfile: "home", AwayProfile: "away"}.validate(profiles))
	require.Error(t, HomeKitConfig{Enabled: true, StayProfile: "home"}.validate(profiles))
	require.ErrorContains(t, HomeKitConfig{Enabled: true, Code: "1", NightProfile: "night"}.validate(profiles), "night")
}

func TestTargetProfile(t *testing.T) {
	cfg := HomeKitConfig{StayProfile: "home", AwayProfile: "away"}

	id, ok := cfg.targetProfile(characteristic.SecuritySystemTargetStateStayArm)
	require.True(t, ok)
	require.Equal(t, "home", id)

	id, ok = cfg.targetProfile(characteristic.SecuritySystemTargetStateAwayArm)
	require.True(t, ok)
	require.Equal(t, "away", id)

	_, ok = cfg.targetProfile(characteristic.SecuritySystemTargetStateNightArm)
	require.False(t, ok)
	_, ok = cfg.targetProfile(characteristic.SecuritySystemTargetStateDisarm)
	require.False(t, ok)
}

func TestCurrentState(t *testing.T) {
	cfg := HomeKitConfig{StayProfile: "home", AwayProfile: "away", NightProfile: "night"}

	for name, tt := range map[string]struct {
		state arming.State
		want  int
	}{
		"disarmed":    {arming.State{Mode: arming.Disarmed}, characteristic.SecuritySystemCurrentStateDisarmed},
		"alarmed":     {arming.State{Mode: arming.Alarmed, ProfileID: "home"}, characteristic.SecuritySystemCurrentStateAlarmTriggered},
		"exit delay":  {arming.State{Mode: arming.ExitDelay, ProfileID: "away"}, -1},
		"entry delay": {arming.State{Mode: arming.EntryDelay, ProfileID: "away"}, characteristic.SecuritySystemCurrentStateAwayArm},
		"stay":        {arming.State{Mode: arming.ArmedHome, ProfileID: "home"}, characteristic.SecuritySystemCurrentStateStayArm},
		"night":       {arming.State{Mode: arming.ArmedNight, ProfileID: "night"}, characteristic.SecuritySystemCurrentStateNightArm},
		"other away":  {arming.State{Mode: arming.ArmedAway, ProfileID: "vacation"}, characteristic.SecuritySystemCurrentStateAwayArm},
		"other night": {arming.State{Mode: arming.ArmedNight, ProfileID: "guest"}, characteristic.SecuritySystemCurrentStateNightArm},
		"other home":  {arming.State{Mode: arming.ArmedHome, ProfileID: "guest"}, characteristic.SecuritySystemCurrentStateStayArm},
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.want, cfg.currentState(tt.state))
		})
	}
}
