package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/brutella/hap/characteristic"
	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/incident"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Config struct {
	Topology             string            `env:"TOPOLOGY"               envDefault:"topology.yaml"`
	Codes                map[string]string `env:"CODES,notEmpty"         envSeparator:"," envKeyValSeparator:":"`
	VerificationWindow   time.Duration     `env:"VERIFICATION_WINDOW,notEmpty"`
	InvalidCodeThreshold int               `env:"INVALID_CODE_THRESHOLD,notEmpty"`
	AckTimeout           time.Duration     `env:"ACK_TIMEOUT"            envDefault:"5m"`
	MaxTier              int               `env:"MAX_TIER"               envDefault:"3"`
	MinConfidence        float64           `env:"MIN_CONFIDENCE"         envDefault:"0.8"`
	SweepInterval        time.Duration     `env:"SWEEP_INTERVAL"         envDefault:"30s"`
	LogLevel             string            `env:"LOG_LEVEL"              envDefault:"info"`
	Address              string            `env:"LISTEN"                 envDefault:":9009"`
	FeedAddress          string            `env:"FEED_LISTEN"`
	FeedIdle             time.Duration     `env:"FEED_IDLE"              envDefault:"5m"`

	MQTT      MQTTConfig      `envPrefix:"MQTT_"`
	Responder ResponderConfig `envPrefix:"RESPONDER_"`
	HomeKit   HomeKitConfig   `envPrefix:"HOMEKIT_"`

	WebhookURL  string        `env:"WEBHOOK_URL"`
	RedisAddr   string        `env:"REDIS_ADDR"`
	DispatchTTL time.Duration `env:"DISPATCH_TTL"  envDefault:"72h"`
	DatabaseURL string        `env:"DATABASE_URL"`
}

type MQTTConfig struct {
	Broker   string `env:"BROKER"`
	ClientID string `env:"CLIENT_ID" envDefault:"safehome"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	Prefix   string `env:"PREFIX"    envDefault:"safehome"`
}

type ResponderConfig struct {
	URL     string        `env:"URL"`
	Token   string        `env:"TOKEN"`
	Target  string        `env:"TARGET"  envDefault:"monitoring"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

type HomeKitConfig struct {
	Enabled        bool          `env:"ENABLED"         envDefault:"true"`
	Pin            string        `env:"PIN"             envDefault:"00102003"`
	Storage        string        `env:"STORAGE"         envDefault:"./db"`
	Code           string        `env:"CODE"`
	StayProfile    string        `env:"STAY_PROFILE"    envDefault:"home"`
	AwayProfile    string        `env:"AWAY_PROFILE"    envDefault:"away"`
	NightProfile   string        `env:"NIGHT_PROFILE"   envDefault:"night"`
	BypassDuration time.Duration `env:"BYPASS_DURATION" envDefault:"8h"`
}

func (c Config) incidentConfig() incident.Config {
	return incident.Config{
		VerificationWindow:   c.VerificationWindow,
		InvalidCodeThreshold: c.InvalidCodeThreshold,
		AckTimeout:           c.AckTimeout,
		MaxTier:              c.MaxTier,
		Target:               c.Responder.Target,
		MinConfidence:        c.MinConfidence,
	}
}

// users lists who holds a code, never the codes themselves.
func (c Config) users() string {
	users := maps.Keys(c.Codes)
	slices.Sort(users)
	return strings.Join(users, ", ")
}

// validate checks the HomeKit profiles exist in the loaded profiles.
func (c HomeKitConfig) validate(profiles []arming.Profile) error {
	if !c.Enabled {
		return nil
	}
	if c.Code == "" {
		return fmt.Errorf("HOMEKIT_CODE is required when HomeKit is enabled")
	}
	for _, id := range []string{c.StayProfile, c.AwayProfile, c.NightProfile} {
		if id == "" {
			continue
		}
		if !slices.ContainsFunc(profiles, func(p arming.Profile) bool { return p.ID == id }) {
			return fmt.Errorf("unknown HomeKit profile %q", id)
		}
	}
	return nil
}

// targetProfile maps a HomeKit target state into the profile to arm.
func (c HomeKitConfig) targetProfile(target int) (string, bool) {
	var id string
	switch target {
	case characteristic.SecuritySystemTargetStateStayArm:
		id = c.StayProfile
	case characteristic.SecuritySystemTargetStateAwayArm:
		id = c.AwayProfile
	case characteristic.SecuritySystemTargetStateNightArm:
		id = c.NightProfile
	}
	return id, id != ""
}

// currentState maps the arming state into a HomeKit current state.
//
// Delays report the state they lead to, and -1 means HomeKit should not be
// told anything yet.
func (c HomeKitConfig) currentState(state arming.State) int {
	switch state.Mode {
	case arming.Alarmed:
		return characteristic.SecuritySystemCurrentStateAlarmTriggered
	case arming.Disarmed:
		return characteristic.SecuritySystemCurrentStateDisarmed
	case arming.ExitDelay:
		return -1
	}
	switch state.ProfileID {
	case c.NightProfile:
		return characteristic.SecuritySystemCurrentStateNightArm
	case c.StayProfile:
		return characteristic.SecuritySystemCurrentStateStayArm
	case c.AwayProfile:
		return characteristic.SecuritySystemCurrentStateAwayArm
	}
	switch state.Mode {
	case arming.ArmedAway:
		return characteristic.SecuritySystemCurrentStateAwayArm
	case arming.ArmedNight:
		return characteristic.SecuritySystemCurrentStateNightArm
	default:
		return characteristic.SecuritySystemCurrentStateStayArm
	}
}

// channels lists the notification channels this configuration enables.
func (c Config) channels() []string {
	channels := []string{"log"}
	if c.MQTT.Broker != "" {
		channels = append(channels, "push")
	}
	if c.WebhookURL != "" {
		channels = append(channels, "webhook")
	}
	return channels
}

func (c Config) hasChannel(name string) bool {
	return slices.Contains(c.channels(), name)
}
