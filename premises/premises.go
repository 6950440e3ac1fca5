// Package premises wires the security core of one protected premises: its
// zone supervisor, arming state machine, incident manager, notifications and
// emergency dispatch.
package premises

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/emergency"
	"github.com/caarlos0/safehome/event"
	"github.com/caarlos0/safehome/incident"
	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/zone"
	logp "github.com/charmbracelet/log"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "premises",
})

type Options struct {
	Clock      clock.Clock
	Bus        *event.Bus
	Authorizer arming.Authorizer
	// Incident carries the process level incident settings. Classes,
	// kinds and recipients come from the topology.
	Incident  incident.Config
	Channels  []notify.Channel
	Responder emergency.Responder
	// DispatchStore defaults to an in-memory store.
	DispatchStore emergency.Store
	NotifyOptions []notify.Option
	// GatewayOptions are applied after the store and clock.
	GatewayOptions []emergency.Option
	// SweepInterval is how often Run polls for due bypasses.
	SweepInterval time.Duration
}

// Premises is the single authoritative instance of the core for one
// protected site. Independent instances share nothing.
type Premises struct {
	Name      string
	Bus       *event.Bus
	Zones     *zone.Supervisor
	Arming    *arming.Machine
	Incidents *incident.Manager
	Notifier  *notify.Dispatcher
	Gateway   *emergency.Gateway

	clock clock.Clock
	sweep time.Duration
}

func New(top *Topology, opts Options) (*Premises, error) {
	if top == nil {
		return nil, fmt.Errorf("missing topology")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus()
	}

	zones, sensors := top.Split()
	supervisor, err := zone.New(clk, bus, zones, sensors)
	if err != nil {
		return nil, fmt.Errorf("invalid zones: %w", err)
	}

	machine, err := arming.New(clk, bus, opts.Authorizer, top.Profiles, arming.WithLifeSafety(top.LifeSafety...))
	if err != nil {
		return nil, fmt.Errorf("invalid arming setup: %w", err)
	}

	notifier := notify.NewDispatcher(bus, opts.Channels, append([]notify.Option{notify.WithClock(clk)}, opts.NotifyOptions...)...)
	for _, name := range top.Channels() {
		if !hasChannel(notifier.Channels(), name) {
			_ = notifier.Close()
			return nil, fmt.Errorf("recipients need channel %q, which is not configured", name)
		}
	}

	cfg := opts.Incident
	cfg.LifeSafety = top.LifeSafety
	cfg.HighConfidence = top.HighConfidence
	cfg.Recipients = top.Recipients
	if top.ResponseClasses != nil {
		cfg.ResponseClasses = top.ResponseClasses
	}
	incOpts := []incident.Option{
		incident.WithTopology(supervisor),
		incident.WithNotifier(notifier),
	}

	var gateway *emergency.Gateway
	if opts.Responder != nil {
		store := opts.DispatchStore
		if store == nil {
			store = emergency.NewMemoryStore()
		}
		gateway = emergency.New(bus, opts.Responder, append([]emergency.Option{
			emergency.WithStore(store),
			emergency.WithClock(clk),
		}, opts.GatewayOptions...)...)
		incOpts = append(incOpts, incident.WithDispatcher(gateway))
	}

	incidents, err := incident.New(clk, bus, cfg, incOpts...)
	if err != nil {
		_ = notifier.Close()
		return nil, fmt.Errorf("invalid incident setup: %w", err)
	}

	// the machine must see a zone event before the incident manager does,
	// so the alarm trigger creates the incident the raw event corroborates.
	bus.Subscribe(machine.Handle)
	bus.Subscribe(incidents.Handle)

	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = time.Second * 30
	}

	log.Info("premises ready", "name", top.Name, "zones", len(zones), "sensors", len(sensors), "profiles", len(top.Profiles))
	return &Premises{
		Name:      top.Name,
		Bus:       bus,
		Zones:     supervisor,
		Arming:    machine,
		Incidents: incidents,
		Notifier:  notifier,
		Gateway:   gateway,
		clock:     clk,
		sweep:     sweep,
	}, nil
}

func hasChannel(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Run polls for due bypasses until ctx is done.
func (p *Premises) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := p.Zones.Sweep(); n > 0 {
				log.Debug("swept bypasses", "expired", n)
			}
		}
	}
}

func (p *Premises) Ingest(r zone.Reading) (zone.Outcome, error) {
	return p.Zones.Ingest(r)
}

func (p *Premises) Arm(ctx context.Context, cmd ArmCommand) (arming.State, error) {
	return p.Arming.Arm(ctx, cmd.ProfileID, cmd.Code)
}

func (p *Premises) Disarm(ctx context.Context, cmd DisarmCommand) (arming.State, error) {
	return p.Arming.Disarm(ctx, cmd.Code)
}

func (p *Premises) Bypass(cmd BypassCommand) (zone.BypassEntry, error) {
	return p.Zones.Bypass(cmd.SensorID, cmd.Duration(), cmd.Reason)
}

func (p *Premises) ClearBypass(sensorID string) error {
	return p.Zones.ClearBypass(sensorID)
}

func (p *Premises) Panic(cmd PanicCommand) arming.State {
	return p.Arming.Panic(cmd.Source, cmd.Silent)
}

func (p *Premises) Verify(sig incident.VerificationSignal) (incident.Incident, error) {
	return p.Incidents.Verify(sig)
}

func (p *Premises) Acknowledge(cmd AcknowledgeCommand) (incident.Incident, error) {
	return p.Incidents.Acknowledge(cmd.IncidentID, cmd.By)
}

func (p *Premises) Resolve(cmd ResolveCommand) (incident.Incident, error) {
	return p.Incidents.Resolve(cmd.IncidentID, cmd.Notes, cmd.Resolver)
}

func (p *Premises) Redispatch(ctx context.Context, incidentID, operator string) (incident.Incident, error) {
	return p.Incidents.Redispatch(ctx, incidentID, operator)
}

func (p *Premises) State() arming.State {
	return p.Arming.State()
}

// Snapshot is a read-only view of the whole premises.
type Snapshot struct {
	Name      string              `json:"name"`
	State     arming.State        `json:"state"`
	Zones     []zone.Zone         `json:"zones"`
	Sensors   []zone.Sensor       `json:"sensors"`
	Bypasses  []zone.BypassEntry  `json:"bypasses"`
	Incidents []incident.Incident `json:"incidents"`
	At        time.Time           `json:"at"`
}

func (p *Premises) Snapshot() Snapshot {
	return Snapshot{
		Name:      p.Name,
		State:     p.Arming.State(),
		Zones:     p.Zones.Zones(),
		Sensors:   p.Zones.Sensors(),
		Bypasses:  p.Zones.Bypasses(),
		Incidents: p.Incidents.Active(),
		At:        p.clock.Now(),
	}
}

func (p *Premises) Close() error {
	return errors.Join(p.Incidents.Close(), p.Notifier.Close())
}
