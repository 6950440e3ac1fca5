// Package arming holds the authoritative arming state of a premises.
package arming

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/caarlos0/safehome/event"
	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/zone"
	logp "github.com/charmbracelet/log"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "arming",
})

var (
	ErrAlreadyArmed      = errors.New("already armed")
	ErrNotArmed          = errors.New("not armed")
	ErrUnknownProfile    = errors.New("unknown profile")
	ErrInvalidTransition = errors.New("invalid transition")
)

// State is a snapshot of the arming state.
type State struct {
	Mode      Mode      `json:"mode"`
	Since     time.Time `json:"since"`
	ProfileID string    `json:"profile_id,omitempty"`
	Delay     DelayKind `json:"delay,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`
	// Remaining is computed when the snapshot is read.
	Remaining time.Duration `json:"remaining,omitempty"`
	Siren     bool          `json:"siren"`
}

type countdown struct {
	id       uint64
	kind     DelayKind
	deadline time.Time
	timer    *clock.Timer
}

// Machine is the single writer of a premises' arming state. Writes are
// serialized by a mutex; readers get immutable snapshots.
type Machine struct {
	mu         sync.Mutex
	clock      clock.Clock
	bus        *event.Bus
	auth       Authorizer
	profiles   map[string]Profile
	lifeSafety []zone.Kind

	state    atomic.Pointer[State]
	active   *Profile
	delay    *countdown
	delays   uint64
	trigger  *zone.Event
	failures int
	siren    bool
}

type Option func(*Machine)

// WithLifeSafety sets the sensor kinds that alarm in every mode.
func WithLifeSafety(kinds ...zone.Kind) Option {
	return func(m *Machine) {
		m.lifeSafety = slices.Clone(kinds)
	}
}

func New(clk clock.Clock, bus *event.Bus, auth Authorizer, profiles []Profile, opts ...Option) (*Machine, error) {
	if clk == nil {
		clk = clock.New()
	}
	if auth == nil {
		return nil, fmt.Errorf("missing authorizer")
	}
	m := &Machine{
		clock:    clk,
		bus:      bus,
		auth:     auth,
		profiles: map[string]Profile{},
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, ok := m.profiles[p.ID]; ok {
			return nil, fmt.Errorf("duplicated profile: %s", p.ID)
		}
		m.profiles[p.ID] = *p.clone()
	}
	m.state.Store(&State{Mode: Disarmed, Since: clk.Now()})
	return m, nil
}

// State returns the current snapshot. It never blocks on writers.
func (m *Machine) State() State {
	s := *m.state.Load()
	if s.Delay != 0 {
		s.Remaining = s.Deadline.Sub(m.clock.Now())
		if s.Remaining < 0 {
			s.Remaining = 0
		}
	}
	return s
}

func (m *Machine) Profile(id string) (Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return *p.clone(), true
}

func (m *Machine) Profiles() []Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := maps.Values(m.profiles)
	slices.SortFunc(result, func(a, b Profile) int {
		if a.Mode != b.Mode {
			return int(a.Mode) - int(b.Mode)
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result
}

// ActiveProfile is the profile snapshot taken when the current session was
// armed.
func (m *Machine) ActiveProfile() (Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Profile{}, false
	}
	return *m.active.clone(), true
}

// SetProfile adds or replaces a profile. A running session keeps the
// snapshot it was armed with.
func (m *Machine) SetProfile(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = *p.clone()
	return nil
}

// Arm validates the code and arms with the given profile, through the exit
// delay if it has one.
func (m *Machine) Arm(ctx context.Context, profileID, code string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.profiles[profileID]
	if !ok {
		return m.State(), fmt.Errorf("%w: %q", ErrUnknownProfile, profileID)
	}
	if err := m.authorize(ctx, code, "arm"); err != nil {
		return m.State(), err
	}
	current := m.state.Load().Mode
	if current != Disarmed {
		return m.State(), fmt.Errorf("%w: %s", ErrAlreadyArmed, current)
	}

	m.active = profile.clone()
	if profile.ExitDelay > 0 {
		m.transition(ExitDelay, "arm")
		m.startDelay(DelayExit, profile.ExitDelay)
	} else {
		m.transition(profile.Mode, "arm")
	}
	return m.State(), nil
}

// Disarm validates the code, cancels any running countdown and silences the
// siren.
func (m *Machine) Disarm(ctx context.Context, code string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Load().Mode == Disarmed {
		return m.State(), ErrNotArmed
	}
	if err := m.authorize(ctx, code, "disarm"); err != nil {
		return m.State(), err
	}

	m.cancelDelay()
	m.trigger = nil
	m.setSiren(false)
	m.transition(Disarmed, "disarm")
	m.active = nil
	return m.State(), nil
}

// Panic raises an alarm from a keypad or accessory regardless of mode.
func (m *Machine) Panic(source string, silent bool) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Warn("panic", "source", source, "silent", silent)
	m.alarm(zone.Event{
		SensorID: source,
		Kind:     zone.KindPanic,
		At:       m.clock.Now(),
	}, silent)
	return m.State()
}

// Handle is the bus subscriber.
func (m *Machine) Handle(ev event.Event) {
	if ze, ok := ev.(zone.Event); ok {
		m.HandleZoneEvent(ze)
	}
}

// HandleZoneEvent applies mode-aware filtering to a qualifying zone event.
func (m *Machine) HandleZoneEvent(ev zone.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mode := m.state.Load().Mode
	switch {
	case ev.Kind == zone.KindBypassExpired:
		log.Debug("bypass expired", "sensor", ev.SensorID)
		return
	case ev.Kind == zone.KindPanic || m.isLifeSafety(ev.Kind):
		m.alarm(ev, false)
		return
	case ev.Kind == zone.KindTamper:
		if mode == Disarmed || mode == ExitDelay {
			log.Warn("tamper", "zone", ev.ZoneID, "sensor", ev.SensorID, "mode", mode)
			m.publish(TamperReported{ZoneID: ev.ZoneID, SensorID: ev.SensorID, At: ev.At})
			return
		}
		m.alarm(ev, false)
		return
	}

	if !mode.IsArmed() {
		log.Debug("ignoring zone event", "zone", ev.ZoneID, "kind", ev.Kind, "mode", mode)
		return
	}
	if !m.active.Monitors(ev.ZoneID) {
		log.Debug("zone not monitored", "zone", ev.ZoneID, "profile", m.active.ID)
		return
	}
	if ev.Kind == zone.KindMotion && ev.Occupied && mode != ArmedAway {
		log.Debug("motion in occupied zone", "zone", ev.ZoneID, "mode", mode)
		return
	}
	if ev.EntryPath && m.active.EntryDelay > 0 {
		m.trigger = &ev
		m.transition(EntryDelay, "entry path "+ev.ZoneID)
		m.startDelay(DelayEntry, m.active.EntryDelay)
		return
	}
	m.alarm(ev, false)
}

func (m *Machine) authorize(ctx context.Context, code, op string) error {
	err := m.auth.Authorize(ctx, code)
	if err == nil {
		m.failures = 0
		return nil
	}
	if !errors.Is(err, ErrInvalidCode) {
		return fmt.Errorf("could not authorize %s: %w", op, err)
	}
	m.failures++
	log.Warn("invalid code", "operation", op, "consecutive", m.failures)
	m.publish(FailedAttempt{
		At:          m.clock.Now(),
		Consecutive: m.failures,
		Operation:   op,
	})
	return ErrInvalidCode
}

// alarm moves to ALARMED, or reinforces it, and emits the trigger.
func (m *Machine) alarm(ev zone.Event, silent bool) {
	lifeSafety := m.isLifeSafety(ev.Kind)
	priority := notify.PriorityHigh
	if m.active != nil {
		priority = m.active.Priority
	}
	if lifeSafety || ev.Kind == zone.KindPanic {
		priority = notify.PriorityCritical
	}
	siren := (m.active != nil && m.active.Siren) || lifeSafety || (ev.Kind == zone.KindPanic && !silent)

	m.cancelDelay()
	m.trigger = nil
	if m.state.Load().Mode != Alarmed {
		m.transition(Alarmed, ev.Kind.String()+" "+ev.SensorID)
	}
	if siren {
		m.setSiren(true)
	}

	trigger := AlarmTriggered{
		ZoneID:   ev.ZoneID,
		SensorID: ev.SensorID,
		Kind:     ev.Kind,
		At:       ev.At,
		Priority: priority,
		Siren:    siren,
		Silent:   silent,
	}
	if m.active != nil {
		trigger.ProfileID = m.active.ID
	}
	log.Error("alarm", "zone", ev.ZoneID, "sensor", ev.SensorID, "kind", ev.Kind, "priority", priority)
	m.publish(trigger)
}

func (m *Machine) startDelay(kind DelayKind, d time.Duration) {
	m.delays++
	id := m.delays
	c := &countdown{
		id:       id,
		kind:     kind,
		deadline: m.clock.Now().Add(d),
	}
	c.timer = m.clock.AfterFunc(d, func() { m.expire(id) })
	m.delay = c

	s := *m.state.Load()
	s.Delay = kind
	s.Deadline = c.deadline
	m.state.Store(&s)

	log.Info("delay started", "kind", kind, "duration", d)
	m.publish(DelayStarted{Kind: kind, Duration: d, Deadline: c.deadline})
}

func (m *Machine) cancelDelay() {
	if m.delay == nil {
		return
	}
	m.delay.timer.Stop()
	kind := m.delay.kind
	m.delay = nil
	m.clearDelayState()
	log.Info("delay cancelled", "kind", kind)
	m.publish(DelayCancelled{Kind: kind, At: m.clock.Now()})
}

func (m *Machine) expire(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.delay == nil || m.delay.id != id {
		return
	}
	kind := m.delay.kind
	m.delay = nil
	m.clearDelayState()

	switch kind {
	case DelayExit:
		m.transition(m.active.Mode, "exit delay elapsed")
	case DelayEntry:
		ev := *m.trigger
		m.alarm(ev, false)
	}
}

func (m *Machine) clearDelayState() {
	s := *m.state.Load()
	s.Delay = 0
	s.Deadline = time.Time{}
	m.state.Store(&s)
}

func (m *Machine) transition(to Mode, reason string) {
	prev := m.state.Load()
	if !prev.Mode.CanTransitionTo(to) {
		log.Error("refusing transition", "from", prev.Mode, "to", to, "err", ErrInvalidTransition)
		return
	}
	next := State{
		Mode:  to,
		Since: m.clock.Now(),
		Siren: prev.Siren,
	}
	if m.active != nil && to != Disarmed {
		next.ProfileID = m.active.ID
	}
	m.state.Store(&next)

	log.Info("state changed", "from", prev.Mode, "to", to, "reason", reason)
	m.publish(StateChanged{
		From:      prev.Mode,
		To:        to,
		At:        next.Since,
		ProfileID: next.ProfileID,
		Reason:    reason,
	})
}

func (m *Machine) setSiren(on bool) {
	if m.siren == on {
		return
	}
	m.siren = on
	s := *m.state.Load()
	s.Siren = on
	m.state.Store(&s)
	m.publish(SirenChanged{On: on, At: m.clock.Now()})
}

func (m *Machine) isLifeSafety(k zone.Kind) bool {
	return slices.Contains(m.lifeSafety, k)
}

func (m *Machine) publish(ev event.Event) {
	m.bus.Publish(ev)
}
