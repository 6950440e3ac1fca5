// Package zone tracks sensors, their zones and bypasses, and turns raw
// readings into qualifying zone events.
package zone

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/caarlos0/safehome/event"
	logp "github.com/charmbracelet/log"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "zone",
})

var (
	ErrUnknownSensor   = errors.New("unknown sensor")
	ErrUnknownZone     = errors.New("unknown zone")
	ErrZoneMismatch    = errors.New("reading zone does not match sensor zone")
	ErrInvalidDuration = errors.New("bypass duration must be positive")
	ErrNotBypassed     = errors.New("sensor is not bypassed")
)

const defaultAuditSize = 32

type bypass struct {
	BypassEntry
	timer *clock.Timer
}

// Supervisor owns the sensor registry and the bypass set of one premises.
//
// All mutations, and the events they publish, are serialized under a single
// lock, so events of the same sensor reach subscribers in sequence order.
type Supervisor struct {
	mu        sync.Mutex
	clock     clock.Clock
	bus       *event.Bus
	zones     map[string]*Zone
	sensors   map[string]Sensor
	bypasses  map[string]*bypass
	lastSeq   map[string]uint64
	audit     map[string][]Reading
	auditSize int

	// adjacency is fixed at construction and read without the lock.
	adjacency map[string][]string
}

type Option func(*Supervisor)

// WithAuditSize sets how many readings are kept per sensor.
func WithAuditSize(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.auditSize = n
		}
	}
}

// New returns a supervisor for the given zones and sensors. Each sensor must
// reference an existing zone; zone member lists are built from the sensors.
func New(clk clock.Clock, bus *event.Bus, zones []Zone, sensors []Sensor, opts ...Option) (*Supervisor, error) {
	if clk == nil {
		clk = clock.New()
	}
	if bus == nil {
		bus = event.NewBus()
	}
	s := &Supervisor{
		clock:     clk,
		bus:       bus,
		zones:     map[string]*Zone{},
		sensors:   map[string]Sensor{},
		bypasses:  map[string]*bypass{},
		lastSeq:   map[string]uint64{},
		audit:     map[string][]Reading{},
		auditSize: defaultAuditSize,
		adjacency: map[string][]string{},
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, z := range zones {
		if z.ID == "" {
			return nil, fmt.Errorf("zone without id")
		}
		if _, ok := s.zones[z.ID]; ok {
			return nil, fmt.Errorf("duplicated zone: %s", z.ID)
		}
		z := z
		z.Sensors = nil
		z.Adjacent = slices.Clone(z.Adjacent)
		s.zones[z.ID] = &z
	}
	for _, z := range s.zones {
		for _, adj := range z.Adjacent {
			if _, ok := s.zones[adj]; !ok {
				return nil, fmt.Errorf("zone %s: adjacent %w: %s", z.ID, ErrUnknownZone, adj)
			}
			s.adjacency[z.ID] = append(s.adjacency[z.ID], adj)
			s.adjacency[adj] = append(s.adjacency[adj], z.ID)
		}
	}
	for _, sensor := range sensors {
		if sensor.ID == "" {
			return nil, fmt.Errorf("sensor without id")
		}
		if _, ok := s.sensors[sensor.ID]; ok {
			return nil, fmt.Errorf("duplicated sensor: %s", sensor.ID)
		}
		z, ok := s.zones[sensor.Zone]
		if !ok {
			return nil, fmt.Errorf("sensor %s: %w: %q", sensor.ID, ErrUnknownZone, sensor.Zone)
		}
		if sensor.Kind == 0 || sensor.Kind == KindBypassExpired {
			return nil, fmt.Errorf("sensor %s: invalid kind %s", sensor.ID, sensor.Kind)
		}
		s.sensors[sensor.ID] = sensor
		z.Sensors = append(z.Sensors, sensor.ID)
	}
	return s, nil
}

// Ingest normalizes a reading. Bypassed sensors are recorded but produce no
// event, except for tamper, which always qualifies.
func (s *Supervisor) Ingest(r Reading) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sensor, ok := s.sensors[r.SensorID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSensor, r.SensorID)
	}
	if r.ZoneID != "" && r.ZoneID != sensor.Zone {
		return 0, fmt.Errorf("%w: sensor %s is in %s, got %s", ErrZoneMismatch, sensor.ID, sensor.Zone, r.ZoneID)
	}
	if last, seen := s.lastSeq[sensor.ID]; seen && r.Sequence <= last {
		log.Warn("dropping stale reading", "sensor", sensor.ID, "sequence", r.Sequence, "last", last)
		return OutcomeStale, nil
	}
	s.lastSeq[sensor.ID] = r.Sequence
	r.ZoneID = sensor.Zone
	if r.Kind == 0 {
		r.Kind = sensor.Kind
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.clock.Now()
	}
	s.record(r)

	// a timer may not have fired yet for an entry that is already due.
	if b, ok := s.bypasses[sensor.ID]; ok && !s.clock.Now().Before(b.Until) {
		s.expireLocked(b)
	}

	kind, qualifies := s.qualify(sensor, r)
	outcome := OutcomeIgnored
	if qualifies {
		outcome = OutcomeQualified
		if _, bypassed := s.bypasses[sensor.ID]; bypassed && kind != KindTamper {
			outcome = OutcomeSuppressed
		}
	}

	s.bus.Publish(ReadingRecorded{Reading: r, Outcome: outcome})
	if outcome != OutcomeQualified {
		log.Debug("reading", "sensor", sensor.ID, "outcome", outcome)
		return outcome, nil
	}

	z := s.zones[sensor.Zone]
	log.Info("zone event", "zone", z.ID, "sensor", sensor.ID, "kind", kind)
	s.bus.Publish(Event{
		SensorID:  sensor.ID,
		ZoneID:    z.ID,
		Kind:      kind,
		Sequence:  r.Sequence,
		At:        r.Timestamp,
		EntryPath: z.EntryPath,
		Occupied:  z.Occupied,
	})
	return OutcomeQualified, nil
}

func (s *Supervisor) qualify(sensor Sensor, r Reading) (Kind, bool) {
	if r.Tamper {
		return KindTamper, true
	}
	switch r.Kind {
	case KindGas:
		if sensor.Threshold > 0 {
			return KindGas, r.Level >= sensor.Threshold
		}
		return KindGas, r.Active
	case KindBypassExpired:
		return 0, false
	default:
		return r.Kind, r.Active
	}
}

func (s *Supervisor) record(r Reading) {
	trail := append(s.audit[r.SensorID], r)
	if len(trail) > s.auditSize {
		trail = trail[len(trail)-s.auditSize:]
	}
	s.audit[r.SensorID] = trail
}

// Bypass suppresses the sensor's non-tamper events for d, replacing any
// active bypass of the same sensor.
func (s *Supervisor) Bypass(sensorID string, d time.Duration, reason string) (BypassEntry, error) {
	if d <= 0 {
		return BypassEntry{}, ErrInvalidDuration
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sensors[sensorID]; !ok {
		return BypassEntry{}, fmt.Errorf("%w: %q", ErrUnknownSensor, sensorID)
	}
	if old, ok := s.bypasses[sensorID]; ok {
		old.timer.Stop()
	}

	b := &bypass{
		BypassEntry: BypassEntry{
			SensorID: sensorID,
			Until:    s.clock.Now().Add(d),
			Reason:   reason,
		},
	}
	b.timer = s.clock.AfterFunc(d, func() { s.expire(b) })
	s.bypasses[sensorID] = b

	log.Info("bypass", "sensor", sensorID, "until", b.Until, "reason", reason)
	s.bus.Publish(BypassSet{BypassEntry: b.BypassEntry})
	return b.BypassEntry, nil
}

// ClearBypass removes an active bypass before it expires.
func (s *Supervisor) ClearBypass(sensorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sensors[sensorID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSensor, sensorID)
	}
	b, ok := s.bypasses[sensorID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotBypassed, sensorID)
	}
	b.timer.Stop()
	delete(s.bypasses, sensorID)

	log.Info("bypass cleared", "sensor", sensorID)
	s.bus.Publish(BypassCleared{SensorID: sensorID, At: s.clock.Now()})
	return nil
}

// Sweep expires every bypass that is due. Timers normally do this; Sweep lets
// a poller catch up after clock jumps.
func (s *Supervisor) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []*bypass
	for _, b := range s.bypasses {
		if !now.Before(b.Until) {
			due = append(due, b)
		}
	}
	slices.SortFunc(due, func(a, b *bypass) int {
		return a.Until.Compare(b.Until)
	})
	for _, b := range due {
		s.expireLocked(b)
	}
	return len(due)
}

func (s *Supervisor) expire(b *bypass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(b)
}

func (s *Supervisor) expireLocked(b *bypass) {
	if current, ok := s.bypasses[b.SensorID]; !ok || current != b {
		return
	}
	b.timer.Stop()
	delete(s.bypasses, b.SensorID)

	sensor := s.sensors[b.SensorID]
	z := s.zones[sensor.Zone]
	now := s.clock.Now()
	log.Info("bypass expired", "sensor", b.SensorID)
	s.bus.Publish(BypassCleared{SensorID: b.SensorID, Expired: true, At: now})
	s.bus.Publish(Event{
		SensorID:  b.SensorID,
		ZoneID:    z.ID,
		Kind:      KindBypassExpired,
		Sequence:  s.lastSeq[b.SensorID],
		At:        now,
		EntryPath: z.EntryPath,
		Occupied:  z.Occupied,
	})
}

// Bypassed returns the active bypass of the sensor, if any.
func (s *Supervisor) Bypassed(sensorID string) (BypassEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bypasses[sensorID]
	if !ok || !s.clock.Now().Before(b.Until) {
		return BypassEntry{}, false
	}
	return b.BypassEntry, true
}

// Bypasses lists active bypasses ordered by expiry.
func (s *Supervisor) Bypasses() []BypassEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]BypassEntry, 0, len(s.bypasses))
	for _, b := range s.bypasses {
		result = append(result, b.BypassEntry)
	}
	slices.SortFunc(result, func(a, b BypassEntry) int {
		return a.Until.Compare(b.Until)
	})
	return result
}

// SetOccupancy updates a zone's presence hint.
func (s *Supervisor) SetOccupancy(zoneID string, occupied bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zoneID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownZone, zoneID)
	}
	z.Occupied = occupied
	log.Info("occupancy", "zone", zoneID, "occupied", occupied)
	return nil
}

// Audit returns the most recent readings of a sensor, oldest first.
func (s *Supervisor) Audit(sensorID string) []Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit[sensorID])
}

func (s *Supervisor) Sensor(id string) (Sensor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sensor, ok := s.sensors[id]
	return sensor, ok
}

func (s *Supervisor) Sensors() []Sensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := maps.Values(s.sensors)
	slices.SortFunc(result, func(a, b Sensor) int {
		if a.Zone != b.Zone {
			return strings.Compare(a.Zone, b.Zone)
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result
}

func (s *Supervisor) Zone(id string) (Zone, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[id]
	if !ok {
		return Zone{}, false
	}
	return cloneZone(z), true
}

func (s *Supervisor) Zones() []Zone {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Zone, 0, len(s.zones))
	for _, z := range s.zones {
		result = append(result, cloneZone(z))
	}
	slices.SortFunc(result, func(a, b Zone) int {
		return strings.Compare(a.ID, b.ID)
	})
	return result
}

// Adjacent reports whether a and b are the same zone or neighbors. It is
// safe to call from event handlers.
func (s *Supervisor) Adjacent(a, b string) bool {
	return a == b || slices.Contains(s.adjacency[a], b)
}

func cloneZone(z *Zone) Zone {
	c := *z
	c.Sensors = slices.Clone(z.Sensors)
	c.Adjacent = slices.Clone(z.Adjacent)
	return c
}
