// Package incident turns alarm triggers into incident records, verifies and
// escalates them, and tracks them until resolved.
package incident

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/emergency"
	"github.com/caarlos0/safehome/event"
	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/zone"
	logp "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "incident",
})

var (
	ErrUnknownIncident   = errors.New("unknown incident")
	ErrAlreadyResolved   = errors.New("incident already resolved")
	ErrInvalidTransition = errors.New("invalid incident transition")
)

// keypadSource is the sensor id of incidents raised by repeated invalid
// codes.
const keypadSource = "keypad"

// Topology answers whether two zones are the same or neighbors.
type Topology interface {
	Adjacent(a, b string) bool
}

type Notifier interface {
	SendBatch(ctx context.Context, msgs []notify.Message) ([]notify.Message, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req emergency.Request) (emergency.Request, error)
	Redispatch(ctx context.Context, incidentID string, tier int, operator string) (emergency.Request, error)
}

type Config struct {
	// VerificationWindow bounds how long an incident waits for
	// corroboration before it is dismissed.
	VerificationWindow time.Duration
	// InvalidCodeThreshold is how many consecutive invalid codes raise a
	// tamper incident.
	InvalidCodeThreshold int
	// HighConfidence kinds confirm as soon as they are verified.
	HighConfidence []zone.Kind
	// LifeSafety kinds skip verification entirely.
	LifeSafety []zone.Kind
	// ResponseClasses require an emergency dispatch on escalation.
	ResponseClasses []Class
	// AckTimeout re-escalates to the next tier when nobody acknowledges.
	// Zero disables re-escalation.
	AckTimeout time.Duration
	MaxTier    int
	Recipients []notify.Recipient
	// Target names the external responder service.
	Target string
	// MinConfidence is the lowest verification signal that confirms.
	MinConfidence float64
}

func (c Config) Validate() error {
	if c.VerificationWindow <= 0 {
		return fmt.Errorf("verification window must be positive")
	}
	if c.InvalidCodeThreshold <= 0 {
		return fmt.Errorf("invalid code threshold must be positive")
	}
	if c.AckTimeout < 0 {
		return fmt.Errorf("ack timeout cannot be negative")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be between 0 and 1")
	}
	return nil
}

type sameZone struct{}

func (sameZone) Adjacent(a, b string) bool { return a == b }

type record struct {
	inc    *Incident
	verify *clock.Timer
	ack    *clock.Timer
}

func (r *record) stopTimers() {
	if r.verify != nil {
		r.verify.Stop()
		r.verify = nil
	}
	if r.ack != nil {
		r.ack.Stop()
		r.ack = nil
	}
}

// Manager exclusively owns the incidents of a premises.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	clock      clock.Clock
	bus        *event.Bus
	topology   Topology
	notifier   Notifier
	dispatcher Dispatcher

	incidents map[string]*record
	order     []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Manager)

func WithTopology(t Topology) Option {
	return func(m *Manager) {
		m.topology = t
	}
}

func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.notifier = n
	}
}

func WithDispatcher(d Dispatcher) Option {
	return func(m *Manager) {
		m.dispatcher = d
	}
}

func New(clk clock.Clock, bus *event.Bus, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxTier < 1 {
		cfg.MaxTier = 1
	}
	if cfg.ResponseClasses == nil {
		cfg.ResponseClasses = []Class{ClassFire, ClassIntrusion, ClassPanic}
	}
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		clock:     clk,
		bus:       bus,
		topology:  sameZone{},
		incidents: map[string]*record{},
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Handle is the bus subscriber.
func (m *Manager) Handle(ev event.Event) {
	switch ev := ev.(type) {
	case arming.AlarmTriggered:
		m.Trigger(ev)
	case arming.FailedAttempt:
		m.failedAttempt(ev)
	case zone.Event:
		m.observe(ev)
	}
}

// Trigger records an alarm trigger. It folds into an active incident of the
// same class in the same or an adjacent zone, or creates a new one.
func (m *Manager) Trigger(t arming.AlarmTriggered) Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trigger(t.Kind, t.ZoneID, t.SensorID, t.ProfileID, t.Priority, t.At, "alarm").clone()
}

func (m *Manager) trigger(kind zone.Kind, zoneID, sensorID, profileID string, priority notify.Priority, at time.Time, source string) *Incident {
	if at.IsZero() {
		at = m.clock.Now()
	}
	class := ClassFor(kind)

	if rec := m.findActive(class, zoneID); rec != nil {
		entry := Entry{At: at, Kind: "retrigger", SensorID: sensorID, ZoneID: zoneID, Source: source}
		rec.inc.Log = append(rec.inc.Log, entry)
		log.Info("folding trigger", "incident", rec.inc.ID, "sensor", sensorID, "status", rec.inc.Status)
		if rec.inc.Status == StatusVerifying && sensorID != rec.inc.SensorID {
			m.confirm(rec, "corroborated by "+sensorID)
		} else {
			m.publish(Updated{Incident: rec.inc.clone(), Entry: entry})
		}
		return rec.inc
	}

	if priority == 0 {
		priority = notify.PriorityHigh
	}
	inc := &Incident{
		ID:        uuid.NewString(),
		Class:     class,
		ZoneID:    zoneID,
		SensorID:  sensorID,
		Kind:      kind,
		ProfileID: profileID,
		CreatedAt: at,
		Status:    StatusOpen,
		Priority:  priority,
		Log: []Entry{{
			At:       at,
			Kind:     "trigger",
			SensorID: sensorID,
			ZoneID:   zoneID,
			Source:   source,
		}},
	}
	rec := &record{inc: inc}
	m.incidents[inc.ID] = rec
	m.order = append(m.order, inc.ID)
	log.Warn("incident created", "id", inc.ID, "class", class, "zone", zoneID, "sensor", sensorID)
	m.publish(Created{Incident: inc.clone()})

	switch {
	case m.skipsVerification(kind) || source == keypadSource:
		m.confirm(rec, "life safety")
	default:
		m.startVerification(rec)
		if slices.Contains(m.cfg.HighConfidence, kind) {
			m.confirm(rec, "high confidence sensor")
		}
	}
	return inc
}

func (m *Manager) skipsVerification(kind zone.Kind) bool {
	return kind == zone.KindPanic || slices.Contains(m.cfg.LifeSafety, kind)
}

func (m *Manager) findActive(class Class, zoneID string) *record {
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.incidents[m.order[i]]
		if !rec.inc.Status.Active() || rec.inc.Class != class {
			continue
		}
		if m.topology.Adjacent(rec.inc.ZoneID, zoneID) {
			return rec
		}
	}
	return nil
}

// observe uses raw zone events as corroboration for incidents being
// verified, and as log entries for confirmed ones.
func (m *Manager) observe(ev zone.Event) {
	if ev.Kind == zone.KindBypassExpired {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.findActive(ClassFor(ev.Kind), ev.ZoneID)
	if rec == nil || rec.inc.SensorID == ev.SensorID {
		return
	}
	entry := Entry{At: ev.At, Kind: "corroboration", SensorID: ev.SensorID, ZoneID: ev.ZoneID, Source: "sensor"}
	rec.inc.Log = append(rec.inc.Log, entry)
	if rec.inc.Status == StatusVerifying {
		m.confirm(rec, "corroborated by "+ev.SensorID)
		return
	}
	m.publish(Updated{Incident: rec.inc.clone(), Entry: entry})
}

func (m *Manager) failedAttempt(ev arming.FailedAttempt) {
	if ev.Consecutive%m.cfg.InvalidCodeThreshold != 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Warn("repeated invalid codes", "consecutive", ev.Consecutive, "operation", ev.Operation)
	m.trigger(zone.KindTamper, "", keypadSource, "", notify.PriorityHigh, ev.At, keypadSource)
}

// Verify applies an external confirmation signal.
func (m *Manager) Verify(sig VerificationSignal) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.incidents[sig.IncidentID]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %q", ErrUnknownIncident, sig.IncidentID)
	}
	entry := Entry{
		At:     m.clock.Now(),
		Kind:   "verification",
		Source: sig.Source,
		Detail: fmt.Sprintf("confidence %.2f", sig.Confidence),
	}
	rec.inc.Log = append(rec.inc.Log, entry)
	if rec.inc.Status == StatusVerifying && sig.Confidence >= m.cfg.MinConfidence && sig.Confidence > 0 {
		m.confirm(rec, "verified by "+sig.Source)
	} else {
		m.publish(Updated{Incident: rec.inc.clone(), Entry: entry})
	}
	return rec.inc.clone(), nil
}

// Acknowledge marks a confirmed incident as being handled, which stops
// re-escalation.
func (m *Manager) Acknowledge(id, by string) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %q", ErrUnknownIncident, id)
	}
	switch rec.inc.Status {
	case StatusResolved:
		return rec.inc.clone(), ErrAlreadyResolved
	case StatusConfirmed, StatusEscalated:
	default:
		return rec.inc.clone(), fmt.Errorf("%w: cannot acknowledge %s incident", ErrInvalidTransition, rec.inc.Status)
	}
	if rec.inc.AcknowledgedBy != "" {
		return rec.inc.clone(), nil
	}
	if rec.ack != nil {
		rec.ack.Stop()
		rec.ack = nil
	}
	now := m.clock.Now()
	rec.inc.AcknowledgedBy = by
	rec.inc.AcknowledgedAt = now
	rec.inc.Log = append(rec.inc.Log, Entry{At: now, Kind: "acknowledged", Source: by})
	log.Info("incident acknowledged", "id", id, "by", by)
	m.publish(Acknowledged{Incident: rec.inc.clone()})
	return rec.inc.clone(), nil
}

// Resolve closes an incident. In-flight notifications and dispatches are not
// cancelled, but no further escalation happens.
func (m *Manager) Resolve(id, notes, by string) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %q", ErrUnknownIncident, id)
	}
	if rec.inc.Status == StatusResolved {
		return rec.inc.clone(), ErrAlreadyResolved
	}
	if !m.transition(rec, StatusResolved) {
		return rec.inc.clone(), fmt.Errorf("%w: cannot resolve %s incident", ErrInvalidTransition, rec.inc.Status)
	}
	rec.stopTimers()
	now := m.clock.Now()
	rec.inc.ResolvedBy = by
	rec.inc.ResolvedAt = now
	rec.inc.Notes = notes
	rec.inc.Log = append(rec.inc.Log, Entry{At: now, Kind: "resolved", Source: by, Detail: notes})
	log.Info("incident resolved", "id", id, "by", by)
	m.publish(Resolved{Incident: rec.inc.clone()})
	return rec.inc.clone(), nil
}

func (m *Manager) Get(id string) (Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.incidents[id]
	if !ok {
		return Incident{}, false
	}
	return rec.inc.clone(), true
}

// Active lists the incidents not yet resolved, oldest first.
func (m *Manager) Active() []Incident {
	return m.list(func(inc *Incident) bool { return inc.Status != StatusResolved })
}

// All lists every incident, oldest first.
func (m *Manager) All() []Incident {
	return m.list(func(*Incident) bool { return true })
}

func (m *Manager) list(keep func(*Incident) bool) []Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Incident
	for _, id := range m.order {
		if inc := m.incidents[id].inc; keep(inc) {
			result = append(result, inc.clone())
		}
	}
	return result
}

// Wait blocks until every issued notification and dispatch returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops all timers and cancels outstanding escalation work.
func (m *Manager) Close() error {
	m.mu.Lock()
	for _, rec := range m.incidents {
		rec.stopTimers()
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) startVerification(rec *record) {
	if !m.transition(rec, StatusVerifying) {
		return
	}
	rec.inc.VerifyBy = m.clock.Now().Add(m.cfg.VerificationWindow)
	inc := rec.inc
	rec.verify = m.clock.AfterFunc(m.cfg.VerificationWindow, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if inc.Status != StatusVerifying {
			return
		}
		rec.verify = nil
		m.transition(rec, StatusDismissed)
		inc.Log = append(inc.Log, Entry{At: m.clock.Now(), Kind: "dismissed", Detail: "verification window elapsed"})
		log.Info("incident dismissed", "id", inc.ID)
		m.publish(Dismissed{Incident: inc.clone()})
	})
	log.Info("verifying", "id", rec.inc.ID, "until", rec.inc.VerifyBy)
}

func (m *Manager) confirm(rec *record, reason string) {
	if !m.transition(rec, StatusConfirmed) {
		return
	}
	if rec.verify != nil {
		rec.verify.Stop()
		rec.verify = nil
	}
	rec.inc.Log = append(rec.inc.Log, Entry{At: m.clock.Now(), Kind: "confirmed", Detail: reason})
	log.Warn("incident confirmed", "id", rec.inc.ID, "reason", reason)
	m.publish(Confirmed{Incident: rec.inc.clone(), Reason: reason})
	m.escalate(rec)
}

// escalate moves to the next tier and issues its notifications and dispatch.
// It always runs under the lock, so it never races with Resolve.
func (m *Manager) escalate(rec *record) {
	inc := rec.inc
	if inc.Status == StatusConfirmed && !m.transition(rec, StatusEscalated) {
		return
	}
	if inc.Status != StatusEscalated {
		return
	}
	inc.Tier++
	inc.Log = append(inc.Log, Entry{At: m.clock.Now(), Kind: "escalated", Detail: fmt.Sprintf("tier %d", inc.Tier)})
	log.Warn("incident escalated", "id", inc.ID, "tier", inc.Tier)
	snapshot := inc.clone()
	m.publish(Escalated{Incident: snapshot})

	m.notifyAsync(snapshot)
	if slices.Contains(m.cfg.ResponseClasses, inc.Class) {
		m.dispatchAsync(snapshot)
	}

	if m.cfg.AckTimeout > 0 && inc.Tier < m.cfg.MaxTier {
		tier := inc.Tier
		rec.ack = m.clock.AfterFunc(m.cfg.AckTimeout, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if inc.Status != StatusEscalated || inc.AcknowledgedBy != "" || inc.Tier != tier {
				return
			}
			rec.ack = nil
			m.escalate(rec)
		})
	}
}

func (m *Manager) notifyAsync(inc Incident) {
	if m.notifier == nil || len(m.cfg.Recipients) == 0 {
		return
	}
	msgs := make([]notify.Message, 0, len(m.cfg.Recipients))
	for _, r := range m.cfg.Recipients {
		msgs = append(msgs, notify.Message{
			Recipient: r,
			Channel:   r.Channel,
			Priority:  inc.Priority,
			Payload: notify.Payload{
				Title:      title(inc),
				Body:       body(inc),
				IncidentID: inc.ID,
				Class:      inc.Class.String(),
			},
		})
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sent, err := m.notifier.SendBatch(m.ctx, msgs)
		m.recordNotifications(inc.ID, inc.Tier, sent, err)
	}()
}

func (m *Manager) dispatchAsync(inc Incident) {
	if m.dispatcher == nil {
		return
	}
	req := emergency.Request{
		IncidentID: inc.ID,
		Tier:       inc.Tier,
		Target:     m.cfg.Target,
		Class:      inc.Class.String(),
		ZoneID:     inc.ZoneID,
		Summary:    body(inc),
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		result, err := m.dispatcher.Dispatch(m.ctx, req)
		m.recordDispatch(inc.ID, result, err)
	}()
}

func (m *Manager) recordNotifications(id string, tier int, sent []notify.Message, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.incidents[id]
	if !ok {
		return
	}
	delivered := 0
	for _, msg := range sent {
		if msg.Status == notify.StatusDelivered {
			delivered++
		}
	}
	entry := Entry{
		At:     m.clock.Now(),
		Kind:   "notification",
		Detail: fmt.Sprintf("tier %d: %d of %d delivered", tier, delivered, len(sent)),
	}
	if err != nil {
		entry.Detail += ": " + err.Error()
		log.Error("notifications failed", "incident", id, "err", err)
	}
	rec.inc.Log = append(rec.inc.Log, entry)
	m.publish(Updated{Incident: rec.inc.clone(), Entry: entry})
}

func (m *Manager) recordDispatch(id string, req emergency.Request, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.incidents[id]
	if !ok {
		return
	}
	rec.inc.Dispatch = &DispatchRecord{
		Key:       req.Key,
		Tier:      req.Tier,
		Status:    req.Status.String(),
		Reference: req.Reference,
		Error:     req.Error,
	}
	entry := Entry{
		At:     m.clock.Now(),
		Kind:   "dispatch",
		Source: req.Target,
		Detail: fmt.Sprintf("%s: %s", req.Key, req.Status),
	}
	if err != nil {
		entry.Detail += ": " + err.Error()
		rec.inc.Dispatch.Error = err.Error()
	}
	rec.inc.Log = append(rec.inc.Log, entry)
	if err != nil {
		log.Error("dispatch failed", "incident", id, "err", err)
		m.publish(DispatchFailed{Incident: rec.inc.clone(), Error: err.Error()})
		return
	}
	m.publish(Updated{Incident: rec.inc.clone(), Entry: entry})
}

// Redispatch repeats the emergency dispatch of the incident's current tier on
// an operator's behalf. It blocks until the responder answers.
func (m *Manager) Redispatch(ctx context.Context, id, operator string) (Incident, error) {
	m.mu.Lock()
	rec, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return Incident{}, fmt.Errorf("%w: %q", ErrUnknownIncident, id)
	}
	if rec.inc.Status == StatusResolved {
		m.mu.Unlock()
		return rec.inc.clone(), ErrAlreadyResolved
	}
	if rec.inc.Dispatch == nil || m.dispatcher == nil {
		m.mu.Unlock()
		return rec.inc.clone(), fmt.Errorf("%w: incident %s was never dispatched", ErrInvalidTransition, id)
	}
	tier := rec.inc.Dispatch.Tier
	rec.inc.Log = append(rec.inc.Log, Entry{At: m.clock.Now(), Kind: "redispatch", Source: operator})
	m.mu.Unlock()

	req, err := m.dispatcher.Redispatch(ctx, id, tier, operator)
	if err == nil || errors.Is(err, emergency.ErrDispatchUnavailable) {
		m.recordDispatch(id, req, err)
	}
	inc, _ := m.Get(id)
	return inc, err
}

func (m *Manager) transition(rec *record, to Status) bool {
	from := rec.inc.Status
	if !from.CanTransitionTo(to) {
		log.Debug("refusing transition", "id", rec.inc.ID, "from", from, "to", to)
		return false
	}
	rec.inc.Status = to
	return true
}

func (m *Manager) publish(ev event.Event) {
	m.bus.Publish(ev)
}

func title(inc Incident) string {
	switch inc.Class {
	case ClassFire:
		return "Fire alarm"
	case ClassGas:
		return "Gas leak"
	case ClassPanic:
		return "Panic alarm"
	case ClassTamper:
		return "Tamper alarm"
	default:
		return "Intrusion alarm"
	}
}

func body(inc Incident) string {
	where := inc.ZoneID
	if where == "" {
		where = inc.SensorID
	}
	return fmt.Sprintf("%s at %s (sensor %s), tier %d", title(inc), where, inc.SensorID, inc.Tier)
}
