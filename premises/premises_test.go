package premises

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/emergency"
	"github.com/caarlos0/safehome/event"
	"github.com/caarlos0/safehome/incident"
	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/zone"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

const topologyYAML = `
name: test house
zones:
  - id: front
    name: Front door
    entry_path: true
    adjacent: [hall]
    sensors:
      - id: door
        kind: contact
  - id: hall
    occupied: false
    sensors:
      - id: pir
        kind: motion
  - id: kitchen
    sensors:
      - id: smoke
        kind: smoke
      - id: gas
        kind: gas
        threshold: 0.4
profiles:
  - id: away
    mode: ARMED_AWAY
    exit_delay: 30s
    entry_delay: 20s
    zones: [front, hall, kitchen]
    siren: true
    priority: high
  - id: home
    mode: ARMED_HOME
    zones: [front]
    priority: normal
recipients:
  - name: owner
    channel: push
    address: owner-phone
`

type world struct {
	p         *Premises
	clk       *clock.Mock
	rec       *event.Recorder
	delivered atomic.Int32
	responses atomic.Int32
}

func newWorld(tb testing.TB) *world {
	tb.Helper()
	top, err := ParseTopology([]byte(topologyYAML))
	require.NoError(tb, err)

	w := &world{clk: clock.NewMock(), rec: event.NewRecorder(0)}
	bus := event.NewBus()
	bus.Subscribe(w.rec.Handle)
	zero := func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	p, err := New(top, Options{
		Clock:      w.clk,
		Bus:        bus,
		Authorizer: arming.StaticCodes{"owner": "1234"},
		Incident: incident.Config{
			VerificationWindow:   time.Minute,
			InvalidCodeThreshold: 3,
			Target:               "monitoring",
		},
		Channels: []notify.Channel{notify.ChannelFunc{ChannelName: "push", Fn: func(context.Context, notify.Message) error {
			w.delivered.Add(1)
			return nil
		}}},
		Responder: emergency.ResponderFunc(func(context.Context, emergency.Request) (string, error) {
			w.responses.Add(1)
			return "ref", nil
		}),
		NotifyOptions:  []notify.Option{notify.WithBackOff(zero)},
		GatewayOptions: []emergency.Option{emergency.WithBackOff(zero)},
	})
	require.NoError(tb, err)
	tb.Cleanup(func() { require.NoError(tb, p.Close()) })
	w.p = p
	return w
}

func (w *world) modes() []arming.Mode {
	var result []arming.Mode
	for _, ev := range event.Filter[arming.StateChanged](w.rec) {
		result = append(result, ev.To)
	}
	return result
}

func (w *world) ingest(tb testing.TB, sensorID string, seq uint64, r zone.Reading) zone.Outcome {
	tb.Helper()
	r.SensorID = sensorID
	r.Sequence = seq
	outcome, err := w.p.Ingest(r)
	require.NoError(tb, err)
	return outcome
}

func TestArmAwayThroughExitDelay(t *testing.T) {
	w := newWorld(t)
	_, err := w.p.Arm(context.Background(), ArmCommand{ProfileID: "away", Code: "1234"})
	require.NoError(t, err)
	w.clk.Add(30 * time.Second)
	require.Eventually(t, func() bool {
		return w.p.State().Mode == arming.ArmedAway
	}, time.Second, time.Millisecond)
	require.Equal(t, []arming.Mode{arming.ExitDelay, arming.ArmedAway}, w.modes())
}

func TestMotionWhileArmedAway(t *testing.T) {
	w := newWorld(t)
	_, err := w.p.Arm(context.Background(), ArmCommand{ProfileID: "away", Code: "1234"})
	require.NoError(t, err)
	w.clk.Add(30 * time.Second)
	require.Eventually(t, func() bool {
		return w.p.State().Mode == arming.ArmedAway
	}, time.Second, time.Millisecond)

	w.ingest(t, "pir", 1, zone.Reading{Active: true})
	require.Equal(t, arming.Alarmed, w.p.State().Mode)
	require.Len(t, event.Filter[arming.AlarmTriggered](w.rec), 1)

	created := event.Filter[incident.Created](w.rec)
	require.Len(t, created, 1)
	require.Equal(t, incident.StatusOpen, created[0].Status)
	require.Equal(t, "hall", created[0].ZoneID)

	// corroborated by the front door, which is adjacent.
	w.ingest(t, "door", 1, zone.Reading{Active: true})
	w.p.Incidents.Wait()
	active := w.p.Incidents.Active()
	require.Len(t, active, 1)
	require.Equal(t, incident.StatusEscalated, active[0].Status)
	require.EqualValues(t, 1, w.responses.Load())
	require.EqualValues(t, 1, w.delivered.Load())
}

func TestSmokeWhileArmedHome(t *testing.T) {
	w := newWorld(t)
	_, err := w.p.Arm(context.Background(), ArmCommand{ProfileID: "home", Code: "1234"})
	require.NoError(t, err)

	w.ingest(t, "smoke", 1, zone.Reading{Active: true})
	require.Equal(t, arming.Alarmed, w.p.State().Mode)
	require.True(t, w.p.State().Siren)

	all := w.p.Incidents.All()
	require.Len(t, all, 1)
	require.Equal(t, incident.ClassFire, all[0].Class)
	require.Equal(t, incident.StatusEscalated, all[0].Status)
	require.Empty(t, event.Filter[incident.Dismissed](w.rec))
	for _, entry := range all[0].Log {
		require.NotEqual(t, "dismissed", entry.Kind)
	}

	// a second trigger of the same incident never creates another one.
	w.ingest(t, "smoke", 2, zone.Reading{Active: true})
	w.p.Incidents.Wait()
	require.Len(t, w.p.Incidents.All(), 1)
	require.EqualValues(t, 1, w.responses.Load())
}

func TestEntryDelayThenDisarm(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	_, err := w.p.Arm(ctx, ArmCommand{ProfileID: "away", Code: "1234"})
	require.NoError(t, err)
	w.clk.Add(30 * time.Second)
	require.Eventually(t, func() bool {
		return w.p.State().Mode == arming.ArmedAway
	}, time.Second, time.Millisecond)

	w.ingest(t, "door", 1, zone.Reading{Active: true})
	require.Equal(t, arming.EntryDelay, w.p.State().Mode)
	w.clk.Add(19 * time.Second)
	_, err = w.p.Disarm(ctx, DisarmCommand{Code: "1234"})
	require.NoError(t, err)
	w.clk.Add(time.Minute)

	require.Equal(t, arming.Disarmed, w.p.State().Mode)
	require.Empty(t, event.Filter[arming.AlarmTriggered](w.rec))
	require.Empty(t, w.p.Incidents.All())
}

func TestBypassedSensor(t *testing.T) {
	w := newWorld(t)
	_, err := w.p.Arm(context.Background(), ArmCommand{ProfileID: "home", Code: "1234"})
	require.NoError(t, err)

	_, err = w.p.Bypass(BypassCommand{SensorID: "door", DurationSeconds: 600, Reason: "window open"})
	require.NoError(t, err)
	require.Equal(t, zone.OutcomeSuppressed, w.ingest(t, "door", 1, zone.Reading{Active: true}))
	require.Equal(t, arming.ArmedHome, w.p.State().Mode)

	require.Equal(t, zone.OutcomeQualified, w.ingest(t, "door", 2, zone.Reading{Tamper: true}))
	require.Equal(t, arming.Alarmed, w.p.State().Mode)

	_, err = w.p.Bypass(BypassCommand{SensorID: "ghost", DurationSeconds: 60})
	require.ErrorIs(t, err, zone.ErrUnknownSensor)
}

func TestRepeatedInvalidCodes(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	_, err := w.p.Arm(ctx, ArmCommand{ProfileID: "home", Code: "1234"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := w.p.Disarm(ctx, DisarmCommand{Code: "0000"})
		require.ErrorIs(t, err, arming.ErrInvalidCode)
	}
	all := w.p.Incidents.All()
	require.Len(t, all, 1)
	require.Equal(t, incident.ClassTamper, all[0].Class)
	require.Equal(t, arming.ArmedHome, w.p.State().Mode)
}

func TestPanicAndResolve(t *testing.T) {
	w := newWorld(t)
	state := w.p.Panic(PanicCommand{Source: "keyfob", Silent: true})
	require.Equal(t, arming.Alarmed, state.Mode)
	require.False(t, state.Siren)

	w.p.Incidents.Wait()
	all := w.p.Incidents.All()
	require.Len(t, all, 1)
	require.Equal(t, incident.ClassPanic, all[0].Class)

	_, err := w.p.Acknowledge(AcknowledgeCommand{IncidentID: all[0].ID, By: "owner"})
	require.NoError(t, err)
	resolved, err := w.p.Resolve(ResolveCommand{IncidentID: all[0].ID, Notes: "test", Resolver: "owner"})
	require.NoError(t, err)
	require.Equal(t, incident.StatusResolved, resolved.Status)

	_, err = w.p.Resolve(ResolveCommand{IncidentID: all[0].ID, Resolver: "owner"})
	require.ErrorIs(t, err, incident.ErrAlreadyResolved)
	_, err = w.p.Resolve(ResolveCommand{IncidentID: "nope", Resolver: "owner"})
	require.ErrorIs(t, err, incident.ErrUnknownIncident)
}

func TestRun(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = w.p.Run(ctx)
	}()
	_, err := w.p.Bypass(BypassCommand{SensorID: "pir", DurationSeconds: 10})
	require.NoError(t, err)
	w.clk.Add(time.Minute)
	require.Eventually(t, func() bool {
		return len(w.p.Zones.Bypasses()) == 0
	}, time.Second, time.Millisecond)
	cancel()
	wg.Wait()

	snap := w.p.Snapshot()
	require.Equal(t, "test house", snap.Name)
	require.Len(t, snap.Zones, 3)
	require.Len(t, snap.Sensors, 4)
}

func TestIndependentPremises(t *testing.T) {
	a := newWorld(t)
	b := newWorld(t)
	_, err := a.p.Arm(context.Background(), ArmCommand{ProfileID: "home", Code: "1234"})
	require.NoError(t, err)
	require.Equal(t, arming.ArmedHome, a.p.State().Mode)
	require.Equal(t, arming.Disarmed, b.p.State().Mode)
}
