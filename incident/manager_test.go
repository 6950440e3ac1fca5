package incident

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/emergency"
	"github.com/caarlos0/safehome/event"
	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/zone"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu      sync.Mutex
	batches [][]notify.Message
}

func (f *fakeNotifier) SendBatch(_ context.Context, msgs []notify.Message) ([]notify.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, msgs)
	result := make([]notify.Message, len(msgs))
	for i, m := range msgs {
		m.Status = notify.StatusDelivered
		result[i] = m
	}
	return result, nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []emergency.Request
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req emergency.Request) (emergency.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	req.Key = emergency.DedupeKey(req.IncidentID, req.Tier)
	if f.err != nil {
		req.Status = emergency.StatusUnavailable
		return req, f.err
	}
	req.Status = emergency.StatusAccepted
	req.Reference = "ref"
	return req, nil
}

func (f *fakeDispatcher) Redispatch(ctx context.Context, id string, tier int, operator string) (emergency.Request, error) {
	return f.Dispatch(ctx, emergency.Request{IncidentID: id, Tier: tier, Operator: operator})
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type topology map[string][]string

func (t topology) Adjacent(a, b string) bool {
	if a == b {
		return true
	}
	for _, z := range t[a] {
		if z == b {
			return true
		}
	}
	for _, z := range t[b] {
		if z == a {
			return true
		}
	}
	return false
}

type harness struct {
	m          *Manager
	clk        *clock.Mock
	rec        *event.Recorder
	notifier   *fakeNotifier
	dispatcher *fakeDispatcher
}

func testConfig() Config {
	return Config{
		VerificationWindow:   time.Minute,
		InvalidCodeThreshold: 3,
		HighConfidence:       []zone.Kind{zone.KindSmoke},
		LifeSafety:           []zone.Kind{zone.KindSmoke},
		Recipients: []notify.Recipient{
			{Name: "owner", Channel: "push", Address: "phone"},
			{Name: "neighbor", Channel: "sms", Address: "+5500000000"},
		},
		Target:        "monitoring",
		MinConfidence: 0.8,
	}
}

func newHarness(tb testing.TB, cfg Config) *harness {
	tb.Helper()
	h := &harness{
		clk:        clock.NewMock(),
		rec:        event.NewRecorder(0),
		notifier:   &fakeNotifier{},
		dispatcher: &fakeDispatcher{},
	}
	bus := event.NewBus()
	bus.Subscribe(h.rec.Handle)
	m, err := New(h.clk, bus, cfg,
		WithTopology(topology{"front": {"hall"}}),
		WithNotifier(h.notifier),
		WithDispatcher(h.dispatcher),
	)
	require.NoError(tb, err)
	tb.Cleanup(func() { require.NoError(tb, m.Close()) })
	h.m = m
	return h
}

func alarm(kind zone.Kind, zoneID, sensorID string) arming.AlarmTriggered {
	return arming.AlarmTriggered{
		ZoneID:    zoneID,
		SensorID:  sensorID,
		Kind:      kind,
		ProfileID: "away",
		Priority:  notify.PriorityHigh,
	}
}

func statuses(rec *event.Recorder) []string {
	var names []string
	for _, ev := range rec.Events() {
		switch ev.(type) {
		case Created, Confirmed, Dismissed, Escalated, Resolved:
			names = append(names, ev.Name())
		}
	}
	return names
}

func TestLifeSafetySkipsVerification(t *testing.T) {
	h := newHarness(t, testConfig())
	inc := h.m.Trigger(alarm(zone.KindSmoke, "kitchen", "smoke"))
	require.Equal(t, StatusEscalated, inc.Status)
	require.Equal(t, ClassFire, inc.Class)
	require.Equal(t, 1, inc.Tier)
	require.Equal(t, []string{
		"incident_created",
		"incident_confirmed",
		"incident_escalated",
	}, statuses(h.rec))
	require.Equal(t, StatusOpen, event.Filter[Created](h.rec)[0].Status)

	h.m.Wait()
	require.Equal(t, 1, h.notifier.count())
	require.Len(t, h.notifier.batches[0], 2)
	require.Equal(t, notify.PriorityHigh, h.notifier.batches[0][0].Priority)
	require.Equal(t, 1, h.dispatcher.count())
	require.Equal(t, "monitoring", h.dispatcher.requests[0].Target)

	got, ok := h.m.Get(inc.ID)
	require.True(t, ok)
	require.NotNil(t, got.Dispatch)
	require.Equal(t, "accepted", got.Dispatch.Status)
}

func TestVerification(t *testing.T) {
	t.Run("window elapses", func(t *testing.T) {
		h := newHarness(t, testConfig())
		inc := h.m.Trigger(alarm(zone.KindContact, "front", "door"))
		require.Equal(t, StatusVerifying, inc.Status)
		require.Equal(t, h.clk.Now().Add(time.Minute), inc.VerifyBy)

		h.clk.Add(time.Minute)
		require.Eventually(t, func() bool {
			got, _ := h.m.Get(inc.ID)
			return got.Status == StatusDismissed
		}, time.Second, time.Millisecond)
		h.m.Wait()
		require.Zero(t, h.notifier.count())
		require.Zero(t, h.dispatcher.count())

		resolved, err := h.m.Resolve(inc.ID, "cat", "alice")
		require.NoError(t, err)
		require.Equal(t, StatusResolved, resolved.Status)
		require.Equal(t, "cat", resolved.Notes)
		require.Empty(t, h.m.Active())
		require.Len(t, h.m.All(), 1)
	})

	t.Run("corroborated by another sensor", func(t *testing.T) {
		h := newHarness(t, testConfig())
		inc := h.m.Trigger(alarm(zone.KindContact, "front", "door"))
		h.m.Handle(zone.Event{ZoneID: "front", SensorID: "door", Kind: zone.KindContact})
		got, _ := h.m.Get(inc.ID)
		require.Equal(t, StatusVerifying, got.Status)

		h.m.Handle(zone.Event{ZoneID: "hall", SensorID: "pir", Kind: zone.KindMotion})
		got, _ = h.m.Get(inc.ID)
		require.Equal(t, StatusEscalated, got.Status)
		require.Equal(t, "corroborated by pir", event.Filter[Confirmed](h.rec)[0].Reason)

		h.clk.Add(time.Minute)
		got, _ = h.m.Get(inc.ID)
		require.Equal(t, StatusEscalated, got.Status)
	})

	t.Run("non adjacent zone does not corroborate", func(t *testing.T) {
		h := newHarness(t, testConfig())
		inc := h.m.Trigger(alarm(zone.KindContact, "front", "door"))
		h.m.Handle(zone.Event{ZoneID: "garage", SensorID: "g1", Kind: zone.KindContact})
		got, _ := h.m.Get(inc.ID)
		require.Equal(t, StatusVerifying, got.Status)
	})

	t.Run("verification signal", func(t *testing.T) {
		h := newHarness(t, testConfig())
		inc := h.m.Trigger(alarm(zone.KindMotion, "hall", "pir"))

		got, err := h.m.Verify(VerificationSignal{IncidentID: inc.ID, Source: "camera", Confidence: 0.3})
		require.NoError(t, err)
		require.Equal(t, StatusVerifying, got.Status)

		got, err = h.m.Verify(VerificationSignal{IncidentID: inc.ID, Source: "camera", Confidence: 0.95})
		require.NoError(t, err)
		require.Equal(t, StatusEscalated, got.Status)

		_, err = h.m.Verify(VerificationSignal{IncidentID: "nope"})
		require.ErrorIs(t, err, ErrUnknownIncident)
	})

	t.Run("high confidence", func(t *testing.T) {
		cfg := testConfig()
		cfg.HighConfidence = []zone.Kind{zone.KindGas}
		h := newHarness(t, cfg)
		inc := h.m.Trigger(alarm(zone.KindGas, "kitchen", "gas"))
		require.Equal(t, StatusEscalated, inc.Status)
		require.Equal(t, []string{
			"incident_created",
			"incident_confirmed",
			"incident_escalated",
		}, statuses(h.rec))
		h.m.Wait()
		// gas is not a response class by default.
		require.Zero(t, h.dispatcher.count())
		require.Equal(t, 1, h.notifier.count())
	})
}

func TestRetriggerFolds(t *testing.T) {
	h := newHarness(t, testConfig())
	first := h.m.Trigger(alarm(zone.KindSmoke, "kitchen", "smoke"))
	second := h.m.Trigger(alarm(zone.KindSmoke, "kitchen", "smoke"))
	h.m.Handle(zone.Event{ZoneID: "kitchen", SensorID: "smoke-2", Kind: zone.KindSmoke})

	require.Equal(t, first.ID, second.ID)
	require.Len(t, h.m.All(), 1)
	h.m.Wait()
	require.Equal(t, 1, h.dispatcher.count())
	require.Equal(t, 1, h.notifier.count())

	got, _ := h.m.Get(first.ID)
	var kinds []string
	for _, e := range got.Log {
		kinds = append(kinds, e.Kind)
	}
	require.Contains(t, kinds, "retrigger")
	require.Contains(t, kinds, "corroboration")

	t.Run("other class opens a new incident", func(t *testing.T) {
		h.m.Trigger(alarm(zone.KindContact, "kitchen", "window"))
		require.Len(t, h.m.All(), 2)
	})
}

func TestFailedAttempts(t *testing.T) {
	h := newHarness(t, testConfig())
	for i := 1; i <= 2; i++ {
		h.m.Handle(arming.FailedAttempt{Consecutive: i, Operation: "disarm"})
	}
	require.Empty(t, h.m.All())

	h.m.Handle(arming.FailedAttempt{Consecutive: 3, Operation: "disarm"})
	all := h.m.All()
	require.Len(t, all, 1)
	require.Equal(t, ClassTamper, all[0].Class)
	require.Equal(t, "keypad", all[0].SensorID)
	require.Equal(t, StatusEscalated, all[0].Status)

	h.m.Handle(arming.FailedAttempt{Consecutive: 6, Operation: "disarm"})
	require.Len(t, h.m.All(), 1)
	h.m.Wait()
	// tamper does not require an external response by default.
	require.Zero(t, h.dispatcher.count())
}

func TestResolve(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.m.Resolve("nope", "", "alice")
	require.ErrorIs(t, err, ErrUnknownIncident)

	verifying := h.m.Trigger(alarm(zone.KindContact, "front", "door"))
	_, err = h.m.Resolve(verifying.ID, "", "alice")
	require.ErrorIs(t, err, ErrInvalidTransition)

	fire := h.m.Trigger(alarm(zone.KindSmoke, "kitchen", "smoke"))
	resolved, err := h.m.Resolve(fire.ID, "toast", "alice")
	require.NoError(t, err)
	require.Equal(t, StatusResolved, resolved.Status)
	require.Equal(t, "alice", resolved.ResolvedBy)

	_, err = h.m.Resolve(fire.ID, "", "alice")
	require.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = h.m.Acknowledge(fire.ID, "bob")
	require.ErrorIs(t, err, ErrAlreadyResolved)

	// a resolved incident no longer absorbs triggers.
	again := h.m.Trigger(alarm(zone.KindSmoke, "kitchen", "smoke"))
	require.NotEqual(t, fire.ID, again.ID)
}

func TestTieredEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 5 * time.Minute
	cfg.MaxTier = 3

	t.Run("unacknowledged", func(t *testing.T) {
		h := newHarness(t, cfg)
		inc := h.m.Trigger(alarm(zone.KindSmoke, "kitchen", "smoke"))
		h.clk.Add(5 * time.Minute)
		require.Eventually(t, func() bool {
			got, _ := h.m.Get(inc.ID)
			return got.Tier == 2
		}, time.Second, time.Millisecond)
		h.clk.Add(5 * time.Minute)
		require.Eventually(t, func() bool {
			got, _ := h.m.Get(inc.ID)
			return got.Tier == 3
		}, time.Second, time.Millisecond)
		h.clk.Add(5 * time.Minute)
		h.m.Wait()
		got, _ := h.m.Get(inc.ID)
		require.Equal(t, 3, got.Tier)
		require.Equal(t, 3, h.dispatcher.count())
		require.Len(t, event.Filter[Escalated](h.rec), 3)
	})

	t.Run("acknowledged", func(t *testing.T) {
		h := newHarness(t, cfg)
		inc := h.m.Trigger(alarm(zone.KindSmoke, "kitchen", "smoke"))
		acked, err := h.m.Acknowledge(inc.ID, "bob")
		require.NoError(t, err)
		require.Equal(t, "bob", acked.AcknowledgedBy)
		h.clk.Add(time.Hour)
		h.m.Wait()
		got, _ := h.m.Get(inc.ID)
		require.Equal(t, 1, got.Tier)
		require.Equal(t, 1, h.dispatcher.count())
	})

	t.Run("acknowledge requires confirmation", func(t *testing.T) {
		h := newHarness(t, cfg)
		inc := h.m.Trigger(alarm(zone.KindContact, "front", "door"))
		_, err := h.m.Acknowledge(inc.ID, "bob")
		require.ErrorIs(t, err, ErrInvalidTransition)
		_, err = h.m.Acknowledge("nope", "bob")
		require.ErrorIs(t, err, ErrUnknownIncident)
	})
}

func TestDispatchUnavailable(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dispatcher.err = errors.Join(emergency.ErrDispatchUnavailable, errors.New("503"))
	inc := h.m.Trigger(alarm(zone.KindPanic, "", "keyfob"))
	h.m.Wait()

	failed := event.Filter[DispatchFailed](h.rec)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].Error, "unavailable")

	got, _ := h.m.Get(inc.ID)
	require.Equal(t, "unavailable", got.Dispatch.Status)
	require.NotEmpty(t, got.Dispatch.Error)

	h.dispatcher.err = nil
	got, err := h.m.Redispatch(context.Background(), inc.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, "accepted", got.Dispatch.Status)
	require.Equal(t, 2, h.dispatcher.count())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())
	require.Error(t, Config{InvalidCodeThreshold: 3}.Validate())
	require.Error(t, Config{VerificationWindow: time.Minute}.Validate())
	_, err := New(nil, nil, Config{})
	require.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusOpen.CanTransitionTo(StatusVerifying))
	require.True(t, StatusOpen.CanTransitionTo(StatusConfirmed))
	require.True(t, StatusDismissed.CanTransitionTo(StatusResolved))
	require.False(t, StatusDismissed.CanTransitionTo(StatusEscalated))
	require.False(t, StatusResolved.CanTransitionTo(StatusOpen))
	require.False(t, StatusVerifying.CanTransitionTo(StatusResolved))
}
