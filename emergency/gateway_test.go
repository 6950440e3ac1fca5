package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/caarlos0/safehome/event"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func stores(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"redis": func() Store {
			srv := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return NewRedisStore(client, time.Hour)
		},
	}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("accepted once", func(t *testing.T) {
				var calls atomic.Int32
				rec := event.NewRecorder(0)
				bus := event.NewBus()
				bus.Subscribe(rec.Handle)
				g := New(bus, ResponderFunc(func(context.Context, Request) (string, error) {
					calls.Add(1)
					return "ref-1", nil
				}), WithStore(newStore()), WithBackOff(zeroBackOff))

				first, err := g.Dispatch(ctx, Request{IncidentID: "inc-1", Tier: 1, Target: "monitoring"})
				require.NoError(t, err)
				require.Equal(t, StatusAccepted, first.Status)
				require.Equal(t, "ref-1", first.Reference)
				require.Equal(t, "inc-1/1", first.Key)

				second, err := g.Dispatch(ctx, Request{IncidentID: "inc-1", Tier: 1, Target: "monitoring"})
				require.NoError(t, err)
				require.Equal(t, first.Status, second.Status)
				require.Equal(t, first.Reference, second.Reference)
				require.EqualValues(t, 1, calls.Load())
				require.Len(t, event.Filter[Accepted](rec), 1)

				_, err = g.Dispatch(ctx, Request{IncidentID: "inc-1", Tier: 2, Target: "monitoring"})
				require.NoError(t, err)
				require.EqualValues(t, 2, calls.Load())
			})

			t.Run("accepted after the caller cancels", func(t *testing.T) {
				store := newStore()
				cctx, cancel := context.WithCancel(ctx)
				defer cancel()
				g := New(nil, ResponderFunc(func(context.Context, Request) (string, error) {
					cancel()
					return "ref-late", nil
				}), WithStore(store), WithBackOff(zeroBackOff))

				req, err := g.Dispatch(cctx, Request{IncidentID: "inc-late", Tier: 1, Target: "monitoring"})
				require.NoError(t, err)
				require.Equal(t, StatusAccepted, req.Status)

				saved, ok, err := store.Get(ctx, "inc-late/1")
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, StatusAccepted, saved.Status)
				require.Equal(t, "ref-late", saved.Reference)
			})

			t.Run("concurrent duplicates", func(t *testing.T) {
				var calls atomic.Int32
				g := New(nil, ResponderFunc(func(context.Context, Request) (string, error) {
					calls.Add(1)
					time.Sleep(10 * time.Millisecond)
					return "ref", nil
				}), WithStore(newStore()), WithBackOff(zeroBackOff))

				var wg sync.WaitGroup
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := g.Dispatch(ctx, Request{IncidentID: "inc-2", Tier: 1})
						assert.NoError(t, err)
					}()
				}
				wg.Wait()
				require.EqualValues(t, 1, calls.Load())
			})

			t.Run("unavailable", func(t *testing.T) {
				var calls atomic.Int32
				rec := event.NewRecorder(0)
				bus := event.NewBus()
				bus.Subscribe(rec.Handle)
				g := New(bus, ResponderFunc(func(context.Context, Request) (string, error) {
					calls.Add(1)
					return "", errors.New("503")
				}), WithStore(newStore()), WithBackOff(zeroBackOff), WithMaxAttempts(3))

				req, err := g.Dispatch(ctx, Request{IncidentID: "inc-3", Tier: 1})
				require.ErrorIs(t, err, ErrDispatchUnavailable)
				require.Equal(t, StatusUnavailable, req.Status)
				require.Equal(t, 3, req.Attempts)
				require.EqualValues(t, 3, calls.Load())
				require.Len(t, event.Filter[Unavailable](rec), 1)

				stored, ok, err := g.Get(ctx, "inc-3", 1)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, StatusUnavailable, stored.Status)
				require.NotEmpty(t, stored.Error)

				// no automatic retry of a settled request.
				_, err = g.Dispatch(ctx, Request{IncidentID: "inc-3", Tier: 1})
				require.NoError(t, err)
				require.EqualValues(t, 3, calls.Load())
			})

			t.Run("refused is not retried", func(t *testing.T) {
				var calls atomic.Int32
				g := New(nil, ResponderFunc(func(context.Context, Request) (string, error) {
					calls.Add(1)
					return "", ErrRefused
				}), WithStore(newStore()), WithBackOff(zeroBackOff))
				_, err := g.Dispatch(ctx, Request{IncidentID: "inc-4", Tier: 1})
				require.ErrorIs(t, err, ErrDispatchUnavailable)
				require.ErrorIs(t, err, ErrRefused)
				require.EqualValues(t, 1, calls.Load())
			})

			t.Run("redispatch", func(t *testing.T) {
				var calls atomic.Int32
				g := New(nil, ResponderFunc(func(context.Context, Request) (string, error) {
					calls.Add(1)
					return "ref", nil
				}), WithStore(newStore()), WithBackOff(zeroBackOff))

				_, err := g.Redispatch(ctx, "inc-5", 1, "alice")
				require.ErrorIs(t, err, ErrUnknownRequest)

				_, err = g.Dispatch(ctx, Request{IncidentID: "inc-5", Tier: 1})
				require.NoError(t, err)
				req, err := g.Redispatch(ctx, "inc-5", 1, "alice")
				require.NoError(t, err)
				require.Equal(t, StatusAccepted, req.Status)
				require.Equal(t, "alice", req.Operator)
				require.Equal(t, 2, req.Attempts)
				require.EqualValues(t, 2, calls.Load())

				_, err = g.Redispatch(ctx, "inc-5", 1, "")
				require.Error(t, err)
			})
		})
	}
}

func TestRedispatchInFlight(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, claimed, err := store.Claim(ctx, Request{Key: "inc/1", Status: StatusPending})
	require.NoError(t, err)
	require.True(t, claimed)
	g := New(nil, ResponderFunc(func(context.Context, Request) (string, error) {
		return "ref", nil
	}), WithStore(store))
	_, err = g.Redispatch(ctx, "inc", 1, "bob")
	require.ErrorIs(t, err, ErrInFlight)
}

func TestInvalidRequest(t *testing.T) {
	g := New(nil, nil)
	_, err := g.Dispatch(context.Background(), Request{IncidentID: "x"})
	require.Error(t, err)
}

func TestDedupeKey(t *testing.T) {
	key := DedupeKey("2f1c/with/slashes", 3)
	id, tier, err := ParseDedupeKey(key)
	require.NoError(t, err)
	require.Equal(t, "2f1c/with/slashes", id)
	require.Equal(t, 3, tier)

	_, _, err = ParseDedupeKey("nope")
	require.Error(t, err)
}

func TestHTTPResponder(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch req.IncidentID {
		case "down":
			w.WriteHeader(http.StatusBadGateway)
		case "bad":
			w.WriteHeader(http.StatusUnprocessableEntity)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"reference":"MC-42"}`))
		}
	}))
	t.Cleanup(srv.Close)

	r := NewHTTPResponder(srv.URL, "secret", time.Second)
	ctx := context.Background()

	ref, err := r.Dispatch(ctx, Request{IncidentID: "ok", Tier: 1, Key: "ok/1"})
	require.NoError(t, err)
	require.Equal(t, "MC-42", ref)

	_, err = r.Dispatch(ctx, Request{IncidentID: "down", Tier: 1, Key: "down/1"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRefused)

	_, err = r.Dispatch(ctx, Request{IncidentID: "bad", Tier: 1, Key: "bad/1"})
	require.ErrorIs(t, err, ErrRefused)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"ok/1", "down/1", "bad/1"}, keys)
}
