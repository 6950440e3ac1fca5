// Package emergency dispatches verified incidents to external responders,
// at most once per incident and escalation tier.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/caarlos0/safehome/event"
	"github.com/cenkalti/backoff/v4"
	logp "github.com/charmbracelet/log"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "emergency",
})

var (
	ErrDispatchUnavailable = errors.New("emergency dispatch unavailable")
	// ErrRefused marks a request the responder will never accept. It is not
	// retried.
	ErrRefused = errors.New("dispatch refused by responder")
)

// Responder is the external service integration. It returns the responder's
// reference for the accepted call.
type Responder interface {
	Dispatch(ctx context.Context, req Request) (string, error)
}

type ResponderFunc func(ctx context.Context, req Request) (string, error)

func (f ResponderFunc) Dispatch(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

type Gateway struct {
	clock       clock.Clock
	bus         *event.Bus
	store       Store
	responder   Responder
	maxAttempts int
	newBackOff  func() backoff.BackOff
}

type Option func(*Gateway)

func WithStore(s Store) Option {
	return func(g *Gateway) {
		g.store = s
	}
}

func WithClock(clk clock.Clock) Option {
	return func(g *Gateway) {
		g.clock = clk
	}
}

func WithMaxAttempts(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

func WithBackOff(fn func() backoff.BackOff) Option {
	return func(g *Gateway) {
		g.newBackOff = fn
	}
}

func New(bus *event.Bus, responder Responder, opts ...Option) *Gateway {
	g := &Gateway{
		clock:       clock.New(),
		bus:         bus,
		store:       NewMemoryStore(),
		responder:   responder,
		maxAttempts: 5,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second * 2
			bo.MaxInterval = time.Second * 15
			bo.MaxElapsedTime = time.Minute * 2
			return bo
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dispatch issues the external call for req, unless a request with the same
// dedupe key already exists, in which case that one is returned untouched.
func (g *Gateway) Dispatch(ctx context.Context, req Request) (Request, error) {
	if req.IncidentID == "" || req.Tier < 1 {
		return req, fmt.Errorf("invalid dispatch request: incident %q tier %d", req.IncidentID, req.Tier)
	}
	now := g.clock.Now()
	req.Key = DedupeKey(req.IncidentID, req.Tier)
	req.Status = StatusPending
	req.Attempts = 0
	req.Reference = ""
	req.Error = ""
	req.CreatedAt = now
	req.UpdatedAt = now

	existing, claimed, err := g.store.Claim(ctx, req)
	if err != nil {
		return req, err
	}
	if !claimed {
		log.Warn("duplicate dispatch", "key", existing.Key, "status", existing.Status)
		return existing, nil
	}
	return g.call(ctx, req)
}

// Redispatch repeats a settled dispatch. It is the only way an accepted
// request is ever sent again.
func (g *Gateway) Redispatch(ctx context.Context, incidentID string, tier int, operator string) (Request, error) {
	if operator == "" {
		return Request{}, fmt.Errorf("redispatch requires an operator")
	}
	req, err := g.store.Reclaim(ctx, DedupeKey(incidentID, tier), operator, g.clock.Now())
	if err != nil {
		return req, fmt.Errorf("could not redispatch %s: %w", DedupeKey(incidentID, tier), err)
	}
	log.Warn("redispatch", "key", req.Key, "operator", operator)
	return g.call(ctx, req)
}

func (g *Gateway) Get(ctx context.Context, incidentID string, tier int) (Request, bool, error) {
	return g.store.Get(ctx, DedupeKey(incidentID, tier))
}

func (g *Gateway) call(ctx context.Context, req Request) (Request, error) {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(g.newBackOff(), uint64(g.maxAttempts-1)),
		ctx,
	)
	var reference string
	err := backoff.RetryNotify(func() error {
		req.Attempts++
		ref, err := g.responder.Dispatch(ctx, req)
		if err != nil {
			if errors.Is(err, ErrRefused) {
				return backoff.Permanent(err)
			}
			return err
		}
		reference = ref
		return nil
	}, bo, func(err error, next time.Duration) {
		log.Warn("dispatch failed, retrying", "key", req.Key, "attempt", req.Attempts, "next", next, "err", err)
	})

	req.UpdatedAt = g.clock.Now()
	if err == nil {
		req.Status = StatusAccepted
		req.Reference = reference
		if err := g.store.Save(context.WithoutCancel(ctx), req); err != nil {
			log.Error("could not record accepted dispatch", "key", req.Key, "err", err)
		}
		log.Info("dispatch accepted", "key", req.Key, "target", req.Target, "reference", reference)
		g.bus.Publish(Accepted{Request: req})
		return req, nil
	}

	req.Status = StatusUnavailable
	req.Error = err.Error()
	// the caller's context may be gone; the record must still land.
	if serr := g.store.Save(context.WithoutCancel(ctx), req); serr != nil {
		log.Error("could not record failed dispatch", "key", req.Key, "err", serr)
	}
	log.Error("dispatch unavailable", "key", req.Key, "target", req.Target, "attempts", req.Attempts, "err", err)
	g.bus.Publish(Unavailable{Request: req})
	return req, fmt.Errorf("%w: %s after %d attempts: %w", ErrDispatchUnavailable, req.Key, req.Attempts, err)
}
