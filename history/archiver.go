package history

import (
	"context"
	"time"

	"github.com/caarlos0/safehome/event"
	"github.com/caarlos0/safehome/incident"
)

type recorder interface {
	Record(ctx context.Context, name string, inc incident.Incident, at time.Time) error
}

type item struct {
	name string
	inc  incident.Incident
	at   time.Time
}

// Archiver feeds incident events to the store from its own goroutine, so a
// slow database never stalls the event bus.
type Archiver struct {
	store recorder
	items chan item
	now   func() time.Time
}

func NewArchiver(store recorder, buffer int) *Archiver {
	return &Archiver{
		store: store,
		items: make(chan item, buffer),
		now:   time.Now,
	}
}

// Handle is the bus subscriber. Events are dropped, and logged, when the
// buffer is full.
func (a *Archiver) Handle(ev event.Event) {
	inc, ok := Snapshot(ev)
	if !ok {
		return
	}
	select {
	case a.items <- item{name: ev.Name(), inc: inc, at: a.now()}:
	default:
		log.Error("archive buffer full, dropping event", "incident", inc.ID, "event", ev.Name())
	}
}

// Run drains the buffer until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-a.items:
			if err := a.store.Record(ctx, it.name, it.inc, it.at); err != nil {
				log.Error("could not archive", "incident", it.inc.ID, "event", it.name, "err", err)
			}
		}
	}
}

// Snapshot extracts the incident carried by an incident event.
func Snapshot(ev event.Event) (incident.Incident, bool) {
	switch ev := ev.(type) {
	case incident.Created:
		return ev.Incident, true
	case incident.Confirmed:
		return ev.Incident, true
	case incident.Dismissed:
		return ev.Incident, true
	case incident.Escalated:
		return ev.Incident, true
	case incident.Acknowledged:
		return ev.Incident, true
	case incident.Resolved:
		return ev.Incident, true
	case incident.Updated:
		return ev.Incident, true
	case incident.DispatchFailed:
		return ev.Incident, true
	default:
		return incident.Incident{}, false
	}
}
