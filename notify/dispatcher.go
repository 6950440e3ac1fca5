// Package notify delivers prioritized messages over pluggable channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/caarlos0/safehome/event"
	"github.com/cenkalti/backoff/v4"
	logp "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "notify",
})

var (
	// ErrRejected marks a delivery the channel will never accept. It is not
	// retried.
	ErrRejected       = errors.New("message rejected by channel")
	ErrDeliveryFailed = errors.New("notification delivery failed")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrClosed         = errors.New("dispatcher closed")
)

// Channel is a delivery transport: push, SMS, email, webhook.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

type job struct {
	msg  *Message
	done chan error
}

// lane serializes deliveries of one channel, highest priority first.
type lane struct {
	channel Channel
	mu      sync.Mutex
	pending []*job
	wake    chan struct{}
}

func (l *lane) push(j *job) {
	l.mu.Lock()
	idx := slices.IndexFunc(l.pending, func(other *job) bool {
		return other.msg.Priority < j.msg.Priority
	})
	if idx < 0 {
		idx = len(l.pending)
	}
	l.pending = slices.Insert(l.pending, idx, j)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) pop() *job {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	j := l.pending[0]
	l.pending = slices.Delete(l.pending, 0, 1)
	return j
}

func (l *lane) drain() []*job {
	l.mu.Lock()
	defer l.mu.Unlock()
	jobs := l.pending
	l.pending = nil
	return jobs
}

// Dispatcher owns one worker per channel. A slow or failing channel never
// holds up the others.
type Dispatcher struct {
	clock       clock.Clock
	bus         *event.Bus
	maxAttempts int
	newBackOff  func() backoff.BackOff

	lanes map[string]*lane

	mu       sync.Mutex
	messages map[string]*Message
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

// WithMaxAttempts bounds how many times a message is tried, including the
// first one.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackOff sets the retry schedule between attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(d *Dispatcher) {
		d.newBackOff = fn
	}
}

func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = clk
	}
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Second * 30
	bo.MaxElapsedTime = time.Minute * 5
	return bo
}

func NewDispatcher(bus *event.Bus, channels []Channel, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		clock:       clock.New(),
		bus:         bus,
		maxAttempts: 5,
		newBackOff:  defaultBackOff,
		lanes:       map[string]*lane{},
		messages:    map[string]*Message{},
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, ch := range channels {
		l := &lane{channel: ch, wake: make(chan struct{}, 1)}
		d.lanes[ch.Name()] = l
		d.wg.Add(1)
		go d.work(l)
	}
	return d
}

// Channels lists the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.lanes))
	for name := range d.lanes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Enqueue schedules a message and returns it with its assigned id, without
// waiting for delivery.
func (d *Dispatcher) Enqueue(msg Message) (Message, error) {
	j, err := d.enqueue(msg)
	if err != nil {
		return msg, err
	}
	return d.snapshot(j.msg), nil
}

// Send delivers a message and waits for its final outcome.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (Message, error) {
	j, err := d.enqueue(msg)
	if err != nil {
		if j == nil {
			return msg, err
		}
		return d.snapshot(j.msg), err
	}
	select {
	case err := <-j.done:
		return d.snapshot(j.msg), err
	case <-ctx.Done():
		return d.snapshot(j.msg), ctx.Err()
	}
}

// SendBatch sends every message independently and returns their outcomes in
// the same order. The error joins every individual failure.
func (d *Dispatcher) SendBatch(ctx context.Context, msgs []Message) ([]Message, error) {
	jobs := make([]*job, len(msgs))
	var errs []error
	for i, msg := range msgs {
		j, err := d.enqueue(msg)
		if j == nil {
			errs = append(errs, err)
		}
		jobs[i] = j
	}

	result := make([]Message, len(msgs))
	for i, j := range jobs {
		if j == nil {
			result[i] = msgs[i]
			continue
		}
		select {
		case err := <-j.done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
		result[i] = d.snapshot(j.msg)
	}
	return result, errors.Join(errs...)
}

// Status returns the current state of a message.
func (d *Dispatcher) Status(id string) (Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg, ok := d.messages[id]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Close stops the workers. Pending messages are marked failed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) enqueue(msg Message) (*job, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Channel == "" {
		msg.Channel = msg.Recipient.Channel
	}
	if msg.Priority == 0 {
		msg.Priority = PriorityNormal
	}
	msg.Status = StatusPending
	msg.Attempts = 0
	msg.LastError = ""
	msg.CreatedAt = d.clock.Now()
	stored := &msg
	d.messages[msg.ID] = stored
	j := &job{msg: stored, done: make(chan error, 1)}
	d.mu.Unlock()

	l, ok := d.lanes[msg.Channel]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownChannel, msg.Channel)
		d.finish(j, err)
		return j, err
	}
	l.push(j)
	return j, nil
}

func (d *Dispatcher) work(l *lane) {
	defer d.wg.Done()
	for {
		j := l.pop()
		if j == nil {
			select {
			case <-d.ctx.Done():
				for _, j := range l.drain() {
					d.finish(j, ErrClosed)
				}
				return
			case <-l.wake:
				continue
			}
		}
		d.finish(j, d.deliver(l.channel, j))
	}
}

func (d *Dispatcher) deliver(ch Channel, j *job) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(d.newBackOff(), uint64(d.maxAttempts-1)),
		d.ctx,
	)
	return backoff.RetryNotify(func() error {
		msg := d.attempt(j.msg)
		err := ch.Deliver(d.ctx, msg)
		if err == nil {
			return nil
		}
		d.mu.Lock()
		j.msg.LastError = err.Error()
		d.mu.Unlock()
		if errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, func(err error, next time.Duration) {
		log.Warn("delivery failed, retrying", "id", j.msg.ID, "channel", ch.Name(), "next", next, "err", err)
	})
}

func (d *Dispatcher) attempt(msg *Message) Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg.Attempts++
	return *msg
}

func (d *Dispatcher) finish(j *job, err error) {
	d.mu.Lock()
	if err == nil {
		j.msg.Status = StatusDelivered
		j.msg.LastError = ""
	} else {
		j.msg.Status = StatusFailed
		j.msg.LastError = err.Error()
	}
	msg := *j.msg
	d.mu.Unlock()

	if err == nil {
		log.Info("delivered", "id", msg.ID, "channel", msg.Channel, "recipient", msg.Recipient.Name, "attempts", msg.Attempts)
		d.bus.Publish(Delivered{Message: msg})
		j.done <- nil
		return
	}

	err = fmt.Errorf("%w: %s via %s after %d attempts: %w", ErrDeliveryFailed, msg.ID, msg.Channel, msg.Attempts, err)
	log.Error("delivery failed", "id", msg.ID, "channel", msg.Channel, "recipient", msg.Recipient.Name, "err", err)
	d.bus.Publish(DeliveryFailed{Message: msg, Error: err.Error()})
	j.done <- err
}

func (d *Dispatcher) snapshot(msg *Message) Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *msg
}
