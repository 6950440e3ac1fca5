// Package mqttbridge connects a premises to an MQTT broker: sensor readings
// and operator commands come in, events go out.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/safehome/arming"
	"github.com/caarlos0/safehome/event"
	"github.com/caarlos0/safehome/incident"
	"github.com/caarlos0/safehome/notify"
	"github.com/caarlos0/safehome/premises"
	"github.com/caarlos0/safehome/zone"
	logp "github.com/charmbracelet/log"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "mqtt",
})

var ErrUnknownTopic = errors.New("unknown topic")

type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

type Subscriber interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

// Bridge routes messages below a topic prefix.
//
//	<prefix>/sensors/<sensor id>/reading  zone.Reading
//	<prefix>/commands/<name>              operator commands, answered on <name>/result
//	<prefix>/verification                 incident.VerificationSignal
//	<prefix>/events/<event name>          outbound events
//	<prefix>/state                        retained arming state
type Bridge struct {
	prefix   string
	premises *premises.Premises
	pub      Publisher
	timeout  time.Duration
	out      chan outbound
}

type outbound struct {
	topic    string
	retained bool
	value    any
}

func NewBridge(prefix string, p *premises.Premises, pub Publisher) *Bridge {
	return &Bridge{
		prefix:   strings.TrimSuffix(prefix, "/"),
		premises: p,
		pub:      pub,
		timeout:  10 * time.Second,
		out:      make(chan outbound, 256),
	}
}

// Start subscribes to every inbound topic.
func (b *Bridge) Start(sub Subscriber) error {
	for _, topic := range []string{
		b.prefix + "/sensors/+/reading",
		b.prefix + "/commands/+",
		b.prefix + "/verification",
	} {
		if err := sub.Subscribe(topic, 1, b.Handle); err != nil {
			return err
		}
		log.Info("subscribed", "topic", topic)
	}
	return nil
}

// Handle routes one inbound message.
func (b *Bridge) Handle(topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 3 && parts[0] == "sensors" && parts[2] == "reading":
		return b.reading(parts[1], payload)
	case len(parts) == 2 && parts[0] == "commands":
		result, err := b.command(parts[1], payload)
		b.reply(parts[1], result, err)
		return err
	case len(parts) == 1 && parts[0] == "verification":
		var sig incident.VerificationSignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			return fmt.Errorf("invalid verification signal: %w", err)
		}
		_, err := b.premises.Verify(sig)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
}

func (b *Bridge) reading(sensorID string, payload []byte) error {
	var r zone.Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("invalid reading from %s: %w", sensorID, err)
	}
	if r.SensorID == "" {
		r.SensorID = sensorID
	}
	if r.SensorID != sensorID {
		return fmt.Errorf("reading for %s published on %s's topic", r.SensorID, sensorID)
	}
	_, err := b.premises.Ingest(r)
	return err
}

func (b *Bridge) command(name string, payload []byte) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	switch name {
	case "arm":
		var cmd premises.ArmCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, fmt.Errorf("invalid arm command: %w", err)
		}
		return b.premises.Arm(ctx, cmd)
	case "disarm":
		var cmd premises.DisarmCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, fmt.Errorf("invalid disarm command: %w", err)
		}
		return b.premises.Disarm(ctx, cmd)
	case "bypass":
		var cmd premises.BypassCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, fmt.Errorf("invalid bypass command: %w", err)
		}
		if cmd.DurationSeconds == 0 {
			return nil, b.premises.ClearBypass(cmd.SensorID)
		}
		return b.premises.Bypass(cmd)
	case "panic":
		var cmd premises.PanicCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, fmt.Errorf("invalid panic command: %w", err)
		}
		return b.premises.Panic(cmd), nil
	case "acknowledge":
		var cmd premises.AcknowledgeCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, fmt.Errorf("invalid acknowledge command: %w", err)
		}
		return b.premises.Acknowledge(cmd)
	case "resolve":
		var cmd premises.ResolveCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, fmt.Errorf("invalid resolve command: %w", err)
		}
		return b.premises.Resolve(cmd)
	default:
		return nil, fmt.Errorf("%w: command %s", ErrUnknownTopic, name)
	}
}

type result struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

func (b *Bridge) reply(name string, v any, err error) {
	res := result{OK: err == nil, Result: v}
	if err != nil {
		res.Error = err.Error()
		// never echo codes or state back on failures.
		res.Result = nil
	}
	b.publish(b.prefix+"/commands/"+name+"/result", false, res)
}

// HandleEvent is the bus subscriber queueing outbound events. It never
// blocks: events are dropped when the queue is full.
func (b *Bridge) HandleEvent(ev event.Event) {
	b.enqueue(outbound{topic: b.prefix + "/events/" + ev.Name(), value: ev})
	switch ev.(type) {
	case arming.StateChanged, arming.DelayStarted, arming.DelayCancelled, arming.SirenChanged:
		b.enqueue(outbound{topic: b.prefix + "/state", retained: true, value: b.premises.State()})
	}
}

func (b *Bridge) enqueue(o outbound) {
	select {
	case b.out <- o:
	default:
		log.Error("outbound queue full, dropping", "topic", o.topic)
	}
}

// Run publishes queued events until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-b.out:
			b.publish(o.topic, o.retained, o.value)
		}
	}
}

func (b *Bridge) publish(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error("could not encode", "topic", topic, "err", err)
		return
	}
	if err := b.pub.Publish(topic, 1, retained, payload); err != nil {
		log.Error("could not publish", "topic", topic, "err", err)
	}
}

// PushChannel delivers notifications as MQTT messages on
// <prefix>/notify/<recipient address>, for companion apps.
type PushChannel struct {
	name   string
	prefix string
	pub    Publisher
}

func NewPushChannel(name, prefix string, pub Publisher) PushChannel {
	return PushChannel{name: name, prefix: strings.TrimSuffix(prefix, "/"), pub: pub}
}

func (c PushChannel) Name() string { return c.name }

func (c PushChannel) Deliver(_ context.Context, msg notify.Message) error {
	if msg.Recipient.Address == "" || strings.ContainsAny(msg.Recipient.Address, "+#/") {
		return fmt.Errorf("%w: invalid push address %q", notify.ErrRejected, msg.Recipient.Address)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", notify.ErrRejected, err)
	}
	return c.pub.Publish(c.prefix+"/notify/"+msg.Recipient.Address, 1, false, payload)
}
