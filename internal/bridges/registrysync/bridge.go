package registrysync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-devicetools/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-devicetools/internal/modification"
	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
)

const (
	defaultQueueSize = 256
	ingressTimeout   = 5 * time.Second
	subscribeQoS     = 1
)

// MQTTClient is the subset of *mqtt.Client used by the bridge.
type MQTTClient interface {
	PublishJSON(topic string, v any, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// RegistryWriter applies ingress writes. Satisfied by *registry.Registry.
type RegistryWriter interface {
	UpdateDevice(ctx context.Context, id string, attrs registry.Attributes) (registry.ChangeEvent, error)
	UpdateEntity(ctx context.Context, id string, attrs registry.Attributes) (registry.ChangeEvent, error)
}

// HistoryWriter records egress events as time series. Satisfied by
// *influxdb.Client.
type HistoryWriter interface {
	WriteModificationEvent(kind, event, recordID string, failed bool, at time.Time)
	WriteRegistryChange(kind, action, targetID string, changed int)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options holds configuration for creating a bridge.
type Options struct {
	// MQTT is required.
	MQTT MQTTClient

	// Registry receives ingress writes. Required.
	Registry RegistryWriter

	// History is optional; nil disables time-series recording.
	History HistoryWriter

	// QueueSize bounds the egress queue. Events beyond it are dropped.
	QueueSize int

	Logger Logger
}

// ChangeMessage is the egress payload for registry change events.
type ChangeMessage struct {
	Seq      uint64    `json:"seq"`
	Kind     string    `json:"kind"`
	TargetID string    `json:"target_id"`
	Action   string    `json:"action"`
	Changes  []string  `json:"changes,omitempty"`
	At       time.Time `json:"at"`
}

type outbound struct {
	topic   string
	payload any
	record  func(HistoryWriter)
}

// Bridge mirrors registry and modification activity onto MQTT.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt     MQTTClient
	registry RegistryWriter
	history  HistoryWriter
	logger   Logger
	topics   mqtt.Topics

	queue   chan outbound
	dropped atomic.Uint64

	subscribed []string
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// New creates a bridge. Call Start to subscribe and begin publishing.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		mqtt:     opts.MQTT,
		registry: opts.Registry,
		history:  opts.History,
		logger:   logger,
		queue:    make(chan outbound, size),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start subscribes to the ingress topics and starts the publisher.
func (b *Bridge) Start() error {
	var err error
	b.startOnce.Do(func() {
		for _, kind := range []registry.Kind{registry.KindDevice, registry.KindEntity} {
			topic := b.topics.AllRegistrySets(string(kind))
			if err = b.mqtt.Subscribe(topic, subscribeQoS, b.handleSet); err != nil {
				err = fmt.Errorf("subscribe to %s: %w", topic, err)
				return
			}
			b.subscribed = append(b.subscribed, topic)
			b.logger.Info("subscribed to registry writes", "topic", topic)
		}

		b.wg.Add(1)
		go b.publishLoop()
	})
	return err
}

// Stop unsubscribes, drains queued events and stops the publisher.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		for _, topic := range b.subscribed {
			if err := b.mqtt.Unsubscribe(topic); err != nil {
				b.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
			}
		}
		b.cancel()
		b.wg.Wait()
		if n := b.dropped.Load(); n > 0 {
			b.logger.Warn("egress events dropped", "count", n)
		}
	})
}

// Dropped returns how many egress events were discarded on a full queue.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// handleSet applies one ingress message.
func (b *Bridge) handleSet(topic string, payload []byte) error {
	kind, id, ok := b.topics.ParseRegistrySet(topic)
	if !ok {
		return nil
	}

	attrs, err := decodeAttributes(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(b.ctx, ingressTimeout)
	defer cancel()

	var ev registry.ChangeEvent
	switch registry.Kind(kind) {
	case registry.KindDevice:
		ev, err = b.registry.UpdateDevice(ctx, id, attrs)
	case registry.KindEntity:
		ev, err = b.registry.UpdateEntity(ctx, id, attrs)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if err != nil {
		return fmt.Errorf("updating %s %s: %w", kind, id, err)
	}

	b.logger.Debug("registry write applied", "kind", kind, "id", id, "changes", ev.Changes, "seq", ev.Seq)
	return nil
}

func decodeAttributes(payload []byte) (registry.Attributes, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(payload), []byte("{")) {
		return nil, ErrInvalidPayload
	}
	var attrs registry.Attributes
	if err := json.Unmarshal(payload, &attrs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return attrs, nil
}

// Notify implements registry.Notifier.
func (b *Bridge) Notify(ev registry.ChangeEvent) {
	b.enqueue(outbound{
		topic: b.topics.RegistryChanged(string(ev.Kind), ev.TargetID, string(ev.Action)),
		payload: ChangeMessage{
			Seq:      ev.Seq,
			Kind:     string(ev.Kind),
			TargetID: ev.TargetID,
			Action:   string(ev.Action),
			Changes:  ev.Changes,
			At:       time.Now().UTC(),
		},
		record: func(h HistoryWriter) {
			h.WriteRegistryChange(string(ev.Kind), string(ev.Action), ev.TargetID, len(ev.Changes))
		},
	})
}

// ModificationEvent implements modification.EventSink.
func (b *Bridge) ModificationEvent(ev modification.LifecycleEvent) {
	b.enqueue(outbound{
		topic:   b.topics.ModificationEvent(ev.RecordID, ev.Event),
		payload: ev,
		record: func(h HistoryWriter) {
			h.WriteModificationEvent(string(ev.Kind), ev.Event, ev.RecordID, ev.Error != "", ev.At)
		},
	})
}

func (b *Bridge) enqueue(msg outbound) {
	select {
	case b.queue <- msg:
	default:
		b.dropped.Add(1)
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.queue:
			b.publish(msg)
		case <-b.ctx.Done():
			for {
				select {
				case msg := <-b.queue:
					b.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publish(msg outbound) {
	if err := b.mqtt.PublishJSON(msg.topic, msg.payload, false); err != nil {
		b.logger.Warn("egress publish failed", "topic", msg.topic, "error", err)
	}
	if b.history != nil && msg.record != nil {
		msg.record(b.history)
	}
}
