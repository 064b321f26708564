package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/xixigan/Good-GYM/internal/config"
	"github.com/xixigan/Good-GYM/modules/eventbus"
)

// subscriberID is the emitter's name on the event bus.
const subscriberID = "mqtt-emitter"

// ErrNotSubscribed is returned by Run before Subscribe.
var ErrNotSubscribed = errors.New("emitter: not subscribed to the event bus")

// MQTTEmitter publishes pipeline events to an MQTT broker
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client // Exported for control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool

	bus    eventbus.Bus
	events chan eventbus.Event
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	// Last will marks the session offline on the retained status topic.
	opts.SetWill(e.cfg.Topics.Status, `{"phase":"offline"}`, e.cfg.QoS, true)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", broker,
			"client_id", e.cfg.ClientID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// UseClient attaches an already connected client.
func (e *MQTTEmitter) UseClient(c mqtt.Client) {
	e.Client = c
	e.setConnected(c.IsConnected())
}

// Publish sends ev as JSON to <events>/<kind>
func (e *MQTTEmitter) Publish(ev eventbus.Event) error {
	topic := fmt.Sprintf("%s/%s", e.cfg.Topics.Events, ev.Kind)

	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := e.publish(topic, false, payload); err != nil {
		return err
	}

	slog.Debug("emitter: event published",
		"topic", topic,
		"kind", ev.Kind,
		"count", ev.Count,
		"size", len(payload),
	)
	return nil
}

// PublishStatus publishes a retained status message
func (e *MQTTEmitter) PublishStatus(status any) error {
	payload, err := json.Marshal(status)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return e.publish(e.cfg.Topics.Status, true, payload)
}

func (e *MQTTEmitter) publish(topic string, retained bool, payload []byte) error {
	if !e.IsConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Subscribe attaches the emitter to bus. Events published from then on are
// buffered until Run forwards them.
func (e *MQTTEmitter) Subscribe(bus eventbus.Bus) error {
	events := make(chan eventbus.Event, 64)
	if err := bus.Subscribe(subscriberID, events); err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	e.mu.Lock()
	e.bus = bus
	e.events = events
	e.mu.Unlock()
	return nil
}

// Run forwards bus events to the broker until ctx is done, then leaves the
// bus. Every forwarded event is followed by a status update from statusFn,
// if set.
func (e *MQTTEmitter) Run(ctx context.Context, statusFn func() any) error {
	e.mu.RLock()
	bus, events := e.bus, e.events
	e.mu.RUnlock()
	if events == nil {
		return ErrNotSubscribed
	}
	defer func() {
		if err := bus.Unsubscribe(subscriberID); err != nil {
			slog.Debug("emitter: unsubscribe", "error", err)
		}
	}()

	slog.Info("emitter: forwarding events", "topic", e.cfg.Topics.Events)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := e.Publish(ev); err != nil {
				slog.Warn("emitter: failed to publish event", "kind", ev.Kind, "error", err)
				continue
			}
			if statusFn != nil {
				if err := e.PublishStatus(statusFn()); err != nil {
					slog.Warn("emitter: failed to publish status", "error", err)
				}
			}
		}
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// IsConnected returns connection status
func (e *MQTTEmitter) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
