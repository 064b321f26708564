package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xixigan/Good-GYM/internal/config"
	"github.com/xixigan/Good-GYM/modules/eventbus"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes. Methods not overridden panic through the
// nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	connected bool
	sent      []message
	token     *fakeToken
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil {
		return c.token
	}
	c.sent = append(c.sent, message{topic: topic, retained: retained, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.sent...)
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:  true,
		Broker:   "localhost:1883",
		ClientID: "test",
		QoS:      1,
		Topics: config.MQTTTopics{
			Control: "goodgym/control/test",
			Events:  "goodgym/events/test",
			Status:  "goodgym/status/test",
		},
	}
}

func TestPublishEvent(t *testing.T) {
	client := &fakeClient{connected: true}
	e := NewMQTTEmitter(testConfig())
	e.UseClient(client)

	require.NoError(t, e.Publish(eventbus.Event{
		ID:        "ev-1",
		Kind:      eventbus.KindRepCounted,
		SessionID: "s-1",
		Exercise:  "squat",
		Count:     10,
		Milestone: true,
	}))

	msgs := client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "goodgym/events/test/rep_counted", msgs[0].topic)
	assert.False(t, msgs[0].retained)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, true, got["is_milestone"])
	assert.Equal(t, float64(10), got["count"])
	assert.Equal(t, "squat", got["exercise"])

	assert.Equal(t, uint64(1), e.Stats().Published["goodgym/events/test/rep_counted"])
}

func TestPublishFailures(t *testing.T) {
	e := NewMQTTEmitter(testConfig())

	e.UseClient(&fakeClient{connected: false})
	assert.Error(t, e.Publish(eventbus.Event{Kind: eventbus.KindCounterReset}))

	e.UseClient(&fakeClient{connected: true, token: &fakeToken{timeout: true}})
	assert.Error(t, e.Publish(eventbus.Event{Kind: eventbus.KindCounterReset}))

	e.UseClient(&fakeClient{connected: true, token: &fakeToken{err: errors.New("broker refused")}})
	assert.Error(t, e.PublishStatus(map[string]string{"phase": "running"}))

	stats := e.Stats()
	assert.Equal(t, uint64(3), stats.Errors)
	assert.Empty(t, stats.Published)
}

func TestRunForwardsBusEvents(t *testing.T) {
	client := &fakeClient{connected: true}
	e := NewMQTTEmitter(testConfig())
	e.UseClient(client)

	bus := eventbus.New()
	defer bus.Close()

	assert.ErrorIs(t, e.Run(context.Background(), nil), ErrNotSubscribed)

	require.NoError(t, e.Subscribe(bus))
	// Published before Run starts, still forwarded.
	bus.Publish(eventbus.Event{Kind: eventbus.KindSourceFailed, Error: "no camera"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, func() any { return map[string]string{"phase": "running"} })
	}()

	require.Eventually(t, func() bool { return len(client.messages()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	bus.Publish(eventbus.Event{Kind: eventbus.KindRecordConfirmed, Count: 12})
	require.Eventually(t, func() bool { return len(client.messages()) >= 4 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	msgs := client.messages()
	assert.Equal(t, "goodgym/events/test/source_failed", msgs[0].topic)
	assert.Equal(t, "goodgym/status/test", msgs[1].topic)
	assert.True(t, msgs[1].retained)
	assert.Equal(t, "goodgym/events/test/record_confirmed", msgs[2].topic)

	_, err := bus.Stats(subscriberID)
	assert.ErrorIs(t, err, eventbus.ErrSubscriberNotFound)
}
