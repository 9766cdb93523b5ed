package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqbench/internal/worker"
)

type fakeToken struct {
	err     error
	expired bool
}

func (t *fakeToken) Wait() bool                     { return !t.expired }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.expired }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)

	return ch
}

type fakeMessage struct{ mqtt.Message }

type fakeMQTT struct {
	mqtt.Client

	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	connectErr   error
	publishToken *fakeToken
	published    []string
	subscribed   string
	handler      mqtt.MessageHandler
	unsubscribed bool
	disconnected bool
}

func (f *fakeMQTT) dial(opts *mqtt.ClientOptions) mqtt.Client {
	f.opts = opts

	return f
}

func (f *fakeMQTT) Connect() mqtt.Token { return &fakeToken{err: f.connectErr} }

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, topic)

	if f.publishToken != nil {
		return f.publishToken
	}

	return &fakeToken{}
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	f.subscribed = topic
	f.handler = callback

	return &fakeToken{}
}

func (f *fakeMQTT) Unsubscribe(...string) mqtt.Token {
	f.unsubscribed = true

	return &fakeToken{}
}

func (f *fakeMQTT) Disconnect(uint) { f.disconnected = true }

func TestPickBroker(t *testing.T) {
	brokers := []string{"tcp://a:1883", " tcp://b:1883", "tcp://c:1883"}

	first := pickBroker(brokers, "pub-1")
	assert.Equal(t, first, pickBroker(brokers, "pub-1"))
	assert.Contains(t, []string{"tcp://a:1883", "tcp://b:1883", "tcp://c:1883"}, first)

	assert.Equal(t, "tcp://only:1883", pickBroker([]string{"tcp://only:1883"}, "x"))
}

func TestMQTTPublisher(t *testing.T) {
	cfg := testConfig(t)
	cfg.QoS = 1

	p := newTestProvider(t, KindMQTTPublisher, cfg, destinations(t, "bench/topic/", 0, 1, 0))
	fake := &fakeMQTT{}
	p.(*mqttPublisher).dial = fake.dial

	ctx := context.Background()
	require.NoError(t, p.Open(ctx))

	require.Len(t, fake.opts.Servers, 1)
	assert.Equal(t, "tcp://127.0.0.1:1883", fake.opts.Servers[0].String())
	assert.Contains(t, fake.opts.ClientID, "pub-0-")

	assert.Equal(t, worker.Success, p.Iterate(ctx))
	assert.Equal(t, worker.Success, p.Iterate(ctx))
	assert.Equal(t, []string{"bench/topic/0", "bench/topic/1"}, fake.published)

	fake.publishToken = &fakeToken{expired: true}
	assert.Equal(t, worker.Timeout, p.Iterate(ctx))

	fake.publishToken = &fakeToken{err: errors.New("not connected")}
	assert.Equal(t, worker.HardFailure, p.Iterate(ctx))

	require.NoError(t, p.Close(ctx))
	assert.True(t, fake.disconnected)
}

func TestMQTTConnectFailure(t *testing.T) {
	p := newTestProvider(t, KindMQTTPublisher, testConfig(t), destinations(t, "t", 0, 0, 0))
	fake := &fakeMQTT{connectErr: errors.New("connection refused")}
	p.(*mqttPublisher).dial = fake.dial

	err := p.Open(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMQTTSubscriber(t *testing.T) {
	p := newTestProvider(t, KindMQTTSubscriber, testConfig(t), destinations(t, "bench/in", 0, 0, 0))
	sub := p.(*mqttSubscriber)
	fake := &fakeMQTT{}
	sub.dial = fake.dial

	ctx := context.Background()
	require.NoError(t, p.Open(ctx))
	assert.Equal(t, "bench/in", fake.subscribed)

	fake.handler(fake, fakeMessage{})
	assert.Equal(t, worker.Success, p.Iterate(ctx))

	began := time.Now()
	assert.Equal(t, worker.Timeout, p.Iterate(ctx))
	assert.GreaterOrEqual(t, time.Since(began), 900*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, worker.HardFailure, p.Iterate(cancelled))

	require.NoError(t, p.Close(ctx))
	assert.True(t, fake.unsubscribed)
	assert.True(t, fake.disconnected)

	// Deliveries after close must not block the client's router.
	fake.handler(fake, fakeMessage{})
}
