package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mqbench/internal/worker"
)

/* =======================
   MQTT clients
   ======================= */

type mqttDialer func(*mqtt.ClientOptions) mqtt.Client

// mqttOptions connects a client to one broker of the -mqtt-url list; the
// broker is chosen by hashing the client id so runs spread evenly.
func mqttOptions(s settings, clientID string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(pickBroker(strings.Split(s.cfg.MQTTURL, ","), clientID))
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(s.receiveTimeout())

	return opts
}

func pickBroker(brokers []string, key string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return strings.TrimSpace(brokers[int(h.Sum32()%uint32(len(brokers)))])
}

func mqttClientID(prefix string, index int) string {
	return fmt.Sprintf("%s-%d-%s", prefix, index, uuid.NewString()[:8])
}

func connectMQTT(dial mqttDialer, opts *mqtt.ClientOptions, timeout time.Duration) (mqtt.Client, error) {
	c := dial(opts)

	token := c.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect: timed out after %s", timeout)
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return c, nil
}

func warnNoTransactions(s settings) {
	if s.cfg.Transacted {
		s.log.Warn("transport has no transactions, -tx ignored")
	}
}

// mqttPublisher publishes one message per iteration to the next destination.
type mqttPublisher struct {
	s      settings
	dial   mqttDialer
	client mqtt.Client
}

func newMQTTPublisher(s settings) worker.Provider {
	return &mqttPublisher{s: s, dial: mqtt.NewClient}
}

func (p *mqttPublisher) Open(context.Context) error {
	warnNoTransactions(p.s)

	id := mqttClientID("pub", p.s.index)

	client, err := connectMQTT(p.dial, mqttOptions(p.s, id), p.s.receiveTimeout())
	if err != nil {
		return err
	}

	p.client = client
	p.s.log.Debug("connected", zap.String("client_id", id))

	return nil
}

func (p *mqttPublisher) Iterate(context.Context) worker.Result {
	token := p.client.Publish(p.s.dests.Generate(), byte(p.s.cfg.QoS), false, p.s.payload)
	if !token.WaitTimeout(p.s.receiveTimeout()) {
		return worker.Timeout
	}

	if err := token.Error(); err != nil {
		p.s.log.Warn("publish failed", zap.Error(err))
		return worker.HardFailure
	}

	return worker.Success
}

func (p *mqttPublisher) Close(context.Context) error {
	if p.client != nil {
		p.client.Disconnect(100)
	}

	return nil
}

// mqttSubscriber subscribes to one destination and counts one message per
// iteration.
type mqttSubscriber struct {
	s      settings
	dial   mqttDialer
	client mqtt.Client
	topic  string
	msgs   chan mqtt.Message
	done   chan struct{}
}

func newMQTTSubscriber(s settings) worker.Provider {
	return &mqttSubscriber{
		s:    s,
		dial: mqtt.NewClient,
		msgs: make(chan mqtt.Message, 1024),
		done: make(chan struct{}),
	}
}

func (p *mqttSubscriber) Open(context.Context) error {
	warnNoTransactions(p.s)

	id := mqttClientID("sub", p.s.index)

	client, err := connectMQTT(p.dial, mqttOptions(p.s, id), p.s.receiveTimeout())
	if err != nil {
		return err
	}

	p.client = client
	p.topic = p.s.dests.Generate()

	token := client.Subscribe(p.topic, byte(p.s.cfg.QoS), p.deliver)
	if !token.WaitTimeout(p.s.receiveTimeout()) {
		client.Disconnect(100)
		return fmt.Errorf("mqtt subscribe %s: timed out", p.topic)
	}

	if err := token.Error(); err != nil {
		client.Disconnect(100)
		return fmt.Errorf("mqtt subscribe %s: %w", p.topic, err)
	}

	p.s.log.Debug("subscribed", zap.String("client_id", id), zap.String("topic", p.topic))

	return nil
}

func (p *mqttSubscriber) deliver(_ mqtt.Client, msg mqtt.Message) {
	select {
	case p.msgs <- msg:
	case <-p.done:
	}
}

func (p *mqttSubscriber) Iterate(ctx context.Context) worker.Result {
	t := time.NewTimer(p.s.receiveTimeout())
	defer t.Stop()

	select {
	case <-p.msgs:
		return worker.Success
	case <-t.C:
		return worker.Timeout
	case <-ctx.Done():
		return worker.HardFailure
	}
}

func (p *mqttSubscriber) Close(context.Context) error {
	close(p.done)

	if p.client == nil {
		return nil
	}

	token := p.client.Unsubscribe(p.topic)
	token.WaitTimeout(p.s.receiveTimeout())
	p.client.Disconnect(100)

	return token.Error()
}
