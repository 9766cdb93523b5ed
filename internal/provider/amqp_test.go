package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqbench/internal/worker"
)

// fakeBroker is an in-memory channel and connection: queues are buffered Go
// channels and transacted publishes are held until commit.
type fakeBroker struct {
	mu        sync.Mutex
	queues    map[string]chan amqp.Delivery
	declared  []string
	tx        bool
	pending   []amqp.Delivery
	commits   int
	rollbacks int
	acks      int
	closes    int
	anon      int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{queues: make(map[string]chan amqp.Delivery)}
}

func (b *fakeBroker) dial(string, string) (amqpChannel, io.Closer, error) { return b, b, nil }

func (b *fakeBroker) queue(name string) chan amqp.Delivery {
	q, ok := b.queues[name]
	if !ok {
		q = make(chan amqp.Delivery, 100)
		b.queues[name] = q
	}

	return q
}

func (b *fakeBroker) depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.queue(name))
}

func (b *fakeBroker) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		b.anon++
		name = fmt.Sprintf("amq.gen-%d", b.anon)
	}

	b.queue(name)
	b.declared = append(b.declared, name)

	return amqp.Queue{Name: name}, nil
}

func (b *fakeBroker) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.queue(queue), nil
}

func (b *fakeBroker) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := amqp.Delivery{
		Acknowledger:  b,
		RoutingKey:    key,
		Body:          msg.Body,
		ReplyTo:       msg.ReplyTo,
		CorrelationId: msg.CorrelationId,
	}

	if b.tx {
		b.pending = append(b.pending, d)
		return nil
	}

	b.queue(key) <- d

	return nil
}

func (b *fakeBroker) Tx() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tx = true

	return nil
}

func (b *fakeBroker) TxCommit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.commits++

	for _, d := range b.pending {
		b.queue(d.RoutingKey) <- d
	}

	b.pending = nil

	return nil
}

func (b *fakeBroker) TxRollback() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollbacks++
	b.pending = nil

	return nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closes++

	return nil
}

func (b *fakeBroker) Ack(uint64, bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.acks++

	return nil
}

func (b *fakeBroker) Nack(uint64, bool, bool) error { return nil }
func (b *fakeBroker) Reject(uint64, bool) error     { return nil }

// amqpSessionOf returns the session embedded in any AMQP role.
func amqpSessionOf(p worker.Provider) *amqpSession {
	return p.(interface{ session() *amqpSession }).session()
}

func openAMQP(t *testing.T, b *fakeBroker, kind string, p worker.Provider) {
	t.Helper()

	amqpSessionOf(p).dial = b.dial
	require.NoError(t, p.Open(context.Background()), kind)
}

func TestAMQPKindsBuildTheirRole(t *testing.T) {
	tests := []struct {
		kind string
		want worker.Provider
	}{
		{kind: KindAMQPSender, want: &amqpSender{}},
		{kind: KindAMQPReceiver, want: &amqpReceiver{}},
		{kind: KindAMQPPutGet, want: &amqpPutGet{}},
		{kind: KindAMQPRequester, want: &amqpRequester{}},
		{kind: KindAMQPResponder, want: &amqpResponder{}},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			p := newTestProvider(t, tt.kind, testConfig(t), destinations(t, "q", 0, 0, 0))
			assert.IsType(t, tt.want, p)
			assert.Equal(t, tt.kind, amqpSessionOf(p).s.kind)
		})
	}
}

func TestAMQPSender(t *testing.T) {
	b := newFakeBroker()
	p := newTestProvider(t, KindAMQPSender, testConfig(t), destinations(t, "q", 1, 2, 0))
	openAMQP(t, b, KindAMQPSender, p)

	ctx := context.Background()
	for range 3 {
		require.Equal(t, worker.Success, p.Iterate(ctx))
	}

	assert.Equal(t, []string{"q1", "q2"}, b.declared)
	assert.Equal(t, 2, b.depth("q1"))
	assert.Equal(t, 1, b.depth("q2"))
	assert.Equal(t, "abcd", string((<-b.queues["q1"]).Body))

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, 2, b.closes)
	assert.Zero(t, b.rollbacks)
}

func TestAMQPSenderTransacted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transacted = true
	cfg.CommitCount = 2

	b := newFakeBroker()
	p := newTestProvider(t, KindAMQPSender, cfg, destinations(t, "q", 0, 0, 0))
	openAMQP(t, b, KindAMQPSender, p)

	ctx := context.Background()
	for range 3 {
		require.Equal(t, worker.Success, p.Iterate(ctx))
	}

	assert.Equal(t, 1, b.commits)
	assert.Equal(t, 2, b.depth("q"))

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, 1, b.rollbacks)
	assert.Equal(t, 2, b.depth("q"))
}

func TestAMQPReceiver(t *testing.T) {
	b := newFakeBroker()
	require.NoError(t, b.PublishWithContext(context.Background(), "", "in", false, false, amqp.Publishing{Body: []byte("x")}))

	p := newTestProvider(t, KindAMQPReceiver, testConfig(t), destinations(t, "in", 0, 0, 0))
	openAMQP(t, b, KindAMQPReceiver, p)

	ctx := context.Background()
	assert.Equal(t, worker.Success, p.Iterate(ctx))
	assert.Equal(t, worker.Timeout, p.Iterate(ctx))
	assert.Zero(t, b.acks)
}

func TestAMQPPutGetTransacted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transacted = true
	cfg.CommitCount = 1

	b := newFakeBroker()
	p := newTestProvider(t, KindAMQPPutGet, cfg, destinations(t, "pg", 0, 0, 0))
	openAMQP(t, b, KindAMQPPutGet, p)

	assert.Equal(t, worker.Success, p.Iterate(context.Background()))
	assert.Equal(t, 2, b.commits)
	assert.Equal(t, 1, b.acks)
	assert.Zero(t, b.depth("pg"))
}

func TestAMQPRequestReply(t *testing.T) {
	b := newFakeBroker()
	ctx := context.Background()

	requester := newTestProvider(t, KindAMQPRequester, testConfig(t), destinations(t, "rpc", 0, 0, 0))
	openAMQP(t, b, KindAMQPRequester, requester)

	responder := newTestProvider(t, KindAMQPResponder, testConfig(t), destinations(t, "rpc", 0, 0, 0))
	openAMQP(t, b, KindAMQPResponder, responder)

	assert.Equal(t, "amq.gen-1", requester.(*amqpRequester).replyQueue)

	// A reply left over from an earlier request is skipped.
	require.NoError(t, b.PublishWithContext(ctx, "", "amq.gen-1", false, false, amqp.Publishing{CorrelationId: "stale"}))

	replied := make(chan worker.Result, 1)
	go func() { replied <- responder.Iterate(ctx) }()

	assert.Equal(t, worker.Success, requester.Iterate(ctx))
	assert.Equal(t, worker.Success, <-replied)

	// Nobody answers the second request.
	assert.Equal(t, worker.Timeout, requester.Iterate(ctx))
}

type failingChannel struct {
	*fakeBroker
}

func (failingChannel) PublishWithContext(context.Context, string, string, bool, bool, amqp.Publishing) error {
	return errors.New("channel closed")
}

func TestAMQPPublishFailure(t *testing.T) {
	b := newFakeBroker()
	p := newTestProvider(t, KindAMQPSender, testConfig(t), destinations(t, "q", 0, 0, 0))
	amqpSessionOf(p).dial = func(string, string) (amqpChannel, io.Closer, error) {
		return failingChannel{b}, b, nil
	}

	require.NoError(t, p.Open(context.Background()))
	assert.Equal(t, worker.HardFailure, p.Iterate(context.Background()))
}

func TestAMQPDialFailure(t *testing.T) {
	p := newTestProvider(t, KindAMQPReceiver, testConfig(t), destinations(t, "q", 0, 0, 0))
	amqpSessionOf(p).dial = func(string, string) (amqpChannel, io.Closer, error) {
		return nil, nil, errors.New("amqp dial: connection refused")
	}

	require.Error(t, p.Open(context.Background()))
}
