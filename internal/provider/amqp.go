package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mqbench/internal/worker"
)

/* =======================
   AMQP clients
   ======================= */

// amqpChannel is the part of *amqp.Channel the providers use.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Tx() error
	TxCommit() error
	TxRollback() error
	Close() error
}

type amqpDialer func(url, name string) (amqpChannel, io.Closer, error)

func dialAMQP(url, name string) (amqpChannel, io.Closer, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Properties: amqp.Table{"connection_name": name},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}

	return ch, conn, nil
}

// amqpSession is the connection, channel and transaction state shared by
// the AMQP roles.
type amqpSession struct {
	s    settings
	dial amqpDialer

	ch         amqpChannel
	conn       io.Closer
	tx         *committer
	queue      string
	deliveries <-chan amqp.Delivery
	declared   map[string]bool
}

func newAMQPSession(s settings) amqpSession {
	return amqpSession{
		s:        s,
		dial:     dialAMQP,
		tx:       newCommitter(s.cfg),
		declared: make(map[string]bool),
	}
}

func (a *amqpSession) session() *amqpSession { return a }

// connect dials the broker and, when transacted, puts the channel in
// transaction mode.
func (a *amqpSession) connect() error {
	ch, conn, err := a.dial(a.s.cfg.AMQPURL, fmt.Sprintf("mqbench-%s-%d", a.s.kind, a.s.index))
	if err != nil {
		return err
	}

	a.ch, a.conn = ch, conn

	if a.tx != nil {
		if err := ch.Tx(); err != nil {
			_ = a.closeAll()
			return fmt.Errorf("amqp tx select: %w", err)
		}
	}

	return nil
}

// openQueue connects, then declares and consumes the worker's own queue.
// Deliveries are auto-acked unless transacted.
func (a *amqpSession) openQueue() error {
	if err := a.connect(); err != nil {
		return err
	}

	a.queue = a.s.dests.Generate()

	if err := a.declare(a.queue); err != nil {
		_ = a.closeAll()
		return err
	}

	if err := a.consume(a.queue, a.tx == nil); err != nil {
		_ = a.closeAll()
		return err
	}

	a.s.log.Debug("connected", zap.String("queue", a.queue), zap.Bool("transacted", a.tx != nil))

	return nil
}

func (a *amqpSession) declare(queue string) error {
	if a.declared[queue] {
		return nil
	}

	if _, err := a.ch.QueueDeclare(queue, false, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp declare %s: %w", queue, err)
	}

	a.declared[queue] = true

	return nil
}

func (a *amqpSession) consume(queue string, autoAck bool) error {
	deliveries, err := a.ch.Consume(queue, "", autoAck, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume %s: %w", queue, err)
	}

	a.deliveries = deliveries

	return nil
}

func (a *amqpSession) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	ctx, cancel := context.WithTimeout(ctx, a.s.receiveTimeout())
	defer cancel()

	msg.ContentType = "application/octet-stream"
	msg.DeliveryMode = amqp.Transient
	msg.Body = a.s.payload

	return a.ch.PublishWithContext(ctx, "", queue, false, false, msg)
}

func (a *amqpSession) next(ctx context.Context, wait time.Duration) (amqp.Delivery, worker.Result) {
	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case d, ok := <-a.deliveries:
		if !ok {
			a.s.log.Warn("delivery channel closed")
			return d, worker.HardFailure
		}

		return d, worker.Success
	case <-t.C:
		return amqp.Delivery{}, worker.Timeout
	case <-ctx.Done():
		return amqp.Delivery{}, worker.HardFailure
	}
}

// receive takes one message from the worker's queue and acknowledges it.
func (a *amqpSession) receive(ctx context.Context) worker.Result {
	d, res := a.next(ctx, a.s.receiveTimeout())
	if res != worker.Success {
		return res
	}

	if res := a.ack(d); res != worker.Success {
		return res
	}

	return a.commitIfDue()
}

// ack acknowledges a delivery taken without auto-ack, which is the case
// only inside a transaction.
func (a *amqpSession) ack(d amqp.Delivery) worker.Result {
	if a.tx == nil {
		return worker.Success
	}

	if err := d.Ack(false); err != nil {
		a.s.log.Warn("ack failed", zap.Error(err))
		return worker.HardFailure
	}

	return worker.Success
}

func (a *amqpSession) commitIfDue() worker.Result {
	if a.tx == nil || !a.tx.done() {
		return worker.Success
	}

	if err := a.ch.TxCommit(); err != nil {
		a.s.log.Warn("commit failed", zap.Error(err))
		return worker.HardFailure
	}

	return worker.Success
}

// commit commits immediately, leaving the counter alone.
func (a *amqpSession) commit() worker.Result {
	if a.tx == nil {
		return worker.Success
	}

	if err := a.ch.TxCommit(); err != nil {
		a.s.log.Warn("commit failed", zap.Error(err))
		return worker.HardFailure
	}

	return worker.Success
}

// Close rolls back work not yet committed, then closes the channel and the
// connection.
func (a *amqpSession) Close(context.Context) error {
	var errs []error

	if a.tx.uncommitted() {
		a.s.log.Debug("rolling back uncommitted work", zap.Int("pending", a.tx.pending))

		if err := a.ch.TxRollback(); err != nil {
			errs = append(errs, fmt.Errorf("amqp rollback: %w", err))
		}
	}

	errs = append(errs, a.closeAll())

	return errors.Join(errs...)
}

func (a *amqpSession) closeAll() error {
	var errs []error

	if a.ch != nil {
		if err := a.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	if a.conn != nil {
		if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

/* =======================
   Roles
   ======================= */

// amqpSender publishes one message per iteration to the next destination,
// declaring each queue the first time it is used.
type amqpSender struct{ amqpSession }

func newAMQPSender(s settings) worker.Provider {
	return &amqpSender{newAMQPSession(s)}
}

func (p *amqpSender) Open(context.Context) error {
	if err := p.connect(); err != nil {
		return err
	}

	p.s.log.Debug("connected", zap.Bool("transacted", p.tx != nil))

	return nil
}

func (p *amqpSender) Iterate(ctx context.Context) worker.Result {
	queue := p.s.dests.Generate()
	if err := p.declare(queue); err != nil {
		p.s.log.Warn("declare failed", zap.Error(err))
		return worker.HardFailure
	}

	if err := p.publish(ctx, queue, amqp.Publishing{}); err != nil {
		p.s.log.Warn("publish failed", zap.String("queue", queue), zap.Error(err))
		return worker.HardFailure
	}

	return p.commitIfDue()
}

type amqpReceiver struct{ amqpSession }

func newAMQPReceiver(s settings) worker.Provider {
	return &amqpReceiver{newAMQPSession(s)}
}

func (p *amqpReceiver) Open(context.Context) error { return p.openQueue() }

func (p *amqpReceiver) Iterate(ctx context.Context) worker.Result { return p.receive(ctx) }

// amqpPutGet sends to its own queue and takes one message back. A transacted
// put is committed at once so the get can see it.
type amqpPutGet struct{ amqpSession }

func newAMQPPutGet(s settings) worker.Provider {
	return &amqpPutGet{newAMQPSession(s)}
}

func (p *amqpPutGet) Open(context.Context) error { return p.openQueue() }

func (p *amqpPutGet) Iterate(ctx context.Context) worker.Result {
	if err := p.publish(ctx, p.queue, amqp.Publishing{}); err != nil {
		p.s.log.Warn("publish failed", zap.String("queue", p.queue), zap.Error(err))
		return worker.HardFailure
	}

	if res := p.commit(); res != worker.Success {
		return res
	}

	return p.receive(ctx)
}

// amqpRequester sends one request per iteration and waits for the reply on
// an exclusive reply queue.
type amqpRequester struct {
	amqpSession
	replyQueue string
}

func newAMQPRequester(s settings) worker.Provider {
	return &amqpRequester{amqpSession: newAMQPSession(s)}
}

func (p *amqpRequester) Open(context.Context) error {
	if err := p.connect(); err != nil {
		return err
	}

	if err := p.setup(); err != nil {
		_ = p.closeAll()
		return err
	}

	p.s.log.Debug("connected",
		zap.String("queue", p.queue),
		zap.String("reply_queue", p.replyQueue),
		zap.Bool("transacted", p.tx != nil),
	)

	return nil
}

func (p *amqpRequester) setup() error {
	p.queue = p.s.dests.Generate()
	if err := p.declare(p.queue); err != nil {
		return err
	}

	q, err := p.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("amqp declare reply queue: %w", err)
	}

	p.replyQueue = q.Name

	return p.consume(p.replyQueue, true)
}

// Iterate waits for the reply carrying this request's correlation id.
// Replies to earlier, timed-out requests are skipped.
func (p *amqpRequester) Iterate(ctx context.Context) worker.Result {
	corrID := uuid.NewString()

	err := p.publish(ctx, p.queue, amqp.Publishing{ReplyTo: p.replyQueue, CorrelationId: corrID})
	if err != nil {
		p.s.log.Warn("request failed", zap.String("queue", p.queue), zap.Error(err))
		return worker.HardFailure
	}

	if res := p.commit(); res != worker.Success {
		return res
	}

	deadline := time.Now().Add(p.s.receiveTimeout())

	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return worker.Timeout
		}

		d, res := p.next(ctx, wait)
		if res != worker.Success {
			return res
		}

		if d.CorrelationId == corrID {
			return worker.Success
		}

		p.s.log.Debug("stale reply", zap.String("correlation_id", d.CorrelationId))
	}
}

// amqpResponder answers each request on its queue to the request's
// reply-to address.
type amqpResponder struct{ amqpSession }

func newAMQPResponder(s settings) worker.Provider {
	return &amqpResponder{newAMQPSession(s)}
}

func (p *amqpResponder) Open(context.Context) error { return p.openQueue() }

func (p *amqpResponder) Iterate(ctx context.Context) worker.Result {
	d, res := p.next(ctx, p.s.receiveTimeout())
	if res != worker.Success {
		return res
	}

	if d.ReplyTo != "" {
		err := p.publish(ctx, d.ReplyTo, amqp.Publishing{CorrelationId: d.CorrelationId})
		if err != nil {
			p.s.log.Warn("reply failed", zap.String("reply_to", d.ReplyTo), zap.Error(err))
			return worker.HardFailure
		}
	}

	if res := p.ack(d); res != worker.Success {
		return res
	}

	return p.commitIfDue()
}
