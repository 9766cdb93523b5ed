package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"mqbench/internal/worker"
)

/* =======================
   NATS clients
   ======================= */

// natsConn is the part of *nats.Conn the providers use.
type natsConn interface {
	Publish(subj string, data []byte) error
	Request(subj string, data []byte, timeout time.Duration) (*nats.Msg, error)
	ChanSubscribe(subj string, ch chan *nats.Msg) (*nats.Subscription, error)
	FlushTimeout(timeout time.Duration) error
	Close()
}

type natsDialer func(url string, opts ...nats.Option) (natsConn, error)

func dialNATS(url string, opts ...nats.Option) (natsConn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	return nc, nil
}

// natsSession is the connection shared by the NATS roles.
type natsSession struct {
	s    settings
	dial natsDialer

	nc      natsConn
	subject string
}

func newNATSSession(s settings) natsSession {
	return natsSession{s: s, dial: dialNATS}
}

func (n *natsSession) session() *natsSession { return n }

func (n *natsSession) connect() error {
	warnNoTransactions(n.s)

	log := n.s.log

	nc, err := n.dial(n.s.cfg.NATSURL,
		nats.Name(fmt.Sprintf("mqbench-%s-%d", n.s.kind, n.s.index)),
		nats.Timeout(n.s.receiveTimeout()),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn("async error", zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	n.nc = nc

	return nil
}

func (n *natsSession) Close(context.Context) error {
	if n.nc != nil {
		n.nc.Close()
	}

	return nil
}

// natsSubscription adds a buffered subscription on the worker's subject.
type natsSubscription struct {
	natsSession

	sub  *nats.Subscription
	msgs chan *nats.Msg
}

func newNATSSubscription(s settings) natsSubscription {
	return natsSubscription{natsSession: newNATSSession(s)}
}

func (n *natsSubscription) Open(context.Context) error {
	if err := n.connect(); err != nil {
		return err
	}

	n.subject = n.s.dests.Generate()
	n.msgs = make(chan *nats.Msg, 1024)

	sub, err := n.nc.ChanSubscribe(n.subject, n.msgs)
	if err != nil {
		n.nc.Close()
		return fmt.Errorf("nats subscribe %s: %w", n.subject, err)
	}

	n.sub = sub

	// The subscription must reach the server before the worker counts as
	// started.
	if err := n.nc.FlushTimeout(n.s.receiveTimeout()); err != nil {
		n.nc.Close()
		return fmt.Errorf("nats flush: %w", err)
	}

	n.s.log.Debug("connected", zap.String("subject", n.subject))

	return nil
}

func (n *natsSubscription) next(ctx context.Context) (*nats.Msg, worker.Result) {
	t := time.NewTimer(n.s.receiveTimeout())
	defer t.Stop()

	select {
	case msg := <-n.msgs:
		return msg, worker.Success
	case <-t.C:
		return nil, worker.Timeout
	case <-ctx.Done():
		return nil, worker.HardFailure
	}
}

func (n *natsSubscription) Close(ctx context.Context) error {
	var err error

	if n.sub != nil {
		if uerr := n.sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
			err = fmt.Errorf("nats unsubscribe %s: %w", n.subject, uerr)
		}
	}

	return errors.Join(err, n.natsSession.Close(ctx))
}

/* =======================
   Roles
   ======================= */

// natsPublisher publishes to the next subject of the destination range.
type natsPublisher struct{ natsSession }

func newNATSPublisher(s settings) worker.Provider {
	return &natsPublisher{newNATSSession(s)}
}

func (p *natsPublisher) Open(context.Context) error {
	if err := p.connect(); err != nil {
		return err
	}

	p.s.log.Debug("connected")

	return nil
}

func (p *natsPublisher) Iterate(context.Context) worker.Result {
	subject := p.s.dests.Generate()

	if err := p.nc.Publish(subject, p.s.payload); err != nil {
		p.s.log.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
		return worker.HardFailure
	}

	return worker.Success
}

type natsSubscriber struct{ natsSubscription }

func newNATSSubscriber(s settings) worker.Provider {
	return &natsSubscriber{newNATSSubscription(s)}
}

func (p *natsSubscriber) Iterate(ctx context.Context) worker.Result {
	_, res := p.next(ctx)
	return res
}

// natsRequester sends one request per iteration. No responder counts as a
// timeout.
type natsRequester struct{ natsSession }

func newNATSRequester(s settings) worker.Provider {
	return &natsRequester{newNATSSession(s)}
}

func (p *natsRequester) Open(context.Context) error {
	if err := p.connect(); err != nil {
		return err
	}

	p.subject = p.s.dests.Generate()
	p.s.log.Debug("connected", zap.String("subject", p.subject))

	return nil
}

func (p *natsRequester) Iterate(context.Context) worker.Result {
	_, err := p.nc.Request(p.subject, p.s.payload, p.s.receiveTimeout())

	switch {
	case err == nil:
		return worker.Success
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, nats.ErrNoResponders):
		return worker.Timeout
	default:
		p.s.log.Warn("request failed", zap.String("subject", p.subject), zap.Error(err))
		return worker.HardFailure
	}
}

// natsResponder answers each request that carries a reply subject.
type natsResponder struct{ natsSubscription }

func newNATSResponder(s settings) worker.Provider {
	return &natsResponder{newNATSSubscription(s)}
}

func (p *natsResponder) Iterate(ctx context.Context) worker.Result {
	msg, res := p.next(ctx)
	if res != worker.Success || msg.Reply == "" {
		return res
	}

	if err := p.nc.Publish(msg.Reply, p.s.payload); err != nil {
		p.s.log.Warn("reply failed", zap.String("reply", msg.Reply), zap.Error(err))
		return worker.HardFailure
	}

	return worker.Success
}
