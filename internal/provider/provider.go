// Package provider holds the workload providers a worker can drive: one
// Provider per worker, selected once by kind.
package provider

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"mqbench/internal/config"
	"mqbench/internal/destination"
	"mqbench/internal/worker"
)

// ErrUnknownKind is returned by New for a kind outside Kinds().
var ErrUnknownKind = errors.New("unknown provider kind")

const (
	KindDummy = "dummy"

	KindMQTTPublisher  = "mqtt.publisher"
	KindMQTTSubscriber = "mqtt.subscriber"

	KindAMQPSender    = "amqp.sender"
	KindAMQPReceiver  = "amqp.receiver"
	KindAMQPPutGet    = "amqp.putget"
	KindAMQPRequester = "amqp.requester"
	KindAMQPResponder = "amqp.responder"

	KindNATSPublisher  = "nats.publisher"
	KindNATSSubscriber = "nats.subscriber"
	KindNATSRequester  = "nats.requester"
	KindNATSResponder  = "nats.responder"

	KindRedisSender   = "redis.sender"
	KindRedisReceiver = "redis.receiver"
)

type constructor func(s settings) worker.Provider

// settings is what every constructor receives.
type settings struct {
	kind    string
	cfg     *config.Config
	index   int
	dests   *destination.Factory
	payload []byte
	log     *zap.Logger
}

func (s settings) receiveTimeout() time.Duration {
	if d := s.cfg.ReceiveTimeoutDuration(); d > 0 {
		return d
	}

	return time.Second
}

var kinds = map[string]struct {
	name string
	new  constructor
}{
	KindDummy:          {"Dummy", newDummy},
	KindMQTTPublisher:  {"Publisher", newMQTTPublisher},
	KindMQTTSubscriber: {"Subscriber", newMQTTSubscriber},
	KindAMQPSender:     {"Sender", newAMQPSender},
	KindAMQPReceiver:   {"Receiver", newAMQPReceiver},
	KindAMQPPutGet:     {"PutGet", newAMQPPutGet},
	KindAMQPRequester:  {"Requester", newAMQPRequester},
	KindAMQPResponder:  {"Responder", newAMQPResponder},
	KindNATSPublisher:  {"Publisher", newNATSPublisher},
	KindNATSSubscriber: {"Subscriber", newNATSSubscriber},
	KindNATSRequester:  {"Requester", newNATSRequester},
	KindNATSResponder:  {"Responder", newNATSResponder},
	KindRedisSender:    {"Sender", newRedisSender},
	KindRedisReceiver:  {"Receiver", newRedisReceiver},
}

// Kinds lists the supported provider kinds in order.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

func Supported(kind string) bool {
	_, ok := kinds[kind]

	return ok
}

// WorkerName is the prefix used for worker names of the given kind.
func WorkerName(kind string) string {
	if k, ok := kinds[kind]; ok {
		return k.name
	}

	return "worker"
}

// New builds the provider for worker index.
func New(kind string, cfg *config.Config, index int, dests *destination.Factory, logger *zap.Logger) (worker.Provider, error) {
	k, ok := kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	return k.new(settings{
		kind:    kind,
		cfg:     cfg,
		index:   index,
		dests:   dests,
		payload: newPayload(cfg.MessageSize),
		log:     logger.Named(kind),
	}), nil
}

func newPayload(size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	return payload
}

// committer counts successful iterations of a transacted session and says
// when the next commit is due.
type committer struct {
	every   int
	pending int
}

func newCommitter(cfg *config.Config) *committer {
	if !cfg.Transacted {
		return nil
	}

	every := cfg.CommitCount
	if every < 1 {
		every = 1
	}

	return &committer{every: every}
}

// done records one unit of work and reports whether a commit is due.
func (c *committer) done() bool {
	c.pending++
	if c.pending < c.every {
		return false
	}

	c.pending = 0

	return true
}

// uncommitted reports whether work is waiting for a commit.
func (c *committer) uncommitted() bool { return c != nil && c.pending > 0 }
