package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mqbench/internal/worker"
)

/* =======================
   Redis lists
   ======================= */

func newRedisClient(s settings) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        s.cfg.RedisAddr,
		ClientName:  fmt.Sprintf("mqbench-%s-%d", s.kind, s.index),
		DialTimeout: s.receiveTimeout(),
		PoolSize:    1,
	})
}

func pingRedis(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

// redisSender pushes one message per iteration onto the next destination
// list. Transacted runs queue the pushes in MULTI and EXEC every -cc.
type redisSender struct {
	s         settings
	newClient func(settings) *redis.Client

	client *redis.Client
	pipe   redis.Pipeliner
	tx     *committer
	value  string
}

func newRedisSender(s settings) worker.Provider {
	return &redisSender{
		s:         s,
		newClient: newRedisClient,
		tx:        newCommitter(s.cfg),
		value:     string(s.payload),
	}
}

func (p *redisSender) Open(ctx context.Context) error {
	client := p.newClient(p.s)
	if err := pingRedis(ctx, client); err != nil {
		return err
	}

	p.client = client

	if p.tx != nil {
		p.pipe = client.TxPipeline()
	}

	return nil
}

func (p *redisSender) Iterate(ctx context.Context) worker.Result {
	key := p.s.dests.Generate()

	if p.pipe == nil {
		if err := p.client.LPush(ctx, key, p.value).Err(); err != nil {
			p.s.log.Warn("push failed", zap.String("key", key), zap.Error(err))
			return worker.HardFailure
		}

		return worker.Success
	}

	p.pipe.LPush(ctx, key, p.value)

	if !p.tx.done() {
		return worker.Success
	}

	if _, err := p.pipe.Exec(ctx); err != nil {
		p.s.log.Warn("exec failed", zap.Error(err))
		return worker.HardFailure
	}

	return worker.Success
}

func (p *redisSender) Close(context.Context) error {
	if p.tx.uncommitted() {
		p.s.log.Debug("discarding uncommitted pushes", zap.Int("pending", p.tx.pending))
		p.pipe.Discard()
	}

	if p.client == nil {
		return nil
	}

	return p.client.Close()
}

// redisReceiver pops one message per iteration from its destination list,
// blocking for at most -to seconds.
type redisReceiver struct {
	s         settings
	newClient func(settings) *redis.Client

	client *redis.Client
	key    string
}

func newRedisReceiver(s settings) worker.Provider {
	return &redisReceiver{s: s, newClient: newRedisClient}
}

func (p *redisReceiver) Open(ctx context.Context) error {
	warnNoTransactions(p.s)

	client := p.newClient(p.s)
	if err := pingRedis(ctx, client); err != nil {
		return err
	}

	p.client = client
	p.key = p.s.dests.Generate()

	return nil
}

func (p *redisReceiver) Iterate(ctx context.Context) worker.Result {
	err := p.client.BRPop(ctx, p.s.receiveTimeout(), p.key).Err()

	switch {
	case err == nil:
		return worker.Success
	case errors.Is(err, redis.Nil):
		return worker.Timeout
	default:
		p.s.log.Warn("pop failed", zap.String("key", p.key), zap.Error(err))
		return worker.HardFailure
	}
}

func (p *redisReceiver) Close(context.Context) error {
	if p.client == nil {
		return nil
	}

	return p.client.Close()
}
