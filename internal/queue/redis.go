package queue

import (
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBroker is a reliable list queue on Redis.
//
//	queue:<name>                  LPUSH by producers, BRPOPLPUSH by consumers
//	processing:<name>:<consumer>  messages handed out and not yet acknowledged
//	delayed:<name>                ZSET scored by due time (unix ms)
//	dead:<name>                   payloads that could not be decoded
type RedisBroker struct {
	client   *redis.Client
	prefix   string
	consumer string
	poll     time.Duration
	log      *logger.Logger

	mu     sync.Mutex
	closed bool
}

var _ Broker = (*RedisBroker)(nil)

// RedisOption 配置 RedisBroker。
type RedisOption func(*RedisBroker)

// WithKeyPrefix 为所有 key 增加前缀。
func WithKeyPrefix(prefix string) RedisOption {
	return func(b *RedisBroker) { b.prefix = prefix }
}

// WithPollInterval bounds how long one BRPOPLPUSH blocks, and so how quickly Receive notices ctx.
func WithPollInterval(d time.Duration) RedisOption {
	return func(b *RedisBroker) { b.poll = d }
}

// NewRedisBroker 创建 broker。consumer 必须在重启之间保持稳定，未确认的消息依靠它找回。
func NewRedisBroker(client *redis.Client, consumer string, log *logger.Logger, opts ...RedisOption) *RedisBroker {
	b := &RedisBroker{
		client:   client,
		consumer: consumer,
		poll:     time.Second,
		log:      log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBroker) readyKey(q string) string      { return b.prefix + "queue:" + q }
func (b *RedisBroker) processingKey(q string) string { return b.prefix + "processing:" + q + ":" + b.consumer }
func (b *RedisBroker) delayedKey(q string) string    { return b.prefix + "delayed:" + q }
func (b *RedisBroker) deadKey(q string) string       { return b.prefix + "dead:" + q }

func (b *RedisBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *RedisBroker) Publish(ctx context.Context, queue string, msg TaskMessage, delay time.Duration) error {
	if b.isClosed() {
		return ErrClosed
	}
	payload, err := encode(msg)
	if err != nil {
		return err
	}
	if delay > 0 {
		due := time.Now().Add(delay).UnixMilli()
		err = b.client.ZAdd(ctx, b.delayedKey(queue), &redis.Z{Score: float64(due), Member: payload}).Err()
	} else {
		err = b.client.LPush(ctx, b.readyKey(queue), payload).Err()
	}
	if err != nil {
		return fmt.Errorf("发布任务 %s 到队列 %s 失败: %w", msg.ID, queue, err)
	}
	return nil
}

func (b *RedisBroker) Receive(ctx context.Context, queue string) (Delivery, error) {
	for {
		if b.isClosed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := b.PromoteDue(ctx, queue); err != nil && ctx.Err() == nil {
			b.log.WithError(models.NewErrorInfo(err, "queue_error")).Warn("Failed to promote delayed tasks")
		}

		raw, err := b.client.BRPopLPush(ctx, b.readyKey(queue), b.processingKey(queue), b.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if b.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("从队列 %s 读取任务失败: %w", queue, err)
		}

		msg, err := decode([]byte(raw))
		if err != nil {
			b.bury(ctx, queue, raw, err)
			continue
		}
		return &redisDelivery{broker: b, queue: queue, raw: raw, msg: msg}, nil
	}
}

// bury moves an undecodable payload to the dead-letter list.
func (b *RedisBroker) bury(ctx context.Context, queue, raw string, cause error) {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.processingKey(queue), 1, raw)
		pipe.LPush(ctx, b.deadKey(queue), raw)
		return nil
	})
	entry := b.log.WithError(models.NewErrorInfo(cause, "invalid_payload")).WithPayload(map[string]interface{}{"queue": queue})
	if err != nil {
		entry.Error("Failed to move invalid payload to dead-letter list")
		return
	}
	entry.Warn("Invalid task payload moved to dead-letter list")
}

// promoteScript moves one member from the delayed ZSET to the ready list in a single step.
var promoteScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
	redis.call("LPUSH", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// PromoteDue moves delayed messages whose due time has passed onto the ready list.
// ZREM decides which consumer wins a message when several promote at once.
func (b *RedisBroker) PromoteDue(ctx context.Context, queue string) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, b.delayedKey(queue), &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
	if err != nil {
		return 0, fmt.Errorf("读取延迟队列失败: %w", err)
	}
	moved := 0
	for _, raw := range due {
		n, err := promoteScript.Run(ctx, b.client, []string{b.delayedKey(queue), b.readyKey(queue)}, raw).Int()
		if err != nil {
			return moved, fmt.Errorf("延迟任务入队失败: %w", err)
		}
		moved += n
	}
	return moved, nil
}

// RequeueOrphans returns every message in this consumer's processing list to the
// front of the ready list. Only call it while no delivery from this consumer is in flight.
func (b *RedisBroker) RequeueOrphans(ctx context.Context, queue string) (int, error) {
	n := 0
	for {
		// 从 processing 左端取出最新的一条推到 ready 右端（即队首），最早的一条最终排在最前
		err := b.client.LMove(ctx, b.processingKey(queue), b.readyKey(queue), "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("回收未确认任务失败: %w", err)
		}
		n++
	}
}

// Recover requeues orphans on every queue. Workers call it once at start-up, before
// the first Receive.
func (b *RedisBroker) Recover(ctx context.Context, queues ...string) error {
	for _, q := range queues {
		n, err := b.RequeueOrphans(ctx, q)
		if err != nil {
			return err
		}
		if n > 0 {
			b.log.WithPayload(map[string]interface{}{"queue": q, "count": n}).Warn("Requeued unacknowledged tasks from a previous run")
		}
	}
	return nil
}

// Depth 返回 ready 与 delayed 中的消息数量。
func (b *RedisBroker) Depth(ctx context.Context, queue string) (int64, error) {
	ready, err := b.client.LLen(ctx, b.readyKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := b.client.ZCard(ctx, b.delayedKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	return ready + delayed, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

type redisDelivery struct {
	broker *RedisBroker
	queue  string
	raw    string
	msg    TaskMessage
}

func (d *redisDelivery) Message() TaskMessage { return d.msg }

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.broker.client.LRem(ctx, d.broker.processingKey(d.queue), 1, d.raw).Err(); err != nil {
		return fmt.Errorf("确认任务 %s 失败: %w", d.msg.ID, err)
	}
	return nil
}

func (d *redisDelivery) Nack(ctx context.Context, requeue bool) error {
	b := d.broker
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.processingKey(d.queue), 1, d.raw)
		if requeue {
			pipe.RPush(ctx, b.readyKey(d.queue), d.raw)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("退回任务 %s 失败: %w", d.msg.ID, err)
	}
	return nil
}
