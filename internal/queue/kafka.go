package queue

import (
	"FinDocAnalyzer/internal/models"
	"FinDocAnalyzer/pkg/logger"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const notBeforeHeader = "not_before"

// KafkaBroker maps each queue onto a topic read by one consumer group.
// Offsets are committed on Ack, and only up to the lowest message still in flight on
// the partition, so an attempt interrupted by a crash is redelivered.
// Delayed messages carry a not_before header and hold their partition until due.
type KafkaBroker struct {
	brokers []string
	groupID string
	prefix  string
	writer  *kafka.Writer
	log     *logger.Logger

	mu      sync.Mutex
	readers map[string]*kafkaReader
	closed  bool
}

type kafkaReader struct {
	mu      sync.Mutex // FetchMessage 串行调用
	reader  *kafka.Reader
	offsets *offsetTracker
}

var _ Broker = (*KafkaBroker)(nil)

// NewKafkaBroker 创建 broker。durable 为 true 时写入需要所有副本确认。
func NewKafkaBroker(brokers []string, groupID, topicPrefix string, durable bool, log *logger.Logger) *KafkaBroker {
	acks := kafka.RequireOne
	if durable {
		acks = kafka.RequireAll
	}
	return &KafkaBroker{
		brokers: brokers,
		groupID: groupID,
		prefix:  topicPrefix,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           acks,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		log:     log,
		readers: make(map[string]*kafkaReader),
	}
}

// Topic returns the topic backing queue.
func (b *KafkaBroker) Topic(queue string) string { return b.prefix + queue }

func (b *KafkaBroker) Publish(ctx context.Context, queue string, msg TaskMessage, delay time.Duration) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	km, err := kafkaMessage(b.Topic(queue), msg, delay, time.Now())
	if err != nil {
		return err
	}
	if err := b.writer.WriteMessages(ctx, km); err != nil {
		b.log.WithError(models.NewErrorInfo(err, "queue_error")).WithPayload(map[string]interface{}{"topic": km.Topic}).Error("Failed to write message to Kafka")
		return fmt.Errorf("发布任务 %s 到 %s 失败: %w", msg.ID, km.Topic, err)
	}
	return nil
}

func kafkaMessage(topic string, msg TaskMessage, delay time.Duration, now time.Time) (kafka.Message, error) {
	value, err := encode(msg)
	if err != nil {
		return kafka.Message{}, err
	}
	key := msg.JobID
	if key == "" {
		key = msg.ID
	}
	km := kafka.Message{Topic: topic, Key: []byte(key), Value: value}
	if delay > 0 {
		due := now.Add(delay).UTC().Format(time.RFC3339Nano)
		km.Headers = append(km.Headers, kafka.Header{Key: notBeforeHeader, Value: []byte(due)})
	}
	return km, nil
}

// notBefore reads the due time header. ok is false when the message is due immediately.
func notBefore(headers []kafka.Header) (time.Time, bool) {
	for _, h := range headers {
		if h.Key != notBeforeHeader {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, string(h.Value))
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

func (b *KafkaBroker) reader(queue string) (*kafkaReader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	r, ok := b.readers[queue]
	if !ok {
		r = &kafkaReader{reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  b.brokers,
			GroupID:  b.groupID,
			Topic:    b.Topic(queue),
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
		}), offsets: newOffsetTracker()}
		b.readers[queue] = r
	}
	return r, nil
}

func (b *KafkaBroker) Receive(ctx context.Context, queue string) (Delivery, error) {
	r, err := b.reader(queue)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		m, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("从 %s 拉取消息失败: %w", b.Topic(queue), err)
		}
		r.offsets.track(m.Partition, m.Offset)
		msg, err := decode(m.Value)
		if err != nil {
			b.log.WithError(models.NewErrorInfo(err, "invalid_payload")).WithPayload(map[string]interface{}{
				"topic":     m.Topic,
				"partition": m.Partition,
				"offset":    m.Offset,
			}).Warn("Skipping invalid task payload")
			if err := r.offsets.commit(ctx, r.reader, m); err != nil {
				return nil, fmt.Errorf("提交无效消息失败: %w", err)
			}
			continue
		}
		if due, ok := notBefore(m.Headers); ok {
			if err := sleepUntil(ctx, due); err != nil {
				return nil, err
			}
		}
		return &kafkaDelivery{broker: b, reader: r, queue: queue, raw: m, msg: msg}, nil
	}
}

func sleepUntil(ctx context.Context, due time.Time) error {
	d := time.Until(due)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (b *KafkaBroker) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Controller()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no kafka brokers configured")
	}
	return fmt.Errorf("kafka 不可用: %w", lastErr)
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	errs := []error{b.writer.Close()}
	for _, r := range b.readers {
		errs = append(errs, r.reader.Close())
	}
	return errors.Join(errs...)
}

type kafkaDelivery struct {
	broker *KafkaBroker
	reader *kafkaReader
	queue  string
	raw    kafka.Message
	msg    TaskMessage
}

func (d *kafkaDelivery) Message() TaskMessage { return d.msg }

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	if err := d.reader.offsets.commit(ctx, d.reader.reader, d.raw); err != nil {
		return fmt.Errorf("提交 offset 失败: %w", err)
	}
	return nil
}

// Nack with requeue republishes the message at the end of the topic, then commits.
func (d *kafkaDelivery) Nack(ctx context.Context, requeue bool) error {
	if requeue {
		if err := d.broker.Publish(ctx, d.queue, d.msg, 0); err != nil {
			return err
		}
	}
	return d.Ack(ctx)
}
