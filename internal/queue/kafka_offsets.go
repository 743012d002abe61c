package queue

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker commits a partition only up to its lowest unfinished offset, since
// workers sharing a reader finish out of order.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	inflight []int64 // fetch order, ascending
	done     map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// track records a fetched message. A fetch at or below the last tracked offset means the
// reader rewound (rebalance); earlier bookkeeping for the partition is dropped.
func (t *offsetTracker) track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[partition]
	if !ok || (len(p.inflight) > 0 && offset <= p.inflight[len(p.inflight)-1]) {
		p = &partitionOffsets{done: make(map[int64]bool)}
		t.partitions[partition] = p
	}
	p.inflight = append(p.inflight, offset)
}

// complete marks offset finished and returns the highest offset that may now be
// committed. ok is false while an earlier offset is still running.
func (t *offsetTracker) complete(partition int, offset int64) (int64, bool) {
	p, found := t.partitions[partition]
	if !found {
		return 0, false
	}
	p.done[offset] = true
	var (
		last  int64
		moved bool
	)
	for len(p.inflight) > 0 && p.done[p.inflight[0]] {
		last = p.inflight[0]
		delete(p.done, last)
		p.inflight = p.inflight[1:]
		moved = true
	}
	return last, moved
}

// commit marks m finished and commits whatever became contiguous. Commits for the
// reader are serialised so the group offset never moves backwards.
func (t *offsetTracker) commit(ctx context.Context, r *kafka.Reader, m kafka.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	offset, ok := t.complete(m.Partition, m.Offset)
	if !ok {
		return nil
	}
	return r.CommitMessages(ctx, kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: offset})
}
