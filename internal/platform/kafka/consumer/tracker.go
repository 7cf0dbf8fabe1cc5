package consumer

import (
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type topicPartition struct {
	topic     string
	partition int32
}

// partitionState tracks offsets handed out for one partition. Offsets are
// appended in poll order, which is ascending within a partition.
type partitionState struct {
	generation uint64
	pending    []int64
	done       map[int64]struct{}
	next       int64 // offset to commit; -1 until something completes
	dirty      bool
}

// offsetTracker computes, per partition, the highest offset below which
// every message has been settled. Workers settle out of order; only the
// contiguous prefix is ever committed.
type offsetTracker struct {
	mu         sync.Mutex
	generation uint64
	partitions map[topicPartition]*partitionState
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[topicPartition]*partitionState)}
}

// track registers an offset as in flight and returns the partition
// generation the settlement must present.
func (t *offsetTracker) track(topic string, partition int32, offset int64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := topicPartition{topic, partition}
	st, ok := t.partitions[key]
	if !ok {
		t.generation++
		st = &partitionState{
			generation: t.generation,
			done:       make(map[int64]struct{}),
			next:       -1,
		}
		t.partitions[key] = st
	}
	st.pending = append(st.pending, offset)
	return st.generation
}

// markDone settles an offset. It reports false when the partition was
// revoked since the offset was tracked; such settlements are dropped because
// the new owner will redeliver from its committed position.
func (t *offsetTracker) markDone(topic string, partition int32, offset int64, generation uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.partitions[topicPartition{topic, partition}]
	if !ok || st.generation != generation {
		return false
	}
	st.done[offset] = struct{}{}
	for len(st.pending) > 0 {
		head := st.pending[0]
		if _, settled := st.done[head]; !settled {
			break
		}
		delete(st.done, head)
		st.pending = st.pending[1:]
		st.next = head + 1
		st.dirty = true
	}
	return true
}

// commitable returns the watermarks that moved since the last call and
// clears their dirty flag. restore must be called if committing them fails.
func (t *offsetTracker) commitable() []kafka.TopicPartition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []kafka.TopicPartition
	for key, st := range t.partitions {
		if !st.dirty {
			continue
		}
		topic := key.topic
		out = append(out, kafka.TopicPartition{
			Topic:     &topic,
			Partition: key.partition,
			Offset:    kafka.Offset(st.next),
		})
		st.dirty = false
	}
	return out
}

// restore marks partitions dirty again after a failed commit.
func (t *offsetTracker) restore(tps []kafka.TopicPartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tp := range tps {
		if tp.Topic == nil {
			continue
		}
		if st, ok := t.partitions[topicPartition{*tp.Topic, tp.Partition}]; ok {
			st.dirty = true
		}
	}
}

// revoke forgets partitions this member no longer owns.
func (t *offsetTracker) revoke(tps []kafka.TopicPartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tp := range tps {
		if tp.Topic == nil {
			continue
		}
		delete(t.partitions, topicPartition{*tp.Topic, tp.Partition})
	}
}

// inFlight returns the number of tracked but unsettled-prefix offsets.
func (t *offsetTracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.partitions {
		n += len(st.pending)
	}
	return n
}
