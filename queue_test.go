package docsync

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSendQueueOrder(t *testing.T) {
	queue := newSendQueue(0, 0)

	n := 100
	items := []*sendItem{}
	for i := 0; i < n; i += 1 {
		items = append(items, &sendItem{
			ref:            OpRef{Origin: "a", Seq: uint64(i + 1)},
			sequenceNumber: uint64(i + 1),
			frameBytes:     make([]byte, 8),
		})
	}
	mathrand.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
	for _, item := range items {
		dropped := queue.Add(item)
		assert.Equal(t, 0, len(dropped))
	}

	size, byteSize := queue.QueueSize()
	assert.Equal(t, n, size)
	assert.Equal(t, ByteCount(8*n), byteSize)

	for i := 0; i < n; i += 1 {
		item := queue.RemoveFirst()
		assert.NotEqual(t, item, nil)
		assert.Equal(t, uint64(i+1), item.sequenceNumber)
	}
	assert.Equal(t, queue.RemoveFirst(), nil)
}

func TestSendQueueDuplicateRef(t *testing.T) {
	queue := newSendQueue(0, 0)

	item := &sendItem{
		ref:            OpRef{Origin: "a", Seq: 1},
		sequenceNumber: 1,
		frameBytes:     make([]byte, 4),
	}
	queue.Add(item)
	queue.Add(item)

	size, _ := queue.QueueSize()
	assert.Equal(t, 1, size)
	assert.Equal(t, true, queue.ContainsRef(item.ref))
}

func TestSendQueueOverflowDropsOldest(t *testing.T) {
	queue := newSendQueue(4, 0)

	dropped := []*sendItem{}
	for i := 0; i < 10; i += 1 {
		items := queue.Add(&sendItem{
			ref:            OpRef{Origin: "a", Seq: uint64(i + 1)},
			sequenceNumber: uint64(i + 1),
			frameBytes:     make([]byte, 4),
		})
		dropped = append(dropped, items...)
	}

	size, _ := queue.QueueSize()
	assert.Equal(t, 4, size)
	assert.Equal(t, 6, len(dropped))
	// oldest sequence numbers were dropped
	for i, item := range dropped {
		assert.Equal(t, uint64(i+1), item.sequenceNumber)
	}
	assert.Equal(t, uint64(7), queue.RemoveFirst().sequenceNumber)
}

func TestSendQueueByteLimit(t *testing.T) {
	queue := newSendQueue(0, 64)

	dropped := 0
	for i := 0; i < 8; i += 1 {
		items := queue.Add(&sendItem{
			ref:            OpRef{Origin: "a", Seq: uint64(i + 1)},
			sequenceNumber: uint64(i + 1),
			frameBytes:     make([]byte, 16),
		})
		dropped += len(items)
	}

	size, byteSize := queue.QueueSize()
	assert.Equal(t, 4, size)
	assert.Equal(t, ByteCount(64), byteSize)
	assert.Equal(t, 4, dropped)
}

func TestSendQueueRemoveAll(t *testing.T) {
	queue := newSendQueue(0, 0)

	for i := 0; i < 5; i += 1 {
		queue.Add(&sendItem{
			ref:            OpRef{Origin: "a", Seq: uint64(i + 1)},
			sequenceNumber: uint64(i + 1),
			frameBytes:     make([]byte, 4),
		})
	}

	items := queue.RemoveAll()
	assert.Equal(t, 5, len(items))
	for i, item := range items {
		assert.Equal(t, uint64(i+1), item.sequenceNumber)
	}
	size, byteSize := queue.QueueSize()
	assert.Equal(t, 0, size)
	assert.Equal(t, ByteCount(0), byteSize)
}
