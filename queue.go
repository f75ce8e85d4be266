package docsync

import (
	"container/heap"
	"sync"
)

// sendItem is one encoded operation frame waiting for the transport to
// reach connected.
type sendItem struct {
	ref            OpRef
	sequenceNumber uint64
	frameBytes     []byte

	// the index of the item in the heap
	heapIndex int
}

func (self *sendItem) ByteCount() ByteCount {
	return ByteCount(len(self.frameBytes))
}

// sendQueue is the bounded outbound operation queue, ordered by sequence
// number. Overflow drops the oldest items: document state is never lost,
// only transmission is delayed, and reconciliation on reconnect redelivers
// anything dropped here.
type sendQueue struct {
	maxCount     int
	maxByteCount ByteCount

	stateLock sync.Mutex

	orderedItems []*sendItem
	refItems     map[OpRef]*sendItem
	byteCount    ByteCount
}

func newSendQueue(maxCount int, maxByteCount ByteCount) *sendQueue {
	sendQueue := &sendQueue{
		maxCount:     maxCount,
		maxByteCount: maxByteCount,
		orderedItems: []*sendItem{},
		refItems:     map[OpRef]*sendItem{},
	}
	heap.Init(sendQueue)
	return sendQueue
}

func (self *sendQueue) QueueSize() (int, ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems), self.byteCount
}

// Add queues an item and returns the items dropped to stay within the
// queue bounds. A duplicate ref is a no-op.
func (self *sendQueue) Add(item *sendItem) []*sendItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.refItems[item.ref]; ok {
		return nil
	}

	self.refItems[item.ref] = item
	heap.Push(self, item)
	self.byteCount += item.ByteCount()

	dropped := []*sendItem{}
	for (0 < self.maxCount && self.maxCount < len(self.orderedItems)) ||
		(0 < self.maxByteCount && self.maxByteCount < self.byteCount && 1 < len(self.orderedItems)) {
		dropped = append(dropped, self.removeFirst())
	}
	return dropped
}

func (self *sendQueue) RemoveFirst() *sendItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.removeFirst()
}

func (self *sendQueue) removeFirst() *sendItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Remove(self, 0).(*sendItem)
	delete(self.refItems, item.ref)
	self.byteCount -= item.ByteCount()
	return item
}

func (self *sendQueue) ContainsRef(ref OpRef) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.refItems[ref]
	return ok
}

// RemoveAll empties the queue and returns the items in sequence order.
func (self *sendQueue) RemoveAll() []*sendItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := []*sendItem{}
	for {
		item := self.removeFirst()
		if item == nil {
			return items
		}
		items = append(items, item)
	}
}

// heap.Interface

func (self *sendQueue) Push(x any) {
	item := x.(*sendItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *sendQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *sendQueue) Len() int {
	return len(self.orderedItems)
}

func (self *sendQueue) Less(i int, j int) bool {
	return self.orderedItems[i].sequenceNumber < self.orderedItems[j].sequenceNumber
}

func (self *sendQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
