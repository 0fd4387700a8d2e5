package dobj

import (
	"sync"
)

// chunkSize is the number of units per node in the queue's linked list.
const chunkSize = 128

// unit is a single item of dispatch work: exactly one of ev or fn is set.
type unit struct {
	ev Event
	fn func()
}

// eventQueue is a chunked linked-list FIFO of units.
//
// Thread Safety: eventQueue is NOT thread-safe. The Manager guards it with
// its queue mutex, which is also what makes PushAll contiguous.
type eventQueue struct {
	head   *chunk
	tail   *chunk
	length int
}

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

type chunk struct {
	units   [chunkSize]unit
	next    *chunk
	readPos int
	pos     int
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

func returnChunk(c *chunk) {
	clear(c.units[:c.pos])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// Push adds a unit to the tail.
func (q *eventQueue) Push(u unit) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.units) {
		newTail := newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}
	q.tail.units[q.tail.pos] = u
	q.tail.pos++
	q.length++
}

// PushAll adds units in order. Under the caller's lock, no other unit can
// be interleaved.
func (q *eventQueue) PushAll(units []unit) {
	for _, u := range units {
		q.Push(u)
	}
}

// Pop removes and returns the head unit.
func (q *eventQueue) Pop() (unit, bool) {
	// the head chunk always has an unread unit while length is non-zero
	if q.head == nil || q.length == 0 {
		return unit{}, false
	}

	u := q.head.units[q.head.readPos]
	q.head.units[q.head.readPos] = unit{}
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			oldHead := q.head
			q.head = q.head.next
			returnChunk(oldHead)
		}
	}

	return u, true
}

// Len returns the queue length.
func (q *eventQueue) Len() int { return q.length }

// Discard drops every queued unit, returning how many were dropped.
func (q *eventQueue) Discard() int {
	n := q.length
	for c := q.head; c != nil; {
		next := c.next
		returnChunk(c)
		c = next
	}
	q.head = nil
	q.tail = nil
	q.length = 0
	return n
}
