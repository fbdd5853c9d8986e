package events

import "sync"

type node struct {
	msg  message
	next *node
}

// buffer is an unbounded FIFO so a slow writer never blocks the reporter.
type buffer struct {
	lock sync.Mutex
	head *node
	tail *node
	size int
}

func newBuffer() *buffer {
	return &buffer{}
}

func (b *buffer) PushBack(msg message) {
	b.lock.Lock()
	defer b.lock.Unlock()

	n := &node{msg: msg}
	if b.head == nil {
		b.head = n
		b.tail = n
	} else {
		b.tail.next = n
		b.tail = n
	}
	b.size++
}

func (b *buffer) Pop() (message, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.head == nil {
		return message{}, false
	}
	n := b.head
	b.head = n.next
	if b.head == nil {
		// removing the last one
		b.tail = nil
	}
	b.size--
	return n.msg, true
}

func (b *buffer) Size() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.size
}
