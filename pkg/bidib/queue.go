// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bidib

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// MessageQueue is a bounded FIFO of received messages.
// When full, pushing evicts the oldest entry. Reads never block; Notify
// provides a broadcast signal for consumers that want to wait.
type MessageQueue struct {
	name     string
	capacity int
	log      logrus.FieldLogger

	mu      sync.Mutex
	items   []Message
	dropped uint64
	notify  chan struct{}
}

// NewMessageQueue creates a queue holding at most capacity messages
func NewMessageQueue(name string, capacity int, log logrus.FieldLogger) *MessageQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MessageQueue{
		name:     name,
		capacity: capacity,
		log:      log,
		items:    make([]Message, 0, capacity),
		notify:   make(chan struct{}),
	}
}

// Push appends msg, evicting the oldest entry if the queue is full
func (q *MessageQueue) Push(msg Message) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		oldest := q.items[0]
		q.items = append(q.items[:0], q.items[1:]...)
		q.dropped++
		q.log.WithFields(logrus.Fields{
			"queue": q.name,
			"addr":  oldest.Address.String(),
			"type":  FormatMessageType(oldest.Type),
		}).Warn("queue full, oldest message dropped")
	}
	q.items = append(q.items, msg)

	// Wake every waiter, then re-arm
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

// Pop removes and returns the oldest message. ok is false if the queue is empty.
func (q *MessageQueue) Pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = append(q.items[:0], q.items[1:]...)
	return msg, true
}

// PopFunc removes and returns the oldest message for which match returns
// true, leaving the others in place.
func (q *MessageQueue) PopFunc(match func(Message) bool) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, msg := range q.items {
		if match(msg) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return msg, true
		}
	}
	return Message{}, false
}

// Notify returns a channel that is closed by the next push. Every caller
// holding the channel wakes up. Take the channel before checking the queue
// so that a push in between is not missed.
func (q *MessageQueue) Notify() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify
}

// Len returns the number of queued messages
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many messages were evicted on overflow
func (q *MessageQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Reset discards every queued message
func (q *MessageQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}
