package ble

import (
	"bytes"
	"sync"
)

// pendingCapacity bounds the bytes buffered between radio callbacks and the
// main loop. Oversized writes are dropped, not truncated.
const pendingCapacity = 2048

// PendingBuffer is the hand-off between the radio stack's write callback and
// the main loop. The callback side does nothing but a bounded copy; parsing,
// logging and dispatch all happen on the consumer side.
type PendingBuffer struct {
	mu      sync.Mutex
	buf     [pendingCapacity]byte
	n       int
	dropped uint32
}

// Push appends one write's bytes, delimited by a newline so multiple writes
// arriving before the next Drain stay separable in arrival order. It returns
// false when the write does not fit and was dropped.
func (p *PendingBuffer) Push(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.n+len(data)+1 > pendingCapacity {
		p.dropped++
		return false
	}

	copy(p.buf[p.n:], data)
	p.n += len(data)
	p.buf[p.n] = '\n'
	p.n++
	return true
}

// Drain returns the buffered commands in arrival order and resets the
// buffer. Empty segments from trailing delimiters are skipped.
func (p *PendingBuffer) Drain() [][]byte {
	p.mu.Lock()
	if p.n == 0 {
		p.mu.Unlock()
		return nil
	}
	pending := make([]byte, p.n)
	copy(pending, p.buf[:p.n])
	p.n = 0
	p.mu.Unlock()

	var commands [][]byte
	for _, segment := range bytes.Split(pending, []byte{'\n'}) {
		if len(segment) == 0 {
			continue
		}
		commands = append(commands, segment)
	}
	return commands
}

// Dropped returns the count of writes discarded for being oversized.
func (p *PendingBuffer) Dropped() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
