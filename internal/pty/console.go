package pty

import "sync"

const defaultConsoleCapacity = 256 * 1024

// ConsoleBuffer keeps the most recent bytes a backend wrote to its terminal.
// Older bytes are overwritten once the capacity is reached. Safe for
// concurrent use.
type ConsoleBuffer struct {
	mu       sync.Mutex
	buf      []byte
	writePos int
	total    int64
}

// NewConsoleBuffer allocates a buffer holding at most capacity bytes.
func NewConsoleBuffer(capacity int) *ConsoleBuffer {
	if capacity <= 0 {
		capacity = defaultConsoleCapacity
	}
	return &ConsoleBuffer{buf: make([]byte, capacity)}
}

// Write implements io.Writer and never fails.
func (b *ConsoleBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.buf)
	b.total += int64(n)
	if n >= capacity {
		copy(b.buf, p[n-capacity:])
		b.writePos = 0
		return n, nil
	}

	head := copy(b.buf[b.writePos:], p)
	if head < n {
		copy(b.buf, p[head:])
	}
	b.writePos = (b.writePos + n) % capacity
	return n, nil
}

// Bytes returns a copy of the buffered output, oldest byte first.
func (b *ConsoleBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tailLocked(b.lenLocked())
}

// Tail returns a copy of at most the last n buffered bytes.
func (b *ConsoleBuffer) Tail(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l := b.lenLocked(); n > l {
		n = l
	}
	return b.tailLocked(n)
}

// Total returns the number of bytes ever written, including overwritten ones.
func (b *ConsoleBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *ConsoleBuffer) lenLocked() int {
	if b.total < int64(len(b.buf)) {
		return int(b.total)
	}
	return len(b.buf)
}

func (b *ConsoleBuffer) tailLocked(n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	start := b.writePos - n
	if start >= 0 {
		copy(out, b.buf[start:b.writePos])
		return out
	}
	// wrapped: the first part sits at the end of buf
	k := copy(out, b.buf[len(b.buf)+start:])
	copy(out[k:], b.buf[:b.writePos])
	return out
}
