package logger

import (
	"sync"
	"time"
)

// Line is one relayed line of child output
type Line struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// Tail is a thread-safe ring buffer holding the most recent child output lines
type Tail struct {
	mu    sync.RWMutex
	lines []Line
	size  int
	index int
	full  bool
}

// NewTail creates a tail keeping up to size lines
func NewTail(size int) *Tail {
	if size <= 0 {
		size = 200
	}
	return &Tail{
		lines: make([]Line, size),
		size:  size,
	}
}

// Add appends a line, evicting the oldest when full
func (t *Tail) Add(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines[t.index] = Line{Timestamp: time.Now(), Text: text}
	t.index++
	if t.index >= t.size {
		t.index = 0
		t.full = true
	}
}

// Recent returns up to n of the newest lines, oldest first. n <= 0 returns everything.
func (t *Tail) Recent(n int) []Line {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := t.index
	if t.full {
		count = t.size
	}
	if n <= 0 || n > count {
		n = count
	}

	result := make([]Line, n)
	if n <= t.index {
		copy(result, t.lines[t.index-n:t.index])
		return result
	}

	// wrap: older part from the end of the ring, newer from the start
	fromEnd := n - t.index
	copy(result, t.lines[t.size-fromEnd:])
	copy(result[fromEnd:], t.lines[:t.index])
	return result
}

// Len returns the number of buffered lines
func (t *Tail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.full {
		return t.size
	}
	return t.index
}
