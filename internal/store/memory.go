package store

import (
	"context"
	"sync"
	"time"
)

// Memory keeps the history in process memory only.  It backs tests and relays
// started with the memory backend, where history is lost on restart.
//
// A sync.RWMutex protects the records so Recent calls can run concurrently
// while appends are serialised.
type Memory struct {
	mu      sync.RWMutex
	records []Record
	nextID  int64
	closed  bool
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{now: func() time.Time { return time.Now().UTC() }}
}

// Append stores a copy of payload under the next ID.
func (m *Memory) Append(_ context.Context, nickname string, payload []byte) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Record{}, ErrClosed
	}
	m.nextID++
	rec := Record{
		ID:       m.nextID,
		Nickname: nickname,
		Payload:  append([]byte(nil), payload...),
		At:       m.now(),
	}
	m.records = append(m.records, rec)
	return rec, nil
}

// Recent returns the last n records.  n <= 0 yields no records.
func (m *Memory) Recent(_ context.Context, n int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}
	total := len(m.records)
	if n > total {
		n = total
	}
	out := make([]Record, n)
	copy(out, m.records[total-n:])
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
