// Package history provides the bounded undo/redo log attached to every
// node of the actuation graph.
//
// A Buffer records deep copies of its owner's state. Undo and Redo do not
// restore the state directly: they replay the recorded entry through the
// owner's live actuation path, so an undo is observable by drivers and
// telemetry and is itself recorded by every other node it touches. The
// buffer that is replaying ignores its own Add calls for the duration of
// the replay; this is signalled through the context handed to the replay
// function, so unrelated concurrent Adds are never dropped.
package history

import (
	"context"
	"sync"
)

// DefaultLength is the buffer length used when none is configured.
const DefaultLength = 10

// ReplayFunc drives the owner's live actuation path with a recorded entry.
type ReplayFunc[T any] func(ctx context.Context, entry T) error

// Buffer is a bounded undo/redo log.
//
// The cursor index is negative, counting from the newest entry: -1 is the
// newest entry, -Len() the oldest.
type Buffer[T any] struct {
	mu      sync.Mutex
	length  int
	entries []T
	index   int

	clone  func(T) T
	equal  func(a, b T) bool
	replay ReplayFunc[T]
}

// replayKey marks a context as belonging to a replay of one buffer.
type replayKey struct {
	buffer any
}

// New creates a buffer holding at most length entries.
// A length below 1 selects DefaultLength.
func New[T any](length int, clone func(T) T, equal func(a, b T) bool, replay ReplayFunc[T]) *Buffer[T] {
	if length < 1 {
		length = DefaultLength
	}
	return &Buffer[T]{
		length: length,
		index:  -1,
		clone:  clone,
		equal:  equal,
		replay: replay,
	}
}

// Add records s as the newest entry.
//
// It is a no-op when s equals the newest entry or when ctx belongs to a
// replay of this buffer. Otherwise any redo tail beyond the cursor is
// discarded, a copy of s is appended, the cursor resets to -1 and the
// oldest entries are evicted down to the buffer length.
//
// Returns true if an entry was recorded.
func (b *Buffer[T]) Add(ctx context.Context, s T) bool {
	if b.Replaying(ctx) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.entries); n > 0 && b.equal(b.entries[n-1], s) {
		return false
	}

	if b.index != -1 {
		b.entries = b.entries[:len(b.entries)+b.index+1]
	}

	b.entries = append(b.entries, b.clone(s))
	b.index = -1

	if excess := len(b.entries) - b.length; excess > 0 {
		b.entries = append([]T(nil), b.entries[excess:]...)
	}
	return true
}

// Undo replays the entry before the cursor and moves the cursor back.
// It is a no-op at the oldest entry. If the replay fails the cursor does
// not move and the error is returned.
func (b *Buffer[T]) Undo(ctx context.Context) error {
	return b.step(ctx, -1)
}

// Redo replays the entry after the cursor and moves the cursor forward.
// It is a no-op at the newest entry.
func (b *Buffer[T]) Redo(ctx context.Context) error {
	return b.step(ctx, +1)
}

func (b *Buffer[T]) step(ctx context.Context, dir int) error {
	b.mu.Lock()
	target := b.index + dir
	if target > -1 || target < -len(b.entries) {
		b.mu.Unlock()
		return nil
	}
	entry := b.clone(b.entries[len(b.entries)+target])
	b.mu.Unlock()

	if b.replay != nil {
		rctx := context.WithValue(ctx, replayKey{buffer: b}, true)
		if err := b.replay(rctx, entry); err != nil {
			return err
		}
	}

	b.mu.Lock()
	// An Add from elsewhere during the replay reset the cursor; keep it.
	if b.index == target-dir {
		b.index = target
	}
	b.mu.Unlock()
	return nil
}

// Replaying reports whether ctx was produced by a replay of this buffer.
func (b *Buffer[T]) Replaying(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(replayKey{buffer: b}).(bool)
	return v
}

// Len returns the number of recorded entries.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Cap returns the maximum number of entries.
func (b *Buffer[T]) Cap() int {
	return b.length
}

// Index returns the cursor position in [-Len(), -1].
func (b *Buffer[T]) Index() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index
}

// Entries returns copies of the recorded entries, oldest first.
func (b *Buffer[T]) Entries() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, len(b.entries))
	for i, e := range b.entries {
		out[i] = b.clone(e)
	}
	return out
}

// Current returns the entry under the cursor.
func (b *Buffer[T]) Current() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	if len(b.entries) == 0 {
		return zero, false
	}
	return b.clone(b.entries[len(b.entries)+b.index]), true
}
