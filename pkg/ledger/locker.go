package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Locker serializes read-modify-write cycles per key across callers.
type Locker interface {
	// Lock blocks until key is held or ctx ends. The returned func releases
	// the lock and is safe to call more than once.
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker. Keys are released from memory once the
// last holder or waiter is gone.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	slot chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

// Lock acquires key.
func (keyed *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	keyed.mu.Lock()
	entry, ok := keyed.entries[key]
	if !ok {
		entry = &keyedEntry{slot: make(chan struct{}, 1)}
		keyed.entries[key] = entry
	}
	entry.refs++
	keyed.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		keyed.release(key, entry)
		return nil, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			keyed.release(key, entry)
		})
	}, nil
}

// Len reports how many keys are currently tracked.
func (keyed *KeyedMutex) Len() int {
	keyed.mu.Lock()
	defer keyed.mu.Unlock()
	return len(keyed.entries)
}

func (keyed *KeyedMutex) release(key string, entry *keyedEntry) {
	keyed.mu.Lock()
	defer keyed.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(keyed.entries, key)
	}
}

func studentLockKey(studentID StudentID) string {
	return lockKeyStudentPrefix + studentID.String()
}

func intentLockKey(intentID IntentID) string {
	return lockKeyIntentPrefix + intentID.String()
}

func eventLockKey(eventID GatewayEventID) string {
	return lockKeyEventPrefix + eventID.String()
}
