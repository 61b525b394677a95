package generic

import (
	"sort"
	"sync"
)

// =============================================================================
// KEYED MUTEX - Single writer per balance key
// =============================================================================

// KeyedMutex serializes read-modify-write cycles per BalanceKey. Different
// keys proceed in parallel. Entries are reference counted and removed when
// no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[BalanceKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[BalanceKey]*keyLock)}
}

// Lock acquires every key in sorted order and returns the release func.
// Duplicate keys are collapsed.
func (km *KeyedMutex) Lock(keys ...BalanceKey) (unlock func()) {
	ordered := dedupeKeys(keys)

	held := make([]*keyLock, 0, len(ordered))
	for _, k := range ordered {
		kl := km.acquire(k)
		kl.mu.Lock()
		held = append(held, kl)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				km.release(ordered[i])
			}
		})
	}
}

func (km *KeyedMutex) acquire(k BalanceKey) *keyLock {
	km.mu.Lock()
	defer km.mu.Unlock()
	kl, ok := km.locks[k]
	if !ok {
		kl = &keyLock{}
		km.locks[k] = kl
	}
	kl.refs++
	return kl
}

func (km *KeyedMutex) release(k BalanceKey) {
	km.mu.Lock()
	defer km.mu.Unlock()
	kl := km.locks[k]
	kl.refs--
	if kl.refs == 0 {
		delete(km.locks, k)
	}
}

func dedupeKeys(keys []BalanceKey) []BalanceKey {
	seen := make(map[BalanceKey]bool, len(keys))
	out := make([]BalanceKey, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// KeySet is the set of keys a unit of work locked up front.
type KeySet map[BalanceKey]bool

func NewKeySet(keys ...BalanceKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = true
	}
	return s
}

// Keys returns the set in lock order.
func (s KeySet) Keys() []BalanceKey {
	out := make([]BalanceKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return dedupeKeys(out)
}
