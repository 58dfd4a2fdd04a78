package memory

import (
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the number of lock shards a window store uses by default.
const DefaultShards = 64

// windowEntry is one admitted unit of work. Never mutated after insertion.
type windowEntry struct {
	at     time.Time
	weight int
}

// keyState is the ordered entry log for one admission key.
// entries[head:] are live; entries[:head] have been pruned and are awaiting compaction.
type keyState struct {
	entries []windowEntry
	head    int
	total   int           // sum of live weights
	window  time.Duration // window of the most recent check, used by the sweeper
}

// sumSince drops entries at or before cutoff and returns the weight of the rest.
func (k *keyState) sumSince(cutoff time.Time) int {
	for k.head < len(k.entries) && !k.entries[k.head].at.After(cutoff) {
		k.total -= k.entries[k.head].weight
		k.head++
	}
	if k.head > 0 && k.head*2 >= len(k.entries) {
		n := copy(k.entries, k.entries[k.head:])
		clear(k.entries[n:])
		k.entries = k.entries[:n]
		k.head = 0
	}
	return k.total
}

// record appends an entry, keeping the log sorted if the clock stepped backwards.
func (k *keyState) record(at time.Time, weight int) {
	k.total += weight
	e := windowEntry{at: at, weight: weight}
	if n := len(k.entries); n == k.head || !k.entries[n-1].at.After(at) {
		k.entries = append(k.entries, e)
		return
	}
	live := k.entries[k.head:]
	i, _ := slices.BinarySearchFunc(live, at, func(e windowEntry, t time.Time) int {
		if e.at.After(t) {
			return 1
		}
		return -1
	})
	k.entries = slices.Insert(k.entries, k.head+i, e)
}

// oldest returns the timestamp of the oldest live entry.
func (k *keyState) oldest() (time.Time, bool) {
	if k.head >= len(k.entries) {
		return time.Time{}, false
	}
	return k.entries[k.head].at, true
}

// expired reports whether every entry has aged out of the key's window as of now.
func (k *keyState) expired(now time.Time) bool {
	if k.head >= len(k.entries) {
		return true
	}
	newest := k.entries[len(k.entries)-1].at
	return !newest.After(now.Add(-k.window))
}

// storeShard guards a slice of the key space.
type storeShard struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// windowStore maps admission keys to their entry logs.
// Keys are spread over independently locked shards by xxhash so unrelated
// keys rarely contend and new keys never require a global pause.
type windowStore struct {
	shards []*storeShard
}

func newWindowStore(shards int) *windowStore {
	if shards <= 0 {
		shards = DefaultShards
	}
	s := &windowStore{shards: make([]*storeShard, shards)}
	for i := range s.shards {
		s.shards[i] = &storeShard{keys: make(map[string]*keyState)}
	}
	return s
}

func (s *windowStore) shardFor(key string) *storeShard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// update runs fn with exclusive access to key's state, creating it on first use.
// Everything fn does is atomic with respect to other callers of the same key.
func (s *windowStore) update(key string, fn func(st *keyState)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.keys[key]
	if !ok {
		st = &keyState{}
		sh.keys[key] = st
	}
	fn(st)
}

// view runs fn with exclusive access to an existing key's state.
// Returns false when the key is not tracked.
func (s *windowStore) view(key string, fn func(st *keyState)) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.keys[key]
	if !ok {
		return false
	}
	fn(st)
	return true
}

// pruneAll deletes every key whose entries have all expired.
// This is the only place keys are removed from the store.
func (s *windowStore) pruneAll(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, st := range sh.keys {
			if st.expired(now) {
				delete(sh.keys, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// size returns the number of tracked keys. Shards are counted one at a time,
// so the total is approximate under concurrent writes.
func (s *windowStore) size() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.keys)
		sh.mu.Unlock()
	}
	return n
}
