package cache

import (
	"fmt"
	"hash/fnv"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

const shardCount = 64

// janitorInterval is how often expired keys are swept. Reads also expire
// lazily, so the sweep only bounds memory.
const janitorInterval = 30 * time.Second

type kind int

const (
	kindNone kind = iota
	kindHash
	kindZSet
	kindSet
)

type entry struct {
	kind      kind
	hash      map[string]string
	zset      map[string]int64
	set       map[string]struct{}
	ttl       time.Duration
	expiresAt time.Time // zero means no expiry
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemStore is the in-process Store implementation. Keys are sharded across
// independently locked maps so unrelated users never contend.
type MemStore struct {
	shards [shardCount]*shard
	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMemStore creates a MemStore and starts its expiry janitor
func NewMemStore() *MemStore {
	s := &MemStore{
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

// SetClock overrides the store's clock. Test hook.
func (s *MemStore) SetClock(now func() time.Time) {
	s.now = now
}

// Close stops the janitor
func (s *MemStore) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *MemStore) janitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := s.now()
			for _, sh := range s.shards {
				sh.mu.Lock()
				for k, e := range sh.entries {
					if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
						delete(sh.entries, k)
					}
				}
				sh.mu.Unlock()
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// get returns the live entry for key, expiring it lazily. Caller holds sh.mu.
func (sh *shard) get(key string, now time.Time) *entry {
	e, ok := sh.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		delete(sh.entries, key)
		return nil
	}
	return e
}

// ensure returns the entry for key, creating it with the given kind. Caller
// holds sh.mu.
func (sh *shard) ensure(key string, k kind, now time.Time) (*entry, error) {
	e := sh.get(key, now)
	if e == nil {
		e = &entry{kind: k}
		switch k {
		case kindHash:
			e.hash = make(map[string]string)
		case kindZSet:
			e.zset = make(map[string]int64)
		case kindSet:
			e.set = make(map[string]struct{})
		}
		sh.entries[key] = e
		return e, nil
	}
	if e.kind != k {
		return nil, fmt.Errorf("key %s holds a different value kind", key)
	}
	return e, nil
}

// touch refreshes the entry's TTL window after a write. Caller holds sh.mu.
func (e *entry) touch(now time.Time) {
	if e.ttl > 0 {
		e.expiresAt = now.Add(e.ttl)
	}
}

// --- Hash operations ---

func (s *MemStore) GetField(key, field string) (string, bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.get(key, s.now())
	if e == nil || e.kind != kindHash {
		return "", false, nil
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

func (s *MemStore) SetField(key, field, value string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e, err := sh.ensure(key, kindHash, now)
	if err != nil {
		return err
	}
	e.hash[field] = value
	e.touch(now)
	return nil
}

func (s *MemStore) DeleteField(key, field string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.get(key, s.now())
	if e == nil || e.kind != kindHash {
		return nil
	}
	delete(e.hash, field)
	if len(e.hash) == 0 {
		delete(sh.entries, key)
	}
	return nil
}

func (s *MemStore) GetAll(key string) (map[string]string, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.get(key, s.now())
	if e == nil || e.kind != kindHash {
		return nil, nil
	}
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) SetAll(key string, fields map[string]string, ttl time.Duration) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e, err := sh.ensure(key, kindHash, now)
	if err != nil {
		return err
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	if ttl > 0 {
		e.ttl = ttl
	}
	e.touch(now)
	return nil
}

func (s *MemStore) IncrField(key, field string, delta int64) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e, err := sh.ensure(key, kindHash, now)
	if err != nil {
		return 0, err
	}
	cur := int64(0)
	if raw, ok := e.hash[field]; ok {
		cur, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s of %s is not an integer: %w", field, key, err)
		}
	}
	cur += delta
	e.hash[field] = strconv.FormatInt(cur, 10)
	e.touch(now)
	return cur, nil
}

func (s *MemStore) DeleteKey(key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.entries, key)
	return nil
}

func (s *MemStore) Exists(key string) (bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return sh.get(key, s.now()) != nil, nil
}

func (s *MemStore) Keys(pattern string) ([]string, error) {
	now := s.now()
	var out []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.entries {
			if sh.get(k, now) == nil {
				continue
			}
			if ok, err := path.Match(pattern, k); err != nil {
				sh.mu.Unlock()
				return nil, err
			} else if ok {
				out = append(out, k)
			}
		}
		sh.mu.Unlock()
	}
	sort.Strings(out)
	return out, nil
}

// --- Sorted-set operations ---

func (s *MemStore) ZAdd(key, member string, score int64) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, err := sh.ensure(key, kindZSet, s.now())
	if err != nil {
		return err
	}
	e.zset[member] = score
	return nil
}

func (s *MemStore) ZScore(key, member string) (int64, bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.get(key, s.now())
	if e == nil || e.kind != kindZSet {
		return 0, false, nil
	}
	score, ok := e.zset[member]
	return score, ok, nil
}

func (s *MemStore) ZRem(key, member string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.get(key, s.now())
	if e == nil || e.kind != kindZSet {
		return nil
	}
	delete(e.zset, member)
	if len(e.zset) == 0 {
		delete(sh.entries, key)
	}
	return nil
}

func (s *MemStore) ZRangeByScore(key string, min, max int64) ([]ScoredMember, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.get(key, s.now())
	if e == nil || e.kind != kindZSet {
		return nil, nil
	}
	var out []ScoredMember
	for m, score := range e.zset {
		if score >= min && score <= max {
			out = append(out, ScoredMember{Member: m, Score: score})
		}
	}
	// Ascending score, ties broken lexicographically so drains are
	// deterministic across runs.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out, nil
}

func (s *MemStore) ZCard(key string) (int, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.get(key, s.now())
	if e == nil || e.kind != kindZSet {
		return 0, nil
	}
	return len(e.zset), nil
}

// --- Set operations ---

func (s *MemStore) SAdd(key string, members ...string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, err := sh.ensure(key, kindSet, s.now())
	if err != nil {
		return err
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	return nil
}

func (s *MemStore) SMembers(key string) ([]string, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.get(key, s.now())
	if e == nil || e.kind != kindSet {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// SPopAll atomically removes and returns every member of the set. Sync
// workers use it to take a dirty-user snapshot.
func (s *MemStore) SPopAll(key string) ([]string, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.get(key, s.now())
	if e == nil || e.kind != kindSet {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	delete(sh.entries, key)
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) SRem(key string, members ...string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.get(key, s.now())
	if e == nil || e.kind != kindSet {
		return nil
	}
	for _, m := range members {
		delete(e.set, m)
	}
	if len(e.set) == 0 {
		delete(sh.entries, key)
	}
	return nil
}

func (s *MemStore) SCard(key string) (int, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.get(key, s.now())
	if e == nil || e.kind != kindSet {
		return 0, nil
	}
	return len(e.set), nil
}
