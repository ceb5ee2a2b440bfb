package violation

import (
	"slices"
	"sync"
	"time"
)

// nowFn is overridden in tests.
var nowFn = time.Now

// Store is a concurrency-safe, deduplicating collection of violations.
// Writers are the backend monitors; the reader is the session owner, which
// drains the store after each command.
type Store struct {
	rules IgnoreRules

	mu      sync.Mutex
	items   []Violation
	index   map[key]int
	subs    map[uint64]func(Violation)
	nextSub uint64
	dropped int
}

// NewStore returns an empty store that drops violations matching rules.
// rules may be nil.
func NewStore(rules IgnoreRules) *Store {
	return &Store{
		rules: rules,
		index: make(map[key]int),
		subs:  make(map[uint64]func(Violation)),
	}
}

// Record appends v unless an ignore rule matches it. A zero Time is filled
// in. A violation with the same kind, target and tool as one not yet
// drained only increments that record's Count. Subscribers run
// synchronously after a new record is appended, outside the lock. It
// reports whether v was appended.
func (s *Store) Record(v Violation) bool {
	if v.Time.IsZero() {
		v.Time = nowFn()
	}
	if v.Kind == "" {
		v.Kind = KindOther
	}
	if s.rules.Ignored(v) {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return false
	}
	v.Count = 1

	s.mu.Lock()
	if i, ok := s.index[v.key()]; ok {
		s.items[i].Count++
		s.mu.Unlock()
		return false
	}
	s.index[v.key()] = len(s.items)
	s.items = append(s.items, v)
	subs := make([]func(Violation), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
	return true
}

// Drain returns every recorded violation in arrival order and empties the
// store.
func (s *Store) Drain() []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.items
	s.items = nil
	clear(s.index)
	return out
}

// Snapshot returns a copy of the recorded violations without clearing them.
func (s *Store) Snapshot() []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

// ByKind returns a copy of the recorded violations of kind k.
func (s *Store) ByKind(k Kind) []Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Violation
	for _, v := range s.items {
		if v.Kind == k {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of distinct recorded violations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Dropped returns how many violations were discarded by ignore rules.
func (s *Store) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Subscribe registers fn to be called for every kept violation. The returned
// function removes the subscription and is safe to call more than once.
func (s *Store) Subscribe(fn func(Violation)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

var _ Recorder = (*Store)(nil)
