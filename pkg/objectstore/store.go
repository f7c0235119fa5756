package objectstore

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/sleuth/internal/observability"
)

const (
	// DefaultMaxItems is used when Config.MaxItems is not positive.
	DefaultMaxItems = 1000

	idAttempts = 8
)

// Config configures a Store.
type Config struct {
	MaxItems int           `json:"max_items" mapstructure:"max_items"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"` // <= 0 disables expiry
}

// Stats is a point-in-time view of store counters.
type Stats struct {
	Items       int           `json:"items"`
	MaxItems    int           `json:"max_items"`
	TTL         time.Duration `json:"ttl"`
	Hits        uint64        `json:"hits"`
	Misses      uint64        `json:"misses"`
	Evictions   uint64        `json:"evictions"`
	Expirations uint64        `json:"expirations"`
}

type entry struct {
	id         string
	payload    any
	lastAccess time.Time
}

// Store is a thread-safe id -> payload map bounded by an LRU capacity and a
// lazily enforced TTL. One mutex guards the recency list and the index.
type Store struct {
	mu    sync.Mutex
	order *list.List // front = most recently used
	index map[string]*list.Element

	maxItems int
	ttl      time.Duration
	now      func() time.Time
	newID    func() (string, error)
	logger   zerolog.Logger

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With().Str("component", "objectstore").Logger()
	}
}

// WithIDGenerator overrides id generation.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// New creates a Store.
func New(cfg Config, opts ...Option) *Store {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}

	s := &Store{
		order:    list.New(),
		index:    make(map[string]*list.Element),
		maxItems: cfg.MaxItems,
		ttl:      cfg.TTL,
		now:      time.Now,
		newID:    func() (string, error) { return gonanoid.New() },
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save stores payload under a freshly generated id and returns it.
func (s *Store) Save(payload any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.uniqueIDLocked()
	if err != nil {
		return "", err
	}

	el := s.order.PushFront(&entry{id: id, payload: payload, lastAccess: s.now()})
	s.index[id] = el

	evicted := 0
	for s.order.Len() > s.maxItems {
		s.removeLocked(s.order.Back())
		evicted++
	}
	s.evictions += uint64(evicted)

	observability.RecordStoreEviction("capacity", evicted)
	observability.SetStoreItems(s.order.Len())
	if evicted > 0 {
		s.logger.Debug().Int("evicted", evicted).Msg("Evicted least recently used payloads")
	}
	return id, nil
}

func (s *Store) uniqueIDLocked() (string, error) {
	for i := 0; i < idAttempts; i++ {
		id, err := s.newID()
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		if _, exists := s.index[id]; !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("generate id: %d consecutive collisions", idAttempts)
}

// Load returns the payload for id. A hit refreshes the entry's recency and
// access time; an entry idle for longer than the TTL is removed and reported
// as a miss.
func (s *Store) Load(id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.index[id]
	if !ok {
		s.misses++
		observability.RecordStoreLookup(false)
		return nil, false
	}

	e := el.Value.(*entry)
	now := s.now()
	if s.expiredLocked(e, now) {
		s.removeLocked(el)
		s.misses++
		s.expirations++
		observability.RecordStoreLookup(false)
		observability.RecordStoreEviction("ttl", 1)
		observability.SetStoreItems(s.order.Len())
		return nil, false
	}

	e.lastAccess = now
	s.order.MoveToFront(el)
	s.hits++
	observability.RecordStoreLookup(true)
	return e.payload, true
}

func (s *Store) expiredLocked(e *entry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.lastAccess) > s.ttl
}

func (s *Store) removeLocked(el *list.Element) {
	e := s.order.Remove(el).(*entry)
	delete(s.index, e.id)
}

// Len returns the number of entries, including expired ones not yet read.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Items:       s.order.Len(),
		MaxItems:    s.maxItems,
		TTL:         s.ttl,
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
	}
}

// Clear drops every entry. Counters are kept.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Init()
	s.index = make(map[string]*list.Element)
	observability.SetStoreItems(0)
}

// CleanupExpired removes every expired entry and returns how many were
// dropped. It is never called automatically.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl <= 0 {
		return 0
	}

	now := s.now()
	removed := 0
	// Walking from the back visits the least recently accessed entries first.
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		if s.expiredLocked(el.Value.(*entry), now) {
			s.removeLocked(el)
			removed++
		}
		el = prev
	}

	s.expirations += uint64(removed)
	observability.RecordStoreEviction("ttl", removed)
	observability.SetStoreItems(s.order.Len())
	return removed
}
