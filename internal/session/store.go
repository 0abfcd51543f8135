package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/knee-grader/internal/uploadclient"
)

// CookieName is the browser cookie carrying the session identifier.
const CookieName = "kg_session"

// Store keeps one upload client per browser session in memory. Sessions that
// stay idle past the TTL are evicted by a background sweep.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	factory func() *uploadclient.Client
	logger  *zap.Logger
	stop    chan struct{}
	once    sync.Once
}

type entry struct {
	client   *uploadclient.Client
	lastSeen time.Time
}

// NewStore builds a session store. factory constructs the upload client for a
// fresh session; ttl bounds how long an idle session survives.
func NewStore(factory func() *uploadclient.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &Store{
		entries: make(map[string]*entry),
		ttl:     ttl,
		factory: factory,
		logger:  logger.Named("session_store"),
		stop:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Acquire returns the upload client for the given session id, creating a new
// session when the id is empty or unknown. The returned id is the one the
// caller should hand back to the browser.
func (s *Store) Acquire(id string) (string, *uploadclient.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if e, ok := s.entries[id]; ok {
			e.lastSeen = time.Now()
			return id, e.client
		}
	}

	id = uuid.NewString()
	e := &entry{client: s.factory(), lastSeen: time.Now()}
	s.entries[id] = e
	s.logger.Debug("session created", zap.String("session_id", id))
	return id, e.client
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the eviction sweep.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Store) sweep() {
	interval := s.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired(time.Now())
		}
	}
}

func (s *Store) evictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if now.Sub(e.lastSeen) > s.ttl {
			delete(s.entries, id)
			s.logger.Debug("session expired", zap.String("session_id", id))
		}
	}
}
