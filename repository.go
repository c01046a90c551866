package main

import (
	"crypto/rand"
	"sync"
	"time"
)

// SessionRepository holds the live hubs, keyed by game ID, so each
// $path/$gameid is its own isolated session. Implementations decide the
// lifecycle policy; the in-memory store reaps sessions after an idle TTL so
// abandoned games do not accumulate for the life of the process.
type SessionRepository interface {
	Get(gameID string) (*Hub, bool)
	Create(gameID string) *Hub
	Remove(gameID string)
	Len() int
	NewGameID() string
}

type memoryRepository struct {
	mu   sync.Mutex
	cfg  *Config
	hubs map[string]*Hub

	idleTimeout time.Duration
	closed      chan struct{}
	closeOnce   sync.Once
}

func newMemoryRepository(cfg *Config) *memoryRepository {
	r := &memoryRepository{
		cfg:         cfg,
		hubs:        make(map[string]*Hub),
		idleTimeout: cfg.sessionTimeout,
		closed:      make(chan struct{}),
	}
	if r.idleTimeout > 0 {
		go r.reaperLoop()
	}
	return r
}

func (r *memoryRepository) Get(gameID string) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hub, ok := r.hubs[gameID]
	return hub, ok
}

// Create returns the hub for a game ID, starting its event loop on first
// use. An existing hub is returned as-is; whether a logical game already
// lives behind it is the session layer's concern.
func (r *memoryRepository) Create(gameID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	if hub, ok := r.hubs[gameID]; ok {
		return hub
	}

	hub := newHub(r.cfg, gameID)
	r.hubs[gameID] = hub
	go hub.run()
	return hub
}

func (r *memoryRepository) Remove(gameID string) {
	r.mu.Lock()
	hub, ok := r.hubs[gameID]
	delete(r.hubs, gameID)
	r.mu.Unlock()

	if ok {
		hub.stop()
	}
}

func (r *memoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.hubs)
}

// NewGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (r *memoryRepository) NewGameID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		r.mu.Lock()
		_, exists := r.hubs[id]
		r.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// Close stops the reaper and every remaining hub. Only used on shutdown and
// in tests; the steady-state lifecycle is the idle reaper.
func (r *memoryRepository) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})

	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for id, hub := range r.hubs {
		hubs = append(hubs, hub)
		delete(r.hubs, id)
	}
	r.mu.Unlock()

	for _, hub := range hubs {
		hub.stop()
	}
}

// reaperLoop periodically removes hubs that have been idle longer than
// idleTimeout.
func (r *memoryRepository) reaperLoop() {
	ticker := time.NewTicker(r.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.closed:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-r.idleTimeout)

		r.mu.Lock()
		expired := make([]*Hub, 0)
		for id, hub := range r.hubs {
			if hub.idleSince().Before(cutoff) {
				delete(r.hubs, id)
				expired = append(expired, hub)
			}
		}
		r.mu.Unlock()

		for _, hub := range expired {
			logf(r.cfg, "GAMES: Reaped idle game %s", hub.id)
			hub.stop()
		}
	}
}
