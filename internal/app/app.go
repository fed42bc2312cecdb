package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"relivre/internal/cart"
	"relivre/internal/catalog"
	"relivre/internal/marketclient"
	"relivre/internal/session"
	"relivre/internal/store"
)

// maxVisitors caps the in-process visitor cache. Evicted visitors lose only
// the process-local state; the durable token and the cart live in Redis and
// are restored on the next request.
const maxVisitors = 1024

// Visitor bundles the per-browser state: a session manager and a cart.
type Visitor struct {
	Session *session.Manager
	Cart    *cart.Store
}

type visitorEntry struct {
	once     sync.Once
	visitor  *Visitor
	lastSeen time.Time
}

// App owns the shared dependencies and hands out one Visitor per
// session id. Visitors are cached so repeated requests from the same
// browser see the same in-process state.
type App struct {
	API     *marketclient.Client
	Catalog *catalog.Service

	redis *redis.Client

	mu      sync.Mutex
	entries map[string]*visitorEntry
}

// New wires the shared services on a market API base URL and a Redis client.
func New(apiBaseURL string, redisClient *redis.Client) *App {
	api := marketclient.NewClient(apiBaseURL)
	return &App{
		API:     api,
		Catalog: catalog.NewService(api),
		redis:   redisClient,
		entries: make(map[string]*visitorEntry),
	}
}

// Visitor returns the state for a session id, creating and bootstrapping it
// on first sight. The map lookup holds the app lock; the bootstrap (network
// plus Redis reads) runs outside it, guarded per entry, so one slow new
// visitor never stalls requests from other sessions.
func (a *App) Visitor(sessionID string) *Visitor {
	a.mu.Lock()
	e, ok := a.entries[sessionID]
	if !ok {
		if len(a.entries) >= maxVisitors {
			a.evictOldestLocked()
		}
		e = &visitorEntry{}
		a.entries[sessionID] = e
	}
	e.lastSeen = time.Now()
	a.mu.Unlock()

	e.once.Do(func() {
		e.visitor = a.buildVisitor(sessionID)
	})
	return e.visitor
}

// buildVisitor wires the per-session stores. The durable token scope and the
// cart live in Redis under keys derived from the session id; the session-only
// token scope lives in process memory and is lost on restart.
func (a *App) buildVisitor(sessionID string) *Visitor {
	durable := store.NewRedisTokenStore(a.redis, durableTokenKey(sessionID))
	scoped := store.NewMemoryTokenStore()
	mgr := session.NewManager(a.API, durable, scoped)
	mgr.Bootstrap()

	return &Visitor{
		Session: mgr,
		Cart:    cart.New(store.NewRedisCartBackend(a.redis, cartKey(sessionID))),
	}
}

// evictOldestLocked drops the least recently seen entry. Caller holds a.mu.
func (a *App) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, e := range a.entries {
		if oldestID == "" || e.lastSeen.Before(oldest) {
			oldestID = id
			oldest = e.lastSeen
		}
	}
	if oldestID != "" {
		delete(a.entries, oldestID)
	}
}

func durableTokenKey(sessionID string) string {
	return fmt.Sprintf("relivre:token:durable:%s", sessionID)
}

func cartKey(sessionID string) string {
	return fmt.Sprintf("relivre:cart:%s", sessionID)
}
