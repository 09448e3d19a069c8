package room

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry maps room IDs to rooms. It is constructed once per server and
// passed to whoever needs it.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	logger log.FieldLogger
}

func NewRegistry(logger log.FieldLogger) *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		logger: logger,
	}
}

// GetOrCreate returns the room for id, creating it if needed. Lookup and
// insert happen under one exclusive lock, so concurrent callers with the
// same id always get the same room.
func (g *Registry) GetOrCreate(id string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.rooms[id]; ok {
		return r
	}

	r := New(id)
	g.rooms[id] = r
	g.logger.WithField("room", id).Info("room created")
	return r
}

func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Delete removes the room for id and returns it. The caller is responsible
// for closing the room's connections.
func (g *Registry) Delete(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[id]
	if !ok {
		return nil, false
	}
	delete(g.rooms, id)
	g.logger.WithField("room", id).Info("room deleted")
	return r, true
}

// Rooms returns a snapshot of all rooms ordered by ID.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}
