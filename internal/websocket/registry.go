package websocket

import (
	"log/slog"
	"sort"
	"sync"
)

// Member is one connection in an incident room.
type Member struct {
	UserID string
	Client *Client
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int            `json:"total_connections"`
	Users       int            `json:"unique_users"`
	Privileged  int            `json:"privileged_connections"`
	Incidents   map[string]int `json:"incidents"`
}

// Registry indexes the process's open connections by incident, by user and
// by privilege. All three indices change together under one lock.
type Registry struct {
	mu     sync.RWMutex
	logger *slog.Logger

	byID       map[string]*Client
	incidents  map[string]map[string]map[string]*Client // incident -> user -> connection id
	users      map[string][]*Client
	privileged map[string]*Client
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger.With("component", "registry"),
		byID:       make(map[string]*Client),
		incidents:  make(map[string]map[string]map[string]*Client),
		users:      make(map[string][]*Client),
		privileged: make(map[string]*Client),
	}
}

// Register adds c to every index it belongs to. It reports false when c is
// already registered.
func (r *Registry) Register(c *Client) bool {
	if c == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[c.id]; ok {
		return false
	}
	r.byID[c.id] = c

	if c.incidentID != "" {
		room, ok := r.incidents[c.incidentID]
		if !ok {
			room = make(map[string]map[string]*Client)
			r.incidents[c.incidentID] = room
		}
		conns, ok := room[c.userID]
		if !ok {
			conns = make(map[string]*Client)
			room[c.userID] = conns
		}
		conns[c.id] = c
	}

	r.users[c.userID] = append(r.users[c.userID], c)

	if c.privileged {
		r.privileged[c.id] = c
	}

	r.logger.Debug("connection registered",
		"conn_id", c.id, "user_id", c.userID, "incident_id", c.incidentID, "privileged", c.privileged)
	return true
}

// Unregister removes c from every index and prunes empty buckets. It reports
// false when c was not registered.
func (r *Registry) Unregister(c *Client) bool {
	if c == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[c.id]; !ok {
		return false
	}
	delete(r.byID, c.id)

	if c.incidentID != "" {
		r.removeFromIncident(c)
	}

	conns := r.users[c.userID]
	for i, other := range conns {
		if other == c {
			conns = append(conns[:i:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(r.users, c.userID)
	} else {
		r.users[c.userID] = conns
	}

	delete(r.privileged, c.id)

	r.logger.Debug("connection unregistered", "conn_id", c.id, "user_id", c.userID, "incident_id", c.incidentID)
	return true
}

func (r *Registry) removeFromIncident(c *Client) {
	room, ok := r.incidents[c.incidentID]
	if !ok {
		r.logger.Warn("incident index missing registered connection", "conn_id", c.id, "incident_id", c.incidentID)
		return
	}
	conns := room[c.userID]
	delete(conns, c.id)
	if len(conns) == 0 {
		delete(room, c.userID)
	}
	if len(room) == 0 {
		delete(r.incidents, c.incidentID)
	}
}

// ConnectionsForIncident returns a snapshot of the incident's members.
func (r *Registry) ConnectionsForIncident(incidentID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.incidents[incidentID]
	members := make([]Member, 0, len(room))
	for userID, conns := range room {
		for _, c := range conns {
			members = append(members, Member{UserID: userID, Client: c})
		}
	}
	return members
}

// ConnectionsForUser returns a snapshot of the user's connections in
// connection order.
func (r *Registry) ConnectionsForUser(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	out := make([]*Client, len(conns))
	copy(out, conns)
	return out
}

func (r *Registry) PrivilegedConnections() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.privileged))
	for _, c := range r.privileged {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Snapshot returns every registered connection ordered by connect time.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].connectedAt.Before(out[j].connectedAt) })
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Connections: len(r.byID),
		Users:       len(r.users),
		Privileged:  len(r.privileged),
		Incidents:   make(map[string]int, len(r.incidents)),
	}
	for id, room := range r.incidents {
		n := 0
		for _, conns := range room {
			n += len(conns)
		}
		s.Incidents[id] = n
	}
	return s
}
