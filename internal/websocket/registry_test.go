package websocket

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustlink-chat/pkg/chat"
)

func memberIDs(members []Member) map[string]string {
	out := make(map[string]string, len(members))
	for _, m := range members {
		out[m.Client.ID()] = m.UserID
	}
	return out
}

func TestRegistry_RegisterIndexesAllViews(t *testing.T) {
	r := NewRegistry(testLogger())
	citizen := newTestClient("c1", chat.RoleCitizen, "42")
	responder := newTestClient("r1", chat.RoleResponder, "42")
	monitor := newTestClient("a1", chat.RoleAdmin, "")

	assert.True(t, r.Register(citizen))
	assert.True(t, r.Register(responder))
	assert.True(t, r.Register(monitor))

	assert.Equal(t, map[string]string{citizen.ID(): "c1", responder.ID(): "r1"}, memberIDs(r.ConnectionsForIncident("42")))
	assert.Equal(t, []*Client{citizen}, r.ConnectionsForUser("c1"))
	assert.ElementsMatch(t, []*Client{responder, monitor}, r.PrivilegedConnections())
	assert.Equal(t, 3, r.Len())

	got, ok := r.lookup(monitor.ID())
	require.True(t, ok)
	assert.Same(t, monitor, got)
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(testLogger())
	c := newTestClient("c1", chat.RoleCitizen, "42")

	assert.True(t, r.Register(c))
	assert.False(t, r.Register(c))
	assert.Len(t, r.ConnectionsForUser("c1"), 1)
	assert.Len(t, r.ConnectionsForIncident("42"), 1)
	assert.False(t, r.Register(nil))
}

func TestRegistry_UnregisterPrunesAndIsIdempotent(t *testing.T) {
	r := NewRegistry(testLogger())
	c := newTestClient("r1", chat.RoleResponder, "42")
	require.True(t, r.Register(c))

	assert.True(t, r.Unregister(c))
	assert.False(t, r.Unregister(c))
	assert.False(t, r.Unregister(nil))

	assert.Empty(t, r.ConnectionsForIncident("42"))
	assert.Empty(t, r.ConnectionsForUser("r1"))
	assert.Empty(t, r.PrivilegedConnections())
	assert.Zero(t, r.Len())
	assert.Empty(t, r.incidents)
	assert.Empty(t, r.users)
}

func TestRegistry_MultipleDevices(t *testing.T) {
	r := NewRegistry(testLogger())
	phone := newTestClient("c1", chat.RoleCitizen, "42")
	laptop := newTestClient("c1", chat.RoleCitizen, "42")
	other := newTestClient("c1", chat.RoleCitizen, "43")

	r.Register(phone)
	r.Register(laptop)
	r.Register(other)

	assert.Len(t, r.ConnectionsForIncident("42"), 2)
	assert.Equal(t, []*Client{phone, laptop, other}, r.ConnectionsForUser("c1"))

	r.Unregister(phone)
	assert.Equal(t, []*Client{laptop, other}, r.ConnectionsForUser("c1"))
	assert.Equal(t, map[string]string{laptop.ID(): "c1"}, memberIDs(r.ConnectionsForIncident("42")))
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(newTestClient("c1", chat.RoleCitizen, "42"))
	r.Register(newTestClient("r1", chat.RoleResponder, "42"))
	r.Register(newTestClient("r1", chat.RoleResponder, "43"))
	r.Register(newTestClient("a1", chat.RoleAdmin, ""))

	s := r.Stats()
	assert.Equal(t, 4, s.Connections)
	assert.Equal(t, 3, s.Users)
	assert.Equal(t, 3, s.Privileged)
	assert.Equal(t, map[string]int{"42": 2, "43": 1}, s.Incidents)
}

// Every connection in the incident index must also be in the user index,
// whatever the interleaving of concurrent registrations.
func TestRegistry_ConcurrentConsistency(t *testing.T) {
	r := NewRegistry(testLogger())

	clients := make([]*Client, 0, 200)
	for i := 0; i < 200; i++ {
		user := []string{"c1", "c2", "r1", "a1"}[i%4]
		role := map[string]chat.Role{"c1": chat.RoleCitizen, "c2": chat.RoleCitizen, "r1": chat.RoleResponder, "a1": chat.RoleAdmin}[user]
		clients = append(clients, newTestClient(user, role, []string{"42", "43"}[i%2]))
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			r.Register(c)
			if i%3 == 0 {
				r.Unregister(c)
			}
		}(i, c)
	}
	wg.Wait()

	for _, incidentID := range []string{"42", "43"} {
		for _, m := range r.ConnectionsForIncident(incidentID) {
			assert.Contains(t, r.ConnectionsForUser(m.UserID), m.Client)
		}
	}
	for _, c := range r.PrivilegedConnections() {
		assert.Contains(t, r.ConnectionsForUser(c.UserID()), c)
	}
	assert.Equal(t, 200-67, r.Len())
}
