package chat

import "strings"

type Role string

const (
	RoleCitizen   Role = "citizen"
	RoleResponder Role = "responder"
	RoleAdmin     Role = "admin"
)

// Capability is a permission derived from a Role.
type Capability int

const (
	// CapViewAllIncidents lets a user join any incident's chat, not only their own.
	CapViewAllIncidents Capability = iota
	// CapMonitor lets a user open a monitor session.
	CapMonitor
	// CapReceiveEmergency puts a user's sockets in the privileged fan-out set.
	CapReceiveEmergency
	// CapViewStats exposes connection statistics.
	CapViewStats
)

var capabilities = map[Role][]Capability{
	RoleResponder: {CapViewAllIncidents, CapMonitor, CapReceiveEmergency},
	RoleAdmin:     {CapViewAllIncidents, CapMonitor, CapReceiveEmergency, CapViewStats},
}

// ParseRole maps a stored or claimed role name to a Role. "police" is the
// legacy name for responders.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "citizen":
		return RoleCitizen, true
	case "responder", "police":
		return RoleResponder, true
	case "admin":
		return RoleAdmin, true
	}
	return "", false
}

func (r Role) Can(c Capability) bool {
	for _, have := range capabilities[r] {
		if have == c {
			return true
		}
	}
	return false
}

// IsPrivileged reports whether the role has cross-incident visibility.
func (r Role) IsPrivileged() bool {
	return r.Can(CapViewAllIncidents)
}

func (r Role) String() string {
	return string(r)
}

// Identity is a resolved, authenticated principal.
type Identity struct {
	UserID   string
	FullName string
	Role     Role
}

// CanAccessIncident reports whether the identity may chat in an incident
// owned by ownerID.
func (i Identity) CanAccessIncident(ownerID string) bool {
	return i.Role.Can(CapViewAllIncidents) || i.UserID == ownerID
}
