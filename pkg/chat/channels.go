package chat

import "strings"

const (
	incidentChannelPrefix = "incident:"
	userChannelPrefix     = "user:"

	// PrivilegedChannel addresses every privileged connection.
	PrivilegedChannel = "role:privileged"
)

func IncidentChannel(incidentID string) string {
	return incidentChannelPrefix + incidentID
}

func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// ChannelKind classifies a channel name.
type ChannelKind int

const (
	ChannelUnknown ChannelKind = iota
	ChannelIncident
	ChannelUser
	ChannelPrivileged
)

// ParseChannel splits a channel name into its kind and id.
func ParseChannel(name string) (ChannelKind, string) {
	switch {
	case name == PrivilegedChannel:
		return ChannelPrivileged, ""
	case strings.HasPrefix(name, incidentChannelPrefix):
		return ChannelIncident, strings.TrimPrefix(name, incidentChannelPrefix)
	case strings.HasPrefix(name, userChannelPrefix):
		return ChannelUser, strings.TrimPrefix(name, userChannelPrefix)
	}
	return ChannelUnknown, ""
}
