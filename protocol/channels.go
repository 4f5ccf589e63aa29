package protocol

import "strings"

// Logical channel names.
const (
	ChannelBroadcast   = "broadcast"
	ChannelHeartbeat   = "heartbeat"
	ChannelResults     = "results"
	ChannelInsights    = "insights"
	ChannelCoordinator = "coordinator"

	sessionChannelPrefix = "consensus:"
)

// CoordinationChannels lists the shared channels every observer follows.
func CoordinationChannels() []string {
	return []string{ChannelBroadcast, ChannelHeartbeat, ChannelResults, ChannelInsights, ChannelCoordinator}
}

// SessionChannel is the per-session channel carrying turn grants and
// phase updates for one consensus session.
func SessionChannel(sessionID string) string { return sessionChannelPrefix + sessionID }

// SessionIDFromChannel extracts the session id from a session channel name.
func SessionIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, sessionChannelPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, sessionChannelPrefix)
	return id, id != ""
}

// DefaultNamespace prefixes stored documents when none is configured.
const DefaultNamespace = "mesh"

// Keys derives stored document keys for one namespace:
//
//	<namespace>:session:<session_id>
//	<namespace>:state:<agent_id>
//	<namespace>:insight:<insight_id>
//	<namespace>:objective
type Keys struct {
	Namespace string
}

func (k Keys) ns() string {
	if k.Namespace == "" {
		return DefaultNamespace
	}
	return k.Namespace
}

// Session returns the key of a consensus session document.
func (k Keys) Session(id string) string { return k.SessionPrefix() + id }

// SessionPrefix returns the prefix shared by all session documents.
func (k Keys) SessionPrefix() string { return k.ns() + ":session:" }

// State returns the key of an agent state document.
func (k Keys) State(agentID string) string { return k.StatePrefix() + agentID }

// StatePrefix returns the prefix shared by all agent state documents.
func (k Keys) StatePrefix() string { return k.ns() + ":state:" }

// Insight returns the key of an insight document.
func (k Keys) Insight(id string) string { return k.InsightPrefix() + id }

// InsightPrefix returns the prefix shared by all insight documents.
func (k Keys) InsightPrefix() string { return k.ns() + ":insight:" }

// Objective returns the key of the shared objective document.
func (k Keys) Objective() string { return k.ns() + ":objective" }
