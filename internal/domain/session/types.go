// Package session manages per-connection session state: creation on first
// contact, initialization tracking, activity stamps, and idle expiry.
package session

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session doesn't exist or expired.
var ErrSessionNotFound = errors.New("session not found")

// ClientInfo is the client identification negotiated at initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Session holds the state for one client connection.
type Session struct {
	// ID uniquely identifies the session.
	ID string
	// Transport names the inbound transport that created the session.
	Transport string
	// Initialized is set once the client completed initialize. All other
	// requests fail with -32002 until then.
	Initialized bool
	// ProtocolVersion is the version negotiated at initialize.
	ProtocolVersion string
	// Client is the client info supplied at initialize.
	Client ClientInfo
	// AuthToken is the bearer token presented by the client, if any.
	AuthToken string
	// CreatedAt is the session creation time.
	CreatedAt time.Time
	// LastActivity is refreshed on every inbound request.
	LastActivity time.Time
}

// IdleFor returns how long the session has been idle at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}
