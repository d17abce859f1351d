// Package session owns connection timing shared by the relay and its agents.
//
// Ownership boundary:
// - connect/handshake/read/write/ack timeouts
// - reconnect backoff
package session
