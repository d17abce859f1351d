// Package protocol owns the plain-text wire contract shared by relay and agent.
//
// Ownership boundary:
// - identification lines and operator id validation
// - ack/nak replies and rejection lines
// - routing-character split for agent frames
//
// Terminator framing lives in protocol/frame; timeouts and backoff in protocol/session.
package protocol
