// Package relay owns the central CAD-to-operator relay.
//
// Ownership boundary:
// - CAD and operator listeners
// - operator registry and admission control
// - delivery forwarding and ack tracking
//
// One loop goroutine owns every session, the registry and the wait set. Listener
// acceptors and connection pumps only post typed events to it.
//
// Wire contract: see package protocol.
package relay
