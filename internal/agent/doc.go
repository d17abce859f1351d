// Package agent is the operator side of the relay: it keeps one identified connection
// to the relay, routes each relayed frame to a local sub-service by its leading
// character, and posts the sub-services' finished replies to an HTTP sink.
package agent
