// Package webrtcpeer drives one pion PeerConnection per remote participant
// through offer/answer negotiation.
//
// A Session is not safe for concurrent use. Every method must be called from
// the owner's event loop, and the Session funnels pion callbacks and the
// results of its own background work back onto that loop through
// Handlers.Post.
package webrtcpeer
