// Package meshproto defines the wire shapes exchanged between mesh peers and
// the signaling server: negotiation messages (offer, answer, candidate,
// hangup) and the room envelopes that carry them.
//
// Negotiation payloads are opaque to the server. Only peers decode them.
package meshproto
