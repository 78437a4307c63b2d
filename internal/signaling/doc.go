// Package signaling carries relay envelopes over WebSockets.
//
// The server side exposes GET /signal, upgrades each request, decodes frames
// with the negotiated codec and hands them to a relay.Relay. Every connection
// owns an ordered outbound queue drained by a single writer goroutine, so
// envelopes reach a participant in the order the relay produced them.
//
// The participant side is Client, which dials the endpoint and surfaces
// server envelopes on a channel.
package signaling
