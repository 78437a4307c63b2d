// Package relay tracks room membership for the signaling server and routes
// negotiation messages between room members.
//
// Routing misses are never errors: membership is eventually consistent from
// every client's point of view, so a message for a participant that just left
// is dropped silently.
package relay
