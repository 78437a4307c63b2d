// Package mesh keeps one webrtcpeer.Session per remote participant of a room
// and reacts to membership and negotiation events for the local participant.
//
// Coordinator state is owned by a single Loop goroutine. Callers outside the
// loop reach the coordinator through Loop.Post or Loop.Do.
package mesh
