// Package chat implements the room registry and message fan-out engine of the
// relay.
//
// A Registry owns every room and serializes all membership changes and
// broadcasts through a single worker goroutine, so each member observes the
// events of its room in the order the registry applied them. A Connection is
// one websocket session bound to a room and a user identity: it joins on
// start, forwards chat and typing frames to the registry, writes every
// delivered Envelope back to its peer and leaves exactly once when it closes.
//
// Delivery to a member goes through the Sink interface and never blocks the
// registry: a member whose outbound queue is full simply misses the envelope.
package chat
