// Package relay implements the byte relay core used by rcat.
//
// A [Session] owns two connections and drives two one-way pumps between them
// (A→B and B→A). Each pump moves at most one fixed-size buffer at a time, so
// memory per session is bounded and a slow receiver throttles its sender.
// When one direction ends, the connection it was writing to is half-closed so
// the far peer observes end-of-stream, the session waits for the sibling
// direction, and then both connections are closed.
//
// The package does no dialing, handshaking or logging; callers resolve the two
// connections and report the returned [Result].
package relay
