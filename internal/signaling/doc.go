// Package signaling is the WebSocket transport for session-setup messages.
//
// Each browser connection gets a reader goroutine that turns frames into
// transport events; the session services those events and writes replies
// from its own goroutine.
package signaling
