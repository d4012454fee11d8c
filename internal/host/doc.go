// Package host implements the terminal host server: a long-lived process
// that owns real PTY sessions, accepts connections on a local unix socket,
// executes framed protocol requests against the PTY backend, and broadcasts
// session events to every connected client.
//
// Sessions are keyed by (workspacePath, slot); at most one live session
// exists per key. Detached sessions keep running and accumulate pending
// output so a later ensureSession can reattach without losing bytes.
package host
