// Package manager binds UI subscribers to host terminal sessions. One
// Manager exists per top-level application context. It resolves session
// parameters, reads and writes the durable session store, fans host events
// out to only the subscribers currently attached, and keeps per-session
// UI-facing state (quick-command flag, last exit info) cached on a Binding.
//
// Sessions are shared across Manager instances through the host: the reuse
// key is (workspacePath, slot), so a session started by one context is
// transparently reattachable by another.
package manager
