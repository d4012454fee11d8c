// Package store persists per-workspace terminal state: bounded scrollback,
// exit status, per-slot flags, and the active-slot pointer.
//
// The backing file is a single JSON document keyed by resolved workspace
// path. Every mutation schedules a debounced flush that overwrites the whole
// file atomically; durability is eventual by design. The store assumes a
// single writer process per backing file.
package store
