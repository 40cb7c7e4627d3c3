// Package cache implements the generation store: named, versioned cache
// containers mapping normalized request keys to immutable response snapshots.
// A store holds every generation of one site; the lifecycle manager keeps the
// current shell and runtime generations and deletes the rest on activation.
// Three backends share the Store contract: a directory tree (fs), a single
// SQLite database (sqlite) and process-local maps (memory). The first two
// survive restarts.
package cache
