// Package cache implements the named cache partitions the worker reads and
// writes. A Storage hands out Partitions by name (open-or-create), enumerates
// and deletes them wholesale, and matches a request key across every
// partition. Three drivers share the same contract: a disk store (temp file +
// rename, zstd-compressed entries), a SQLite store and an in-memory store.
// All drivers are safe for concurrent use; concurrent puts to the same key
// are last-writer-wins.
package cache
