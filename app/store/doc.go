// Package store provides storage for job types and job sessions.
// It defines the Store interface shared by all backends and provides two implementations:
// SQLStore, a relational multi-user backend over SQLite (WAL mode) or PostgreSQL, and KVStore,
// a single-user backend keeping its whole state in four JSON entries of a key-value medium.
// Both backends seed the same default job types and return the same orderings.
package store
