// Package cache implements the cache store consumed by the offline cache
// controller: a set of partitions, one per generation, each mapping an exact
// method+URL key to a stored response. Drivers register themselves through
// RegisterDriver; the fs driver keeps one gob-encoded file per entry and uses
// temp file + rename so readers never observe a half-written entry.
package cache
