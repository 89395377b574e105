// Package cache owns the flat content directory shared by every build cache.
// Content files are named <prefix>.<random>.cache and are always written with
// temp file + rename so a reader never observes a partial file. Background
// persists content through a bounded worker pool and removes superseded files
// only after a delay, and Resource layers the compute-once, serve-from-memory,
// persist-in-background pattern on top of both.
package cache
