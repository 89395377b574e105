// Package cachemgr owns the cache directory and its background facilities, and
// is the single authority for full invalidation. It persists a versioned
// metadata snapshot of every cache on a cron schedule, restores it on startup
// when every tracked fingerprint still matches, and otherwise wipes the
// directory and starts cold.
package cachemgr
