// Package build memoizes module builds and layer assembly per request-derived
// cache key. Every module and every layer owns an Index that maps keys to
// entries; the index is replaced wholesale when the underlying source changes
// and the superseded entries' files are handed to delayed deletion. At most one
// build runs per key, all concurrent requesters share its result, and a build
// registered under a provisional key is republished under its final key once
// the builder has inspected the content.
package build
