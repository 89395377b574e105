// Package keygen implements the cache key generator protocol. A Generator
// derives a short deterministic key fragment from a request.Context; a List
// of generators is bound to one module or layer contribution and its joined
// output selects the cached build for a request.
//
// Generators are immutable. Refinement happens by combining: the module
// cache starts from the builder's (possibly provisional) list and replaces it
// with CombineLists(current, refined) after each build. Combining returns the
// receiver itself when no key would change, so callers can detect "nothing
// changed" by identity and skip invalidation cascades.
package keygen
