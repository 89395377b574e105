// Package server hosts the Fiber HTTP service: the request middleware chain,
// the bundle routes that delegate to a BundleHandler, and the module registry
// that diagnostics routes read. Keep exports narrow and accept explicit
// dependencies so that handlers can be faked in tests.
package server
