// Package server hosts the Fiber HTTP service, request middleware chain, and
// the target registry that resolves the incoming Host header to either the
// front-end origin (same-origin for the worker) or an allow-listed cross-origin
// host. It also owns the shared upstream http.Client and header helpers that
// the proxy handler and the worker fetcher reuse.
package server
