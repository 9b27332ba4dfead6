// Package server hosts the Fiber HTTP service, request middleware chain, and
// origin registry glue that wires Host/port resolution into the cache agents.
// Every configured origin shares one listen port; the Host header selects the
// origin, whose agent controller answers cache-first. Diagnostics and control
// endpoints live under /-/ and are registered by the routes subpackage.
package server
