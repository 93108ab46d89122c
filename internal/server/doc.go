// Package server hosts the Fiber HTTP service, the request middleware chain
// and the origin registry that maps a request Host onto the upstream site it
// fronts. The proxy package plugs its handler in through ProxyHandler, and
// diagnostics routes under /-/ bypass Host routing.
package server
