// Package fetch defines the request and response descriptors exchanged between
// the HTTP surface, the offline cache controller and the network. Responses
// carry a single-consumption body; Duplicate is the only supported way to keep
// a copy while still handing the original to the caller.
package fetch
