// Package backend defines the interface to the external rendering backend,
// the wire types of its job-queue protocol, and a registry mapping GPU types
// to backend instances.
package backend
