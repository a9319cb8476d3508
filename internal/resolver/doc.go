// Package resolver locates adapter weight files across the backend-local
// directory and the durable storage tiers, and makes durable copies visible
// where the backend expects them.
package resolver
