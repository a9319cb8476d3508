// Package cost attributes a dollar cost to a finished generation from the
// GPU type it ran on and its measured wall-clock duration.
package cost
