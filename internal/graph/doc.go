// Package graph models the node-graph job description submitted to the
// rendering backend. Nodes live in an indexed arena; every operation type is a
// concrete Op variant with typed input and output slots, and references are
// checked when a node is added rather than left for the backend to reject.
package graph
