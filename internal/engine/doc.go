// Package engine runs generation requests against a rendering backend. For
// each request it builds the job graph, resolves adapters, probes backend
// capabilities, submits and polls the job, fetches the artifact and
// attributes its cost, recording progress in the run ledger as it goes.
package engine
