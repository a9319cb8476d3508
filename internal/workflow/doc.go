// Package workflow builds the fixed per-modality job graphs. Building is pure:
// adapter filenames arrive already resolved and every optional request field
// receives an explicit default.
package workflow
