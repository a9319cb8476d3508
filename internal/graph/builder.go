package graph

// Builder keeps the first Add error so fixed topologies can be written as a
// straight sequence of calls. Once an error is recorded further Adds are no-ops.
type Builder struct {
	g   *Graph
	err error
}

// NewBuilder returns a builder over an empty graph.
func NewBuilder() *Builder {
	return &Builder{g: New()}
}

// Add appends op and returns its id, or "" if an earlier Add failed.
func (b *Builder) Add(op Op) NodeID {
	if b.err != nil {
		return ""
	}
	id, err := b.g.Add(op)
	if err != nil {
		b.err = err
		return ""
	}
	return id
}

// Graph returns the built graph or the first error encountered.
func (b *Builder) Graph() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.g, nil
}
