package msgdoc

// Container is the Message Container: the in-memory grouping of one
// message's documents. Not every field is always populated — a
// flags-only fetch populates Flags and leaves Head/Parts nil.
type Container struct {
	Flags *FlagsDoc
	Head  *HeadDoc
	Parts map[int]*CntDoc // 1-based part index, matching PartNode.PartMap keys

	New   bool
	Dirty bool
}

// AllDocs returns every non-nil document this container holds, for
// callers (the memstore drain loop) that need to enumerate what to
// persist without caring about document type.
func (c *Container) AllDocs() []interface{} {
	var docs []interface{}
	if c.Flags != nil {
		docs = append(docs, c.Flags)
	}
	if c.Head != nil {
		docs = append(docs, c.Head)
	}
	for _, part := range c.Parts {
		docs = append(docs, part)
	}
	return docs
}

// Size is the sum of the container's content-document sizes: the
// message's total payload footprint, ignoring header/flag overhead.
func (c *Container) Size() int64 {
	var total int64
	for _, part := range c.Parts {
		total += part.Size
	}
	return total
}
