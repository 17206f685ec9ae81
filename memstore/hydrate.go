package memstore

import (
	"mailvault.dev/docdb"
	"mailvault.dev/msgdoc"
)

// hydrate fills a flags-only container with its headers and content
// documents from the permanent store. Containers primed from a
// mailbox's fdoc rows start flags-only; the hdoc and cdocs are
// content-addressed, so they are fetched by the fdoc's chash and the
// part map's leaf phashes. A hydration failure leaves the container
// flags-only and a later read retries.
func (m *Memstore) hydrate(key Key, c *msgdoc.Container) {
	if c.Flags == nil || c.Flags.Chash == "" {
		return
	}

	var hdoc msgdoc.HeadDoc
	if err := m.store.GetDoc(m.ctx, "hdoc:"+c.Flags.Chash, &hdoc); err != nil {
		if err != docdb.ErrNotFound {
			m.logf("memstore: hydrate %v: %v", key, err)
		}
		return
	}

	parts := make(map[int]*msgdoc.CntDoc)
	for i, phash := range hdoc.PartMap.LeafPhashes() {
		cdoc := new(msgdoc.CntDoc)
		if err := m.store.GetDoc(m.ctx, "cdoc:"+phash, cdoc); err != nil {
			m.logf("memstore: hydrate %v part %s: %v", key, phash, err)
			return
		}
		parts[i+1] = cdoc
	}

	m.mu.Lock()
	if c.Head == nil {
		c.Head = &hdoc
		c.Parts = parts
	}
	m.mu.Unlock()
}
