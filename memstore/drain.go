package memstore

import (
	"context"
	"time"

	"mailvault.dev/msgdoc"
)

// Run starts the write-back loop: on every tick, or whenever Wake is
// called, drain persists pending rdocs first, then every new/dirty
// container, into the permanent store. Run blocks until Stop is
// called (Stop cancels the memstore's own context, created by New);
// callers should invoke it in its own goroutine.
func (m *Memstore) Run() error {
	defer close(m.done)

	ticker := time.NewTicker(m.writePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return nil
		case <-m.wake:
		case <-ticker.C:
		}

		if err := m.drain(m.ctx); err != nil {
			m.logf("memstore: drain: %v", err)
		}
	}
}

func (m *Memstore) drain(ctx context.Context) error {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	m.mu.Lock()
	m.writing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.writing = false
		m.mu.Unlock()
	}()

	m.mu.Lock()
	uidMarks := make(map[string]uint32, len(m.dirtyUIDs))
	for mbox := range m.dirtyUIDs {
		uidMarks[mbox] = m.lastUID[mbox]
	}
	m.dirtyUIDs = make(map[string]bool)
	m.mu.Unlock()
	for mbox, uid := range uidMarks {
		doc := &uidDoc{Type: "uid", Mbox: mbox, UID: uid}
		if err := m.store.PutDoc(ctx, "uid:"+mbox, "uid", doc); err != nil {
			// Restage so the counter is retried on the next tick.
			m.mu.Lock()
			m.dirtyUIDs[mbox] = true
			m.mu.Unlock()
			return err
		}
	}

	for _, mbox := range m.AllRdocMboxes() {
		m.mu.Lock()
		doc := m.rdocs[mbox]
		m.mu.Unlock()
		if doc == nil {
			continue
		}
		if err := m.store.PutDoc(ctx, "rdoc:"+mbox, "rct", doc); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.rdocs, mbox)
		m.mu.Unlock()
	}

	for _, key := range m.AllNewDirtyKeys() {
		m.mu.Lock()
		c := m.containers[key]
		m.mu.Unlock()
		if c == nil {
			continue
		}

		var resolveErr error
		for _, doc := range c.AllDocs() {
			docType, docID := docTypeAndID(key, doc)
			if err := m.store.PutDoc(ctx, docID, docType, doc); err != nil {
				resolveErr = err
				break
			}
		}

		m.mu.Lock()
		c.New = false
		c.Dirty = false
		delete(m.newSet, key)
		delete(m.dirtySet, key)
		newResolve := m.newResolvers[key]
		dirtyResolve := m.dirtyResolvers[key]
		delete(m.newResolvers, key)
		delete(m.dirtyResolvers, key)
		m.mu.Unlock()

		if newResolve != nil {
			newResolve(resolveErr)
		}
		if dirtyResolve != nil {
			dirtyResolve(resolveErr)
		}
		if resolveErr != nil {
			return resolveErr
		}
	}

	return m.store.Sync()
}

// docTypeAndID derives the permanent store's DocID and type
// discriminator for one of a container's documents: fdocs are keyed
// by mailbox+uid so a rewrite finds the same row, hdocs/cdocs by
// their content hash so identical content collapses to one row.
func docTypeAndID(key Key, doc interface{}) (docType, docID string) {
	switch d := doc.(type) {
	case *msgdoc.FlagsDoc:
		return "flags", "fdoc:" + key.String()
	case *msgdoc.HeadDoc:
		return "head", "hdoc:" + d.Chash
	case *msgdoc.CntDoc:
		return "cnt", "cdoc:" + d.Phash
	default:
		return "", ""
	}
}
