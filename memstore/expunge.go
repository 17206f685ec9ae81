package memstore

import "context"

// Expunge removes every \Deleted message in mbox from both the
// permanent store and the cache. It holds the drain lock for the
// duration, so no drain interleaves with these deletions: the
// ordering guarantee that expunge's permanent-store work and the
// write-back loop never run concurrently.
func (m *Memstore) Expunge(ctx context.Context, mbox string) (deleted []uint32, err error) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	m.mu.Lock()
	var keys []Key
	for key, c := range m.containers {
		if key.Mbox != mbox {
			continue
		}
		if c.Flags != nil && c.Flags.Deleted {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		if err := m.store.DeleteDoc(ctx, "fdoc:"+key.String()); err != nil {
			return nil, err
		}
		m.RemoveMessage(key)
		deleted = append(deleted, key.UID)
	}
	return deleted, nil
}
