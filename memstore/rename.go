package memstore

import "mailvault.dev/msgdoc"

// Renamed describes one message moved by RenameMbox: its new key and
// the container whose Flags.Mbox now reads new, for the caller to
// batch-persist under a fresh fdoc DocID.
type Renamed struct {
	Key       Key
	Container *msgdoc.Container
}

// RenameMbox reparents every cached message in old to new: it
// rewrites each fdoc's Mbox field, moves the container to a key
// under new, carries the mbox's last_uid counter along, and
// reindexes the chash/phash reverse maps. RenameMbox only touches
// the cache; the caller rewrites the permanent store's fdoc rows
// itself (they are authoritative and may include messages never
// primed here), batched per mailbox. Moved new/dirty markers ensure
// an undrained cached message is persisted under its new key by the
// next drain.
func (m *Memstore) RenameMbox(old, new string) []Renamed {
	m.mu.Lock()
	defer m.mu.Unlock()

	var moved []Renamed
	for key, c := range m.containers {
		if key.Mbox != old {
			continue
		}
		newKey := Key{Mbox: new, UID: key.UID}

		if c.Flags != nil {
			c.Flags.Mbox = new
			if set := m.chashToKeys[c.Flags.Chash]; set != nil {
				delete(set, key)
				set[newKey] = true
			}
		}
		for _, part := range c.Parts {
			if set := m.phashToKeys[part.Phash]; set != nil {
				delete(set, key)
				set[newKey] = true
			}
		}

		delete(m.containers, key)
		m.containers[newKey] = c

		if m.newSet[key] {
			delete(m.newSet, key)
			m.newSet[newKey] = true
		}
		if m.dirtySet[key] {
			delete(m.dirtySet, key)
			m.dirtySet[newKey] = true
		}

		moved = append(moved, Renamed{Key: newKey, Container: c})
	}

	if uid, ok := m.lastUID[old]; ok {
		m.lastUID[new] = uid
		delete(m.lastUID, old)
		m.dirtyUIDs[new] = true
	}
	delete(m.dirtyUIDs, old)
	delete(m.nextUIDLocks, old)

	if doc, ok := m.rdocs[old]; ok {
		doc.Mbox = new
		m.rdocs[new] = doc
		delete(m.rdocs, old)
	}

	return moved
}
