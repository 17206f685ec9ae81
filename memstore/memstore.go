// Package memstore is the process-wide write-back cache sitting in
// front of the permanent document store: the core holds messages
// here and a ticker-driven background loop periodically drains
// new/dirty state out to docdb.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mailvault.dev/docdb"
	"mailvault.dev/msgdoc"
)

// Key identifies a message by its mailbox and per-mailbox UID.
type Key struct {
	Mbox string
	UID  uint32
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Mbox, k.UID) }

// DefaultWritePeriod is the write-back loop's tick interval.
const DefaultWritePeriod = 10 * time.Second

// Memstore is the in-memory message cache: a (mbox, uid) ->
// Container map with reverse indexes for dedup lookups, and a
// periodic drain loop flushing new/dirty containers to the permanent
// store.
type Memstore struct {
	store *docdb.Store

	writePeriod time.Duration

	mu         sync.Mutex
	containers map[Key]*msgdoc.Container

	// phashToKeys and chashToKeys are the reverse indexes. They hold
	// stable (mbox, uid) identifiers, never direct pointers, so
	// removing a message from containers can never leave a dangling
	// view of it.
	phashToKeys map[string]map[Key]bool
	chashToKeys map[string]map[Key]bool

	lastUID      map[string]uint32
	nextUIDLocks map[string]*sync.Mutex
	lastUIDMu    sync.Mutex // guards first-writer-wins priming of lastUID

	rdocs map[string]*msgdoc.RctDoc

	newSet   map[Key]bool
	dirtySet map[Key]bool

	// dirtyUIDs marks mailboxes whose last_uid high-water mark has
	// advanced since the last drain: the write-through
	// IncrementLastUID schedules.
	dirtyUIDs map[string]bool

	newResolvers   map[Key]func(error)
	dirtyResolvers map[Key]func(error)

	writing bool

	// drainMu is held for the duration of a drain, and by Expunge
	// across its permanent-store deletions: no drain starts while an
	// expunge is in progress, and vice versa.
	drainMu sync.Mutex

	wake   chan struct{}
	ctx    context.Context
	cancel func()
	done   chan struct{}

	logf func(format string, v ...interface{})
}

// New creates a Memstore backed by store. Call Run in its own
// goroutine to start the write-back loop.
func New(store *docdb.Store, logf func(format string, v ...interface{})) *Memstore {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Memstore{
		store:          store,
		writePeriod:    DefaultWritePeriod,
		containers:     make(map[Key]*msgdoc.Container),
		phashToKeys:    make(map[string]map[Key]bool),
		chashToKeys:    make(map[string]map[Key]bool),
		lastUID:        make(map[string]uint32),
		nextUIDLocks:   make(map[string]*sync.Mutex),
		rdocs:          make(map[string]*msgdoc.RctDoc),
		newSet:         make(map[Key]bool),
		dirtySet:       make(map[Key]bool),
		dirtyUIDs:      make(map[string]bool),
		newResolvers:   make(map[Key]func(error)),
		dirtyResolvers: make(map[Key]func(error)),
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		logf:           logf,
	}
}

// IsWriting reports whether a drain is currently in flight.
func (m *Memstore) IsWriting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writing
}

// nextUIDLock returns the per-mailbox lock guarding
// IncrementLastUID's read-modify-write step. It must never be held
// across a store operation.
func (m *Memstore) nextUIDLock(mbox string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.nextUIDLocks[mbox]
	if !ok {
		lock = new(sync.Mutex)
		m.nextUIDLocks[mbox] = lock
	}
	return lock
}

// SetLastUID primes last_uid[mbox] the first time it is observed.
// Subsequent calls are no-ops: first-writer-wins, guarded by
// last_uid_lock.
func (m *Memstore) SetLastUID(mbox string, uid uint32) {
	m.lastUIDMu.Lock()
	defer m.lastUIDMu.Unlock()
	if _, ok := m.lastUID[mbox]; ok {
		return
	}
	m.lastUID[mbox] = uid
}

// LastUID returns the mailbox's current UID high-water mark.
func (m *Memstore) LastUID(mbox string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUID[mbox]
}

// IncrementLastUID allocates the next UID for mbox. The lock is held
// only across the increment and the staging of the write-through; the
// new high-water mark is persisted by the next drain, so an
// expunged-to-empty mailbox never reuses a UID after a restart.
func (m *Memstore) IncrementLastUID(mbox string) uint32 {
	lock := m.nextUIDLock(mbox)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	m.lastUID[mbox]++
	uid := m.lastUID[mbox]
	m.dirtyUIDs[mbox] = true
	m.mu.Unlock()
	return uid
}

// uidDoc persists a mailbox's UID high-water mark.
type uidDoc struct {
	Type string `json:"type"`
	Mbox string `json:"mbox"`
	UID  uint32 `json:"uid"`
}

// CreateMessage adds a message to the store, marks it new, and
// updates the reverse indexes. If notifyOnDisk is true the returned
// future fires when the drain loop next persists it; otherwise it
// fires immediately.
func (m *Memstore) CreateMessage(key Key, c *msgdoc.Container, notifyOnDisk bool) *docdb.Future {
	c.New = true

	m.mu.Lock()
	m.containers[key] = c
	m.newSet[key] = true
	m.indexLocked(key, c)
	m.mu.Unlock()

	if !notifyOnDisk {
		fut, resolve := docdb.NewDeferred()
		resolve(nil)
		return fut
	}

	fut, resolve := docdb.NewDeferred()
	m.mu.Lock()
	m.newResolvers[key] = resolve
	m.mu.Unlock()
	m.Wake()
	return fut
}

// LoadCached inserts a container read from the permanent store into
// the cache without marking it new or dirty: used to prime a
// mailbox's known messages at construction, where the store already
// holds the authoritative copy. If key is already cached — e.g. a
// fuller container already sitting in memory from this process's own
// writes — LoadCached is a no-op: priming seeds what is missing, it
// never regresses an already-richer in-memory copy to a flags-only
// stub.
func (m *Memstore) LoadCached(key Key, c *msgdoc.Container) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[key]; ok {
		return
	}
	m.containers[key] = c
	m.indexLocked(key, c)
}

// PutMessage is CreateMessage's dirty-marking counterpart: used when
// overwriting an existing message (flag changes, renames).
func (m *Memstore) PutMessage(key Key, c *msgdoc.Container) *docdb.Future {
	c.Dirty = true

	m.mu.Lock()
	m.containers[key] = c
	m.dirtySet[key] = true
	m.indexLocked(key, c)
	fut, resolve := docdb.NewDeferred()
	m.dirtyResolvers[key] = resolve
	m.mu.Unlock()

	m.Wake()
	return fut
}

func (m *Memstore) indexLocked(key Key, c *msgdoc.Container) {
	if c.Flags != nil && c.Flags.Chash != "" {
		set := m.chashToKeys[c.Flags.Chash]
		if set == nil {
			set = make(map[Key]bool)
			m.chashToKeys[c.Flags.Chash] = set
		}
		set[key] = true
	}
	for _, part := range c.Parts {
		set := m.phashToKeys[part.Phash]
		if set == nil {
			set = make(map[Key]bool)
			m.phashToKeys[part.Phash] = set
		}
		set[key] = true
	}
}

// GetMessage returns the container for key, or nil if the message is
// not in this mailbox. When flagsOnly is true the caller only needs
// Flags and gets a flags-only view. Otherwise a container that was
// primed flags-only is hydrated: its headers and content documents
// are read into the cache from the permanent store by chash/phash.
func (m *Memstore) GetMessage(key Key, flagsOnly bool) *msgdoc.Container {
	m.mu.Lock()
	c := m.containers[key]
	if c == nil {
		m.mu.Unlock()
		return nil
	}
	if flagsOnly {
		view := &msgdoc.Container{Flags: c.Flags, New: c.New, Dirty: c.Dirty}
		m.mu.Unlock()
		return view
	}
	needsHydrate := c.Head == nil
	m.mu.Unlock()

	if needsHydrate {
		m.hydrate(key, c)
	}
	return c
}

// GetFdocFromChash returns the fdoc for a duplicate-detection check
// in mbox, or nil if absent or \Deleted.
func (m *Memstore) GetFdocFromChash(chash, mbox string) *msgdoc.FlagsDoc {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.chashToKeys[chash] {
		if key.Mbox != mbox {
			continue
		}
		c := m.containers[key]
		if c == nil || c.Flags == nil {
			continue
		}
		if c.Flags.Deleted {
			continue
		}
		return c.Flags
	}
	return nil
}

// RemoveMessage drops a message from the cache and its tracking sets.
func (m *Memstore) RemoveMessage(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.containers[key]
	if c == nil {
		return
	}
	if c.Flags != nil {
		delete(m.chashToKeys[c.Flags.Chash], key)
	}
	for _, part := range c.Parts {
		delete(m.phashToKeys[part.Phash], key)
	}
	delete(m.containers, key)
	delete(m.newSet, key)
	delete(m.dirtySet, key)
}

// AllUIDs returns every UID currently cached for mbox, in ascending
// order. A mailbox's full message set lives in the cache once primed
// at construction, so this also serves as "all messages in mbox"
// for the collection's enumeration operations.
func (m *Memstore) AllUIDs(mbox string) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var uids []uint32
	for key := range m.containers {
		if key.Mbox == mbox {
			uids = append(uids, key.UID)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// AllNewDirtyKeys returns every new-or-dirty key in sorted order, the
// drain loop's iteration order.
func (m *Memstore) AllNewDirtyKeys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[Key]bool)
	var keys []Key
	for k := range m.newSet {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range m.dirtySet {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Mbox != keys[j].Mbox {
			return keys[i].Mbox < keys[j].Mbox
		}
		return keys[i].UID < keys[j].UID
	})
	return keys
}

// AllRdocMboxes returns every mailbox with a pending recent-flags
// snapshot, in sorted order.
func (m *Memstore) AllRdocMboxes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for mbox := range m.rdocs {
		names = append(names, mbox)
	}
	sort.Strings(names)
	return names
}

// PutRdoc stages a mailbox's recent-flags snapshot for the next
// drain.
func (m *Memstore) PutRdoc(doc *msgdoc.RctDoc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rdocs[doc.Mbox] = doc
}

// AddRecent records uid in mbox's recent-flags snapshot, staging the
// rdoc for the next drain.
func (m *Memstore) AddRecent(mbox string, uid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.rdocs[mbox]
	if doc == nil {
		doc = &msgdoc.RctDoc{Type: "rct", Mbox: mbox}
		m.rdocs[mbox] = doc
	}
	for _, existing := range doc.Recent {
		if existing == uid {
			return
		}
	}
	doc.Recent = append(doc.Recent, uid)
}

// ClearRecent empties mbox's recent-flags snapshot, as happens when a
// SELECT clears \Recent, and stages the emptied rdoc for the next
// drain so the permanent store's copy does not resurrect the flags.
func (m *Memstore) ClearRecent(mbox string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rdocs[mbox] = &msgdoc.RctDoc{Type: "rct", Mbox: mbox}
}

// RecentUIDs returns the UIDs in mbox's staged recent-flags snapshot.
func (m *Memstore) RecentUIDs(mbox string) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.rdocs[mbox]
	if doc == nil {
		return nil
	}
	return append([]uint32(nil), doc.Recent...)
}

// Wake schedules an immediate drain instead of waiting out the
// timer, without blocking if one is already scheduled.
func (m *Memstore) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Stop halts the write-back loop and waits for it to exit.
func (m *Memstore) Stop() {
	m.cancel()
	<-m.done
}
