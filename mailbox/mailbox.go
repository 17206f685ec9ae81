// Package mailbox implements the IMAP mailbox surface: the component
// Account hands out per mailbox, wrapping a Collection and the shared
// Memstore with UID bookkeeping, status reporting, and notification.
package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"crawshaw.io/iox"

	"mailvault.dev/collection"
	"mailvault.dev/docdb"
	"mailvault.dev/memstore"
	"mailvault.dev/msgdoc"
	"mailvault.dev/notify"
)

// ListAttrFlag is a bit set of IMAP LIST response attributes,
// covering the RFC 6154 special-use names.
type ListAttrFlag int

const (
	AttrNone        ListAttrFlag = 0
	AttrNoinferiors ListAttrFlag = 1 << iota
	AttrNoselect
	AttrMarked
	AttrUnmarked
	AttrArchive
	AttrDrafts
	AttrFlagged
	AttrJunk
	AttrSent
	AttrTrash
)

// ErrReadOnly is returned by store/expunge on a read-only mailbox.
var ErrReadOnly = fmt.Errorf("mailbox: read-only mailbox")

// Mailbox is one IMAP mailbox: the object a session selects and
// issues message commands against.
type Mailbox struct {
	Name string

	memstore   *memstore.Memstore
	collection *collection.Collection
	store      *docdb.Store
	filer      *iox.Filer
	registry   *notify.Registry

	created int64 // UIDVALIDITY
	rw      bool
	attrs   ListAttrFlag
}

// New constructs a Mailbox bound to name and primes the memstore:
// it seeds last_uid[mbox] from the maximum existing UID and loads
// the mailbox's fdocs into the cache so Collection's enumeration
// operations see the full message set immediately.
func New(ctx context.Context, name string, created int64, rw bool, attrs ListAttrFlag, ms *memstore.Memstore, store *docdb.Store, filer *iox.Filer, registry *notify.Registry) (*Mailbox, error) {
	mb := &Mailbox{
		Name:       name,
		memstore:   ms,
		collection: collection.New(name, ms, store, filer),
		store:      store,
		filer:      filer,
		registry:   registry,
		created:    created,
		rw:         rw,
		attrs:      attrs,
	}
	if err := mb.prime(ctx); err != nil {
		return nil, err
	}
	return mb, nil
}

func (mb *Mailbox) prime(ctx context.Context) error {
	rows, err := mb.store.ByTypeAndMbox(ctx, docdb.TypeFlags, mb.Name)
	if err != nil {
		return fmt.Errorf("mailbox.prime(%s): %v", mb.Name, err)
	}

	var maxUID uint32
	for _, row := range rows {
		var fdoc msgdoc.FlagsDoc
		if err := unmarshalRow(row, &fdoc); err != nil {
			return err
		}
		container := &msgdoc.Container{Flags: &fdoc}
		mb.memstore.LoadCached(memstore.Key{Mbox: mb.Name, UID: fdoc.UID}, container)
		if fdoc.UID > maxUID {
			maxUID = fdoc.UID
		}
	}
	// The persisted high-water mark can exceed the largest surviving
	// fdoc UID when the newest messages were expunged; honor it so
	// those UIDs are never handed out again.
	var ud struct {
		UID uint32 `json:"uid"`
	}
	if err := mb.store.GetDoc(ctx, "uid:"+mb.Name, &ud); err == nil && ud.UID > maxUID {
		maxUID = ud.UID
	}

	mb.memstore.SetLastUID(mb.Name, maxUID)
	return nil
}

// AddMessage delegates to Collection.AddMsg and notifies listeners.
func (mb *Mailbox) AddMessage(ctx context.Context, raw []byte, flags []string, date time.Time) (uint32, error) {
	defer mb.profile("APPEND")()
	_ = date
	uid, fut, err := mb.collection.AddMsg(ctx, raw, flags)
	if err != nil {
		return 0, err
	}
	if err := fut.Wait(); err != nil {
		return 0, err
	}
	mb.notifyNewMessages()
	return uid, nil
}

func (mb *Mailbox) notifyNewMessages() {
	if mb.registry == nil {
		return
	}
	mb.registry.Notify(mb.Name, mb.collection.Count(), mb.collection.CountRecent())
}

// FetchResult is one message in a fetch response.
type FetchResult struct {
	SeqNo   uint32
	UID     uint32
	Message *msgdoc.Container
}

// Fetch returns every message whose UID falls in uidRange (inclusive;
// a zero upper bound means "to last_uid"), in ascending UID order.
// The sequence numbers reflect the memstore's state at the moment
// Fetch began.
func (mb *Mailbox) Fetch(uidLo, uidHi uint32) []FetchResult {
	defer mb.profile("FETCH")()
	if uidHi == 0 {
		uidHi = mb.memstore.LastUID(mb.Name)
	}
	allUIDs := mb.collection.AllUIDs()
	var out []FetchResult
	for i, uid := range allUIDs {
		if uid < uidLo || uid > uidHi {
			continue
		}
		out = append(out, FetchResult{
			SeqNo:   uint32(i + 1),
			UID:     uid,
			Message: mb.collection.GetMsgByUID(uid),
		})
	}
	return out
}

// FetchFlags returns every message's flags in the given UID range,
// using the cached per-mailbox flag map instead of one round-trip
// per message.
func (mb *Mailbox) FetchFlags(uidLo, uidHi uint32) map[uint32][]string {
	if uidHi == 0 {
		uidHi = mb.memstore.LastUID(mb.Name)
	}
	out := make(map[uint32][]string)
	for uid, flags := range mb.collection.AllFlags() {
		if uid >= uidLo && uid <= uidHi {
			out[uid] = flags
		}
	}
	return out
}

// FetchHeaders returns every message's header map in the given UID
// range.
func (mb *Mailbox) FetchHeaders(uidLo, uidHi uint32) map[uint32]map[string]string {
	if uidHi == 0 {
		uidHi = mb.memstore.LastUID(mb.Name)
	}
	out := make(map[uint32]map[string]string)
	for uid, headers := range mb.collection.AllHeaders() {
		if uid >= uidLo && uid <= uidHi {
			out[uid] = headers
		}
	}
	return out
}

// Store applies a flag-mode change to uids and returns the resulting
// uid -> flags map. It refuses on a read-only mailbox.
func (mb *Mailbox) Store(uids []uint32, flags []string, mode collection.FlagMode) (map[uint32][]string, error) {
	defer mb.profile("STORE")()
	if !mb.rw {
		return nil, ErrReadOnly
	}
	var result map[uint32][]string
	mb.collection.SetFlags(uids, flags, mode, func(r map[uint32][]string) { result = r })
	return result, nil
}

// Copy copies uid's flags document into dst under a fresh UID there;
// the new container shares the source's content-addressed headers and
// content documents rather than copying them. If dst already holds a
// non-deleted fdoc with the same chash, the copy is a no-op that
// still reports success.
func (mb *Mailbox) Copy(ctx context.Context, uid uint32, dst *Mailbox) (uint32, error) {
	defer mb.profile("COPY")()
	src := mb.collection.GetMsgByUID(uid)
	if src == nil || src.Flags == nil {
		return 0, fmt.Errorf("mailbox.Copy: no such message %d in %s", uid, mb.Name)
	}

	if existing := dst.memstore.GetFdocFromChash(src.Flags.Chash, dst.Name); existing != nil {
		return existing.UID, nil
	}

	newUID := dst.memstore.IncrementLastUID(dst.Name)
	newFlags := &msgdoc.FlagsDoc{
		Type:  "flags",
		Mbox:  dst.Name,
		UID:   newUID,
		Chash: src.Flags.Chash,
		Flags: append([]string{}, src.Flags.Flags...),
	}
	newFlags.RecomputeDerived()

	newContainer := &msgdoc.Container{
		Flags: newFlags,
		Head:  src.Head,
		Parts: src.Parts,
	}
	fut := dst.memstore.CreateMessage(memstore.Key{Mbox: dst.Name, UID: newUID}, newContainer, false)
	if err := fut.Wait(); err != nil {
		return 0, err
	}
	dst.notifyNewMessages()
	return newUID, nil
}

// Expunge removes every \Deleted message and returns the deleted
// UIDs. Read-only mailboxes fail.
func (mb *Mailbox) Expunge(ctx context.Context) ([]uint32, error) {
	defer mb.profile("EXPUNGE")()
	if !mb.rw {
		return nil, ErrReadOnly
	}
	deleted, err := mb.memstore.Expunge(ctx, mb.Name)
	if err != nil {
		return nil, err
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	return deleted, nil
}

// Close expunges the mailbox and marks it closed, persisting the
// closed state on the mailbox document.
func (mb *Mailbox) Close(ctx context.Context) error {
	if _, err := mb.Expunge(ctx); err != nil {
		return err
	}
	mb.attrs |= AttrNoselect

	var doc msgdoc.MboxDoc
	err := mb.store.GetDoc(ctx, "mbox:"+mb.Name, &doc)
	if err == docdb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	doc.Closed = true
	return mb.store.PutDoc(ctx, "mbox:"+mb.Name, docdb.TypeMbox, &doc)
}

// UnsetRecentFlags clears \Recent across the mailbox, as a SELECT
// does once the session has reported the RECENT count.
func (mb *Mailbox) UnsetRecentFlags() {
	mb.collection.UnsetRecentFlags()
}

// GetUIDNext is last_uid + 1.
func (mb *Mailbox) GetUIDNext() uint32 {
	return mb.memstore.LastUID(mb.Name) + 1
}

// GetUIDValidity is the mailbox's creation timestamp.
func (mb *Mailbox) GetUIDValidity() int64 {
	return mb.created
}

// Status names accepted by RequestStatus.
const (
	StatusMessages    = "MESSAGES"
	StatusRecent      = "RECENT"
	StatusUIDNext     = "UIDNEXT"
	StatusUIDValidity = "UIDVALIDITY"
	StatusUnseen      = "UNSEEN"
)

// RequestStatus reports the requested status attributes.
func (mb *Mailbox) RequestStatus(names []string) map[string]int64 {
	out := make(map[string]int64, len(names))
	for _, name := range names {
		switch name {
		case StatusMessages:
			out[name] = int64(mb.collection.Count())
		case StatusRecent:
			out[name] = int64(mb.collection.CountRecent())
		case StatusUIDNext:
			out[name] = int64(mb.GetUIDNext())
		case StatusUIDValidity:
			out[name] = mb.GetUIDValidity()
		case StatusUnseen:
			out[name] = int64(mb.collection.CountUnseen())
		}
	}
	return out
}

// Search implements the minimum required query: HEADER Message-ID
// <id>. Any other query logs a warning and returns an empty result.
func (mb *Mailbox) Search(query []string) []uint32 {
	defer mb.profile("SEARCH")()
	if len(query) == 3 && strings.EqualFold(query[0], "HEADER") && strings.EqualFold(query[1], "Message-ID") {
		if uid := mb.collection.GetUIDFromMsgID(query[2]); uid != 0 {
			return []uint32{uid}
		}
		return nil
	}
	log.Printf("mailbox.Search(%s): unsupported query %v", mb.Name, query)
	return nil
}

// profile returns a completion func that logs the command's duration
// when LEAP_PROFILE_IMAPCMD is set.
func (mb *Mailbox) profile(cmd string) func() {
	if _, ok := os.LookupEnv("LEAP_PROFILE_IMAPCMD"); !ok {
		return func() {}
	}
	start := time.Now()
	return func() {
		log.Printf("mailbox %s: %s took %s", mb.Name, cmd, time.Since(start))
	}
}

func unmarshalRow(row docdb.Row, out interface{}) error {
	return json.Unmarshal([]byte(row.Content), out)
}
