package collection

import (
	"context"
	"encoding/json"
	"strings"

	"mailvault.dev/docdb"
	"mailvault.dev/memstore"
	"mailvault.dev/msgdoc"
)

// AllUIDs returns every UID in the mailbox, ascending.
func (c *Collection) AllUIDs() []uint32 {
	return c.Memstore.AllUIDs(c.Mbox)
}

// AllFlags returns every message's flags, keyed by UID.
func (c *Collection) AllFlags() map[uint32][]string {
	out := make(map[uint32][]string)
	for _, uid := range c.AllUIDs() {
		container := c.Memstore.GetMessage(memstore.Key{Mbox: c.Mbox, UID: uid}, true)
		if container == nil || container.Flags == nil {
			continue
		}
		out[uid] = container.Flags.Flags
	}
	return out
}

// AllFlagsChash returns every message's flags and chash, keyed by
// UID: the pair set_flags and copy's dedup check need together.
func (c *Collection) AllFlagsChash() map[uint32]msgdoc.FlagsDoc {
	out := make(map[uint32]msgdoc.FlagsDoc)
	for _, uid := range c.AllUIDs() {
		container := c.Memstore.GetMessage(memstore.Key{Mbox: c.Mbox, UID: uid}, true)
		if container == nil || container.Flags == nil {
			continue
		}
		out[uid] = *container.Flags
	}
	return out
}

// AllHeaders returns every message's header map, keyed by UID, for
// fetch_headers to build its response without a hdoc round-trip per
// message.
func (c *Collection) AllHeaders() map[uint32]map[string]string {
	out := make(map[uint32]map[string]string)
	for _, uid := range c.AllUIDs() {
		container := c.Memstore.GetMessage(memstore.Key{Mbox: c.Mbox, UID: uid}, false)
		if container == nil || container.Head == nil {
			continue
		}
		out[uid] = container.Head.Headers
	}
	return out
}

// Count is the mailbox's EXISTS count.
func (c *Collection) Count() int {
	return len(c.AllUIDs())
}

// CountUnseen is the mailbox's count of messages without \Seen.
func (c *Collection) CountUnseen() int {
	n := 0
	for _, flags := range c.AllFlags() {
		if !hasFlag(flags, `\Seen`) {
			n++
		}
	}
	return n
}

// CountRecent is the mailbox's RECENT count.
func (c *Collection) CountRecent() int {
	n := 0
	for _, flags := range c.AllFlags() {
		if hasFlag(flags, `\Recent`) {
			n++
		}
	}
	return n
}

// GetUIDFromMsgID returns the UID of the message whose Message-ID
// header equals id exactly (case-sensitive, whitespace-stripped), or
// 0 if none matches. This backs search's minimum required
// "HEADER Message-ID <id>" support. The cached header maps are
// scanned first; on a miss, the mailbox's fdoc rows in the permanent
// store are matched through their headers documents, covering
// messages this process has never primed.
func (c *Collection) GetUIDFromMsgID(id string) uint32 {
	id = strings.TrimSpace(id)
	for uid, headers := range c.AllHeaders() {
		if strings.TrimSpace(headers["message-id"]) == id {
			return uid
		}
	}

	ctx := context.Background()
	rows, err := c.Store.ByTypeAndMbox(ctx, docdb.TypeFlags, c.Mbox)
	if err != nil {
		return 0
	}
	for _, row := range rows {
		var fdoc msgdoc.FlagsDoc
		if err := json.Unmarshal([]byte(row.Content), &fdoc); err != nil {
			continue
		}
		if c.Memstore.GetMessage(memstore.Key{Mbox: c.Mbox, UID: fdoc.UID}, true) != nil {
			continue // the cache scan above already covered it
		}
		var hdoc msgdoc.HeadDoc
		if err := c.Store.GetDoc(ctx, "hdoc:"+fdoc.Chash, &hdoc); err != nil {
			continue
		}
		if strings.TrimSpace(hdoc.Headers["message-id"]) == id {
			return fdoc.UID
		}
	}
	return 0
}

func hasFlag(flags []string, target string) bool {
	for _, f := range flags {
		if f == target {
			return true
		}
	}
	return false
}
