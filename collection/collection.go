// Package collection implements the Message Collection: the
// per-mailbox operations Mailbox delegates to for storing, fetching,
// and flagging messages, sitting between Mailbox and the memstore.
package collection

import (
	"bytes"
	"context"
	"fmt"

	"crawshaw.io/iox"

	"mailvault.dev/docdb"
	"mailvault.dev/mail"
	"mailvault.dev/mail/parse"
	"mailvault.dev/mail/walker"
	"mailvault.dev/memstore"
	"mailvault.dev/msgdoc"
)

// Collection is bound to a single mailbox name.
type Collection struct {
	Mbox     string
	Memstore *memstore.Memstore
	Store    *docdb.Store
	Filer    *iox.Filer
}

func New(mbox string, ms *memstore.Memstore, store *docdb.Store, filer *iox.Filer) *Collection {
	return &Collection{Mbox: mbox, Memstore: ms, Store: store, Filer: filer}
}

// AddMsg parses raw, walks its MIME structure, and either returns the
// UID of an existing non-deleted message with the same chash, or
// allocates a fresh UID and stores a new container. The returned
// future resolves once the memstore has queued the message;
// notify_on_disk is always false here, so the future normally
// resolves immediately.
func (c *Collection) AddMsg(ctx context.Context, raw []byte, flags []string) (uid uint32, fut *docdb.Future, err error) {
	msg, err := parse.Parse(c.Filer, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("collection.AddMsg: parse: %v", err)
	}
	defer msg.Close()

	root, bodyPhash, err := walker.Walk(msg)
	if err != nil {
		return 0, nil, fmt.Errorf("collection.AddMsg: walk: %v", err)
	}

	partMap, cnts := msgdoc.FromWalk(root)
	headers := msg.Headers.AsMap()

	leaves := walker.AllLeaves(root)
	leafPhashes := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		leafPhashes = append(leafPhashes, leaf.Phash)
	}
	chash := msgdoc.Chash(headers, leafPhashes)

	if existing := c.Memstore.GetFdocFromChash(chash, c.Mbox); existing != nil {
		fut, resolve := docdb.NewDeferred()
		resolve(nil)
		return existing.UID, fut, nil
	}

	uid = c.Memstore.IncrementLastUID(c.Mbox)

	fdoc := &msgdoc.FlagsDoc{
		Type:  "flags",
		Mbox:  c.Mbox,
		UID:   uid,
		Chash: chash,
		Flags: flags,
	}
	fdoc.RecomputeDerived()

	hdoc := &msgdoc.HeadDoc{
		Type:    "head",
		Chash:   chash,
		Headers: headers,
		PartMap: partMap,
		Body:    bodyPhash,
	}

	container := &msgdoc.Container{
		Flags: fdoc,
		Head:  hdoc,
		Parts: cnts,
	}

	// Stage the raw part payloads into the blob table directly,
	// outside the memstore's drained JSON documents: cdoc rows carry
	// metadata only, the bytes live content-addressed by phash.
	for _, part := range msg.Parts {
		payload, rerr := readAllSeek(part.Content)
		if rerr != nil {
			return 0, nil, rerr
		}
		if _, perr := c.Store.PutContent(ctx, payload); perr != nil {
			return 0, nil, perr
		}
	}

	fut = c.Memstore.CreateMessage(memstore.Key{Mbox: c.Mbox, UID: uid}, container, false)
	if fdoc.Recent {
		c.Memstore.AddRecent(c.Mbox, uid)
	}
	return uid, fut, nil
}

// GetMsgByUID returns the cached container for uid, or nil if no
// such message exists in this mailbox.
func (c *Collection) GetMsgByUID(uid uint32) *msgdoc.Container {
	return c.Memstore.GetMessage(memstore.Key{Mbox: c.Mbox, UID: uid}, false)
}

func readAllSeek(buf mail.Buffer) ([]byte, error) {
	if _, err := buf.Seek(0, 0); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(buf); err != nil {
		return nil, err
	}
	if _, err := buf.Seek(0, 0); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
