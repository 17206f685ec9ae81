package mailbox_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"crawshaw.io/iox"

	"mailvault.dev/docdb"
	"mailvault.dev/mailbox"
	"mailvault.dev/memstore"
	"mailvault.dev/msgdoc"
	"mailvault.dev/notify"
)

const testMessage = "From: alice@example.com\r\n" +
	"Subject: hi\r\n" +
	"\r\n" +
	"hello\r\n"

func newTestMailbox(t *testing.T, name string, rw bool) (*mailbox.Mailbox, *docdb.Store, *memstore.Memstore) {
	t.Helper()
	dir, err := ioutil.TempDir("", "mailbox-test-")
	if err != nil {
		t.Fatal(err)
	}
	store, err := docdb.Open(filepath.Join(dir, "test.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	filer := iox.NewFiler(0)
	t.Cleanup(func() { filer.Shutdown(context.Background()) })

	ms := memstore.New(store, nil)
	mb, err := mailbox.New(context.Background(), name, time.Now().Unix(), rw, mailbox.AttrNone, ms, store, filer, notify.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	return mb, store, ms
}

func TestAddAndRequestStatus(t *testing.T) {
	mb, _, _ := newTestMailbox(t, "Work", true)

	uid, err := mb.AddMessage(context.Background(), []byte(testMessage), []string{`\Recent`}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if uid != 1 {
		t.Fatalf("uid = %d, want 1", uid)
	}

	status := mb.RequestStatus([]string{mailbox.StatusMessages, mailbox.StatusRecent, mailbox.StatusUIDNext})
	if status[mailbox.StatusMessages] != 1 {
		t.Errorf("MESSAGES = %d, want 1", status[mailbox.StatusMessages])
	}
	if status[mailbox.StatusRecent] != 1 {
		t.Errorf("RECENT = %d, want 1", status[mailbox.StatusRecent])
	}
	if status[mailbox.StatusUIDNext] != 2 {
		t.Errorf("UIDNEXT = %d, want 2", status[mailbox.StatusUIDNext])
	}
}

func TestUIDNextOnEmptyMailbox(t *testing.T) {
	mb, _, _ := newTestMailbox(t, "Empty", true)
	if got := mb.GetUIDNext(); got != 1 {
		t.Fatalf("GetUIDNext on empty mailbox = %d, want 1", got)
	}
}

func TestStoreRefusesOnReadOnly(t *testing.T) {
	mb, _, _ := newTestMailbox(t, "RO", false)
	_, err := mb.Store([]uint32{1}, []string{`\Seen`}, 0)
	if err != mailbox.ErrReadOnly {
		t.Fatalf("Store on read-only mailbox err = %v, want ErrReadOnly", err)
	}
}

func TestSearchMissingMessageID(t *testing.T) {
	mb, _, _ := newTestMailbox(t, "Work", true)
	got := mb.Search([]string{"HEADER", "Message-ID", "<missing@example.com>"})
	if len(got) != 0 {
		t.Fatalf("Search(missing) = %v, want empty", got)
	}
}

func TestHydrationAfterRestart(t *testing.T) {
	dir, err := ioutil.TempDir("", "mailbox-hydrate-test-")
	if err != nil {
		t.Fatal(err)
	}
	store, err := docdb.Open(filepath.Join(dir, "test.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	filer := iox.NewFiler(0)
	t.Cleanup(func() { filer.Shutdown(context.Background()) })
	ctx := context.Background()

	// Persisted documents as a previous process drained them: the
	// mailbox is primed flags-only, so headers and content must be
	// read back in by chash/phash on demand.
	fdoc := &msgdoc.FlagsDoc{Type: "flags", Mbox: "Work", UID: 1, Chash: "C1"}
	if err := store.PutDoc(ctx, "fdoc:Work:1", docdb.TypeFlags, fdoc); err != nil {
		t.Fatal(err)
	}
	hdoc := &msgdoc.HeadDoc{
		Type:  "head",
		Chash: "C1",
		Headers: map[string]string{
			"subject":    "archived",
			"message-id": "<old@example.com>",
		},
		PartMap: &msgdoc.PartNode{
			Multi: false,
			PartMap: map[string]*msgdoc.PartNode{
				"1": {ContentType: "text/plain", Phash: "P1"},
			},
		},
		Body: "P1",
	}
	if err := store.PutDoc(ctx, "hdoc:C1", docdb.TypeHead, hdoc); err != nil {
		t.Fatal(err)
	}
	cdoc := &msgdoc.CntDoc{Type: "cnt", Phash: "P1", ContentType: "text/plain", Size: 8}
	if err := store.PutDoc(ctx, "cdoc:P1", docdb.TypeCnt, cdoc); err != nil {
		t.Fatal(err)
	}

	ms := memstore.New(store, nil)
	mb, err := mailbox.New(ctx, "Work", 1, true, mailbox.AttrNone, ms, store, filer, notify.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}

	headers := mb.FetchHeaders(0, 0)
	if headers[1]["subject"] != "archived" {
		t.Fatalf("FetchHeaders[1] = %v, want the persisted header set", headers[1])
	}

	results := mb.Fetch(1, 1)
	if len(results) != 1 {
		t.Fatalf("Fetch = %d results, want 1", len(results))
	}
	msg := results[0].Message
	if msg.Head == nil || msg.Head.Body != "P1" {
		t.Fatalf("fetched container Head = %+v, want hydrated hdoc", msg.Head)
	}
	if msg.Parts[1] == nil || msg.Parts[1].Phash != "P1" {
		t.Fatalf("fetched container Parts = %+v, want hydrated cdoc", msg.Parts)
	}

	uids := mb.Search([]string{"HEADER", "Message-ID", "<old@example.com>"})
	if len(uids) != 1 || uids[0] != 1 {
		t.Fatalf("Search = %v, want [1]", uids)
	}
}

func TestCopyBetweenMailboxes(t *testing.T) {
	dir, err := ioutil.TempDir("", "mailbox-copy-test-")
	if err != nil {
		t.Fatal(err)
	}
	store, err := docdb.Open(filepath.Join(dir, "test.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	filer := iox.NewFiler(0)
	t.Cleanup(func() { filer.Shutdown(context.Background()) })

	ms := memstore.New(store, nil)
	registry := notify.NewRegistry()
	ctx := context.Background()

	inbox, err := mailbox.New(ctx, "INBOX", 1, true, mailbox.AttrNone, ms, store, filer, registry)
	if err != nil {
		t.Fatal(err)
	}
	archive, err := mailbox.New(ctx, "Archive", 2, true, mailbox.AttrNone, ms, store, filer, registry)
	if err != nil {
		t.Fatal(err)
	}

	uid, err := inbox.AddMessage(ctx, []byte(testMessage), nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	copied, err := inbox.Copy(ctx, uid, archive)
	if err != nil {
		t.Fatal(err)
	}
	if copied != 1 {
		t.Fatalf("copied uid = %d, want 1", copied)
	}
	if got := archive.RequestStatus([]string{mailbox.StatusMessages})[mailbox.StatusMessages]; got != 1 {
		t.Fatalf("Archive MESSAGES = %d, want 1", got)
	}

	// Copying the same message again is a dedup no-op that still
	// reports success and does not advance Archive's UID counter.
	copied2, err := inbox.Copy(ctx, uid, archive)
	if err != nil {
		t.Fatal(err)
	}
	if copied2 != copied {
		t.Fatalf("second copy uid = %d, want %d", copied2, copied)
	}
	if got := archive.RequestStatus([]string{mailbox.StatusMessages})[mailbox.StatusMessages]; got != 1 {
		t.Fatalf("Archive MESSAGES after duplicate copy = %d, want 1", got)
	}
	if next := archive.GetUIDNext(); next != 2 {
		t.Fatalf("Archive UIDNEXT after duplicate copy = %d, want 2", next)
	}
}

func TestFetchEnvelope(t *testing.T) {
	mb, _, _ := newTestMailbox(t, "Work", true)
	ctx := context.Background()

	raw := "From: Alice Q <alice@example.com>\r\n" +
		"To: bob@example.com, Carol <carol@example.com>\r\n" +
		"Subject: envelope check\r\n" +
		"Message-ID: <env1@example.com>\r\n" +
		"\r\n" +
		"body\r\n"
	uid, err := mb.AddMessage(ctx, []byte(raw), nil, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	envs := mb.FetchEnvelope(0, 0)
	env := envs[uid]
	if env == nil {
		t.Fatalf("FetchEnvelope missing uid %d", uid)
	}
	if env.Subject != "envelope check" {
		t.Errorf("Subject = %q", env.Subject)
	}
	if env.MessageID != "<env1@example.com>" {
		t.Errorf("MessageID = %q", env.MessageID)
	}
	if len(env.From) != 1 || env.From[0].Addr != "alice@example.com" || env.From[0].Name != "Alice Q" {
		t.Errorf("From = %+v", env.From)
	}
	if len(env.To) != 2 || env.To[1].Name != "Carol" {
		t.Errorf("To = %+v", env.To)
	}
	// Sender and Reply-To default to From when the headers are absent.
	if len(env.Sender) != 1 || env.Sender[0].Addr != "alice@example.com" {
		t.Errorf("Sender = %+v", env.Sender)
	}
	if len(env.ReplyTo) != 1 || env.ReplyTo[0].Addr != "alice@example.com" {
		t.Errorf("ReplyTo = %+v", env.ReplyTo)
	}
}

func TestUnsetRecentFlags(t *testing.T) {
	mb, _, ms := newTestMailbox(t, "Work", true)
	ctx := context.Background()

	if _, err := mb.AddMessage(ctx, []byte(testMessage), []string{`\Recent`}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if got := ms.RecentUIDs("Work"); len(got) != 1 {
		t.Fatalf("RecentUIDs after add = %v, want one uid", got)
	}

	mb.UnsetRecentFlags()

	if got := mb.RequestStatus([]string{mailbox.StatusRecent})[mailbox.StatusRecent]; got != 0 {
		t.Fatalf("RECENT after UnsetRecentFlags = %d, want 0", got)
	}
	if got := ms.RecentUIDs("Work"); len(got) != 0 {
		t.Fatalf("RecentUIDs after clear = %v, want empty", got)
	}
}

func TestExpungeReturnsDeletedUIDs(t *testing.T) {
	mb, _, _ := newTestMailbox(t, "Work", true)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		raw := testMessage + "body variant " + string(rune('a'+i)) + "\r\n"
		if _, err := mb.AddMessage(ctx, []byte(raw), nil, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := mb.Store([]uint32{1, 3}, []string{`\Deleted`}, 1); err != nil {
		t.Fatal(err)
	}

	deleted, err := mb.Expunge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 2 || deleted[0] != 1 || deleted[1] != 3 {
		t.Fatalf("Expunge = %v, want [1 3]", deleted)
	}

	results := mb.Fetch(1, 0)
	if len(results) != 1 || results[0].UID != 2 {
		t.Fatalf("Fetch after expunge = %+v, want only UID 2", results)
	}
	if results[0].SeqNo != 1 {
		t.Fatalf("surviving message SeqNo = %d, want 1", results[0].SeqNo)
	}
}
