package collection_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"crawshaw.io/iox"

	"mailvault.dev/collection"
	"mailvault.dev/docdb"
	"mailvault.dev/memstore"
	"mailvault.dev/msgdoc"
)

const testMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: hello\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"hello world\r\n"

func newTestCollection(t *testing.T) *collection.Collection {
	t.Helper()
	dir, err := ioutil.TempDir("", "collection-test-")
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
	return collection.New("INBOX", ms, store, filer)
}

func TestAddMsgAssignsUID(t *testing.T) {
	c := newTestCollection(t)
	uid, fut, err := c.AddMsg(context.Background(), []byte(testMessage), []string{`\Recent`})
	if err != nil {
		t.Fatal(err)
	}
	if err := fut.Wait(); err != nil {
		t.Fatal(err)
	}
	if uid != 1 {
		t.Fatalf("uid = %d, want 1", uid)
	}
	if c.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", c.Count())
	}
}

func TestAddMsgDeduplicates(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	uid1, fut1, err := c.AddMsg(ctx, []byte(testMessage), []string{`\Recent`})
	if err != nil {
		t.Fatal(err)
	}
	fut1.Wait()

	uid2, fut2, err := c.AddMsg(ctx, []byte(testMessage), []string{`\Recent`})
	if err != nil {
		t.Fatal(err)
	}
	fut2.Wait()

	if uid1 != uid2 {
		t.Fatalf("duplicate add got uid %d, want %d", uid2, uid1)
	}
	if c.Count() != 1 {
		t.Fatalf("Count() after duplicate add = %d, want 1", c.Count())
	}
}

func TestGetUIDFromMsgID(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()
	uid, fut, err := c.AddMsg(ctx, []byte(testMessage), nil)
	if err != nil {
		t.Fatal(err)
	}
	fut.Wait()

	if got := c.GetUIDFromMsgID("<abc123@example.com>"); got != uid {
		t.Fatalf("GetUIDFromMsgID = %d, want %d", got, uid)
	}
	if got := c.GetUIDFromMsgID("<missing@example.com>"); got != 0 {
		t.Fatalf("GetUIDFromMsgID(missing) = %d, want 0", got)
	}
}

func TestGetUIDFromMsgIDStoreFallback(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	// A message persisted by a previous process, never primed here.
	fdoc := &msgdoc.FlagsDoc{Type: "flags", Mbox: "INBOX", UID: 7, Chash: "C7"}
	if err := c.Store.PutDoc(ctx, "fdoc:INBOX:7", docdb.TypeFlags, fdoc); err != nil {
		t.Fatal(err)
	}
	hdoc := &msgdoc.HeadDoc{
		Type:    "head",
		Chash:   "C7",
		Headers: map[string]string{"message-id": "<disk@example.com>"},
	}
	if err := c.Store.PutDoc(ctx, "hdoc:C7", docdb.TypeHead, hdoc); err != nil {
		t.Fatal(err)
	}

	if got := c.GetUIDFromMsgID("<disk@example.com>"); got != 7 {
		t.Fatalf("GetUIDFromMsgID(unprimed) = %d, want 7", got)
	}
}

func TestStoreNeverReaddsRecent(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()

	uid, fut, err := c.AddMsg(ctx, []byte(testMessage), nil)
	if err != nil {
		t.Fatal(err)
	}
	fut.Wait()

	c.SetFlags([]uint32{uid}, []string{`\Recent`, `\Seen`}, collection.FlagAdd, nil)
	if n := c.CountRecent(); n != 0 {
		t.Fatalf("CountRecent after adding \\Recent via store = %d, want 0", n)
	}
	if n := c.CountUnseen(); n != 0 {
		t.Fatalf("\\Seen was not applied alongside the stripped \\Recent")
	}

	// A replace keeps a message's existing \Recent.
	uid2, fut2, err := c.AddMsg(ctx, []byte(testMessage+"second body\r\n"), []string{`\Recent`})
	if err != nil {
		t.Fatal(err)
	}
	fut2.Wait()

	c.SetFlags([]uint32{uid2}, []string{`\Flagged`}, collection.FlagReplace, nil)
	flags := c.AllFlags()[uid2]
	if !hasTestFlag(flags, `\Recent`) {
		t.Fatalf("replace dropped \\Recent: %v", flags)
	}
	if !hasTestFlag(flags, `\Flagged`) {
		t.Fatalf("replace did not apply \\Flagged: %v", flags)
	}
}

func hasTestFlag(flags []string, target string) bool {
	for _, f := range flags {
		if f == target {
			return true
		}
	}
	return false
}

func TestSetFlagsModes(t *testing.T) {
	c := newTestCollection(t)
	ctx := context.Background()
	uid, fut, err := c.AddMsg(ctx, []byte(testMessage), nil)
	if err != nil {
		t.Fatal(err)
	}
	fut.Wait()

	c.SetFlags([]uint32{uid}, []string{`\Seen`}, collection.FlagAdd, nil)
	if n := c.CountUnseen(); n != 0 {
		t.Fatalf("CountUnseen after adding \\Seen = %d, want 0", n)
	}

	c.SetFlags([]uint32{uid}, []string{`\Seen`}, collection.FlagRemove, nil)
	if n := c.CountUnseen(); n != 1 {
		t.Fatalf("CountUnseen after removing \\Seen = %d, want 1", n)
	}
}
