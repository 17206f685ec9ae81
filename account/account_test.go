package account_test

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"crawshaw.io/iox"

	"mailvault.dev/account"
	"mailvault.dev/docdb"
	"mailvault.dev/memstore"
	"mailvault.dev/msgdoc"
	"mailvault.dev/notify"
)

func newTestAccount(t *testing.T) *account.Account {
	t.Helper()
	dir, err := ioutil.TempDir("", "account-test-")
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
	a, err := account.New(context.Background(), store, ms, filer, notify.NewRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewAccountAutoCreatesInbox(t *testing.T) {
	a := newTestAccount(t)

	ready := false
	a.CallWhenReady(func() { ready = true })
	if !ready {
		t.Fatal("CallWhenReady did not fire immediately once already ready")
	}

	names := a.Mailboxes()
	if len(names) != 1 || names[0] != "INBOX" {
		t.Fatalf("Mailboxes() = %v, want [INBOX]", names)
	}

	mb, err := a.GetMailbox(context.Background(), "inbox")
	if err != nil {
		t.Fatal(err)
	}
	if mb.GetUIDValidity() <= 0 {
		t.Fatalf("GetUIDValidity() = %d, want > 0", mb.GetUIDValidity())
	}
}

func TestAddMailboxRejectsEmptyName(t *testing.T) {
	a := newTestAccount(t)
	if _, err := a.AddMailbox(context.Background(), "", 0); err == nil {
		t.Fatal("AddMailbox(\"\") succeeded, want error")
	}
}

func TestAddMailboxCollision(t *testing.T) {
	a := newTestAccount(t)
	ctx := context.Background()
	if _, err := a.AddMailbox(ctx, "Work", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AddMailbox(ctx, "Work", 0); err != account.ErrMailboxCollision {
		t.Fatalf("AddMailbox(duplicate) = %v, want ErrMailboxCollision", err)
	}
}

func TestCreateHierarchy(t *testing.T) {
	a := newTestAccount(t)
	ctx := context.Background()

	ok, err := a.Create(ctx, "A/B/C")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Create(A/B/C) = false, want true")
	}

	for _, name := range []string{"A", "A/B", "A/B/C"} {
		if _, err := a.GetMailbox(ctx, name); err != nil {
			t.Fatalf("GetMailbox(%s): %v", name, err)
		}
	}

	ok, err = a.Create(ctx, "A/B/C")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Create(A/B/C) again = true, want false (leaf collision, no trailing delimiter)")
	}

	ok, err = a.Create(ctx, "A/B/C/")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Create(A/B/C/) = false, want true (trailing delimiter always succeeds)")
	}
}

func TestRenameCascade(t *testing.T) {
	a := newTestAccount(t)
	ctx := context.Background()

	if _, err := a.Create(ctx, "A/B/C"); err != nil {
		t.Fatal(err)
	}

	mbA, err := a.GetMailbox(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mbA.AddMessage(ctx, []byte("Subject: hi\r\n\r\nhello\r\n"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := a.Rename(ctx, "A", "Z"); err != nil {
		t.Fatal(err)
	}

	names := a.Mailboxes()
	want := map[string]bool{"INBOX": true, "Z": true, "Z/B": true, "Z/B/C": true}
	if len(names) != len(want) {
		t.Fatalf("Mailboxes() = %v, want keys of %v", names, want)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected mailbox %q after rename", n)
		}
	}

	if _, err := a.GetMailbox(ctx, "A"); err != account.ErrNoSuchMailbox {
		t.Fatalf("GetMailbox(A) after rename = %v, want ErrNoSuchMailbox", err)
	}

	mbZ, err := a.GetMailbox(ctx, "Z")
	if err != nil {
		t.Fatal(err)
	}
	flagsChash := mbZ.FetchFlags(0, 0)
	if len(flagsChash) != 1 {
		t.Fatalf("Z has %d messages, want 1", len(flagsChash))
	}
}

func TestRenameRewritesUnprimedMessages(t *testing.T) {
	dir, err := ioutil.TempDir("", "account-rename-test-")
	if err != nil {
		t.Fatal(err)
	}
	store, err := docdb.Open(filepath.Join(dir, "test.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	// Seed the store as a previous process left it: a mailbox with a
	// message on disk that this process never selects, so the
	// memstore never primes its containers.
	mboxDoc := &msgdoc.MboxDoc{Type: "mbox", Mbox: "Old", Created: 123, RW: 1}
	if err := store.PutDoc(ctx, "mbox:Old", docdb.TypeMbox, mboxDoc); err != nil {
		t.Fatal(err)
	}
	fdoc := &msgdoc.FlagsDoc{Type: "flags", Mbox: "Old", UID: 1, Chash: "ABC"}
	if err := store.PutDoc(ctx, "fdoc:Old:1", docdb.TypeFlags, fdoc); err != nil {
		t.Fatal(err)
	}

	filer := iox.NewFiler(0)
	t.Cleanup(func() { filer.Shutdown(context.Background()) })
	ms := memstore.New(store, nil)
	a, err := account.New(ctx, store, ms, filer, notify.NewRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Rename(ctx, "Old", "New"); err != nil {
		t.Fatal(err)
	}

	rows, err := store.ByTypeAndMbox(ctx, docdb.TypeFlags, "Old")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("%d fdocs still carry mbox=Old after rename", len(rows))
	}

	rows, err = store.ByTypeAndMbox(ctx, docdb.TypeFlags, "New")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d fdocs under New, want 1", len(rows))
	}
	var moved msgdoc.FlagsDoc
	if err := json.Unmarshal([]byte(rows[0].Content), &moved); err != nil {
		t.Fatal(err)
	}
	if moved.Mbox != "New" || moved.UID != 1 || moved.Chash != "ABC" {
		t.Fatalf("rewritten fdoc = %+v", moved)
	}
}

func TestDeleteRemovesUnprimedMessages(t *testing.T) {
	dir, err := ioutil.TempDir("", "account-delete-test-")
	if err != nil {
		t.Fatal(err)
	}
	store, err := docdb.Open(filepath.Join(dir, "test.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	mboxDoc := &msgdoc.MboxDoc{Type: "mbox", Mbox: "Stale", Created: 123, RW: 1}
	if err := store.PutDoc(ctx, "mbox:Stale", docdb.TypeMbox, mboxDoc); err != nil {
		t.Fatal(err)
	}
	fdoc := &msgdoc.FlagsDoc{Type: "flags", Mbox: "Stale", UID: 4, Chash: "DEF"}
	if err := store.PutDoc(ctx, "fdoc:Stale:4", docdb.TypeFlags, fdoc); err != nil {
		t.Fatal(err)
	}

	filer := iox.NewFiler(0)
	t.Cleanup(func() { filer.Shutdown(context.Background()) })
	ms := memstore.New(store, nil)
	a, err := account.New(ctx, store, ms, filer, notify.NewRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Delete(ctx, "Stale", false); err != nil {
		t.Fatal(err)
	}

	rows, err := store.ByTypeAndMbox(ctx, docdb.TypeFlags, "Stale")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("%d fdocs survive the mailbox delete", len(rows))
	}
}

func TestDeleteMailbox(t *testing.T) {
	a := newTestAccount(t)
	ctx := context.Background()

	if err := a.Delete(ctx, "Missing", false); err != account.ErrNoSuchMailbox {
		t.Fatalf("Delete(missing) = %v, want ErrNoSuchMailbox", err)
	}

	if _, err := a.AddMailbox(ctx, "Trash", 0); err != nil {
		t.Fatal(err)
	}
	mb, err := a.GetMailbox(ctx, "Trash")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mb.AddMessage(ctx, []byte("Subject: bye\r\n\r\ngone\r\n"), nil, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := a.Delete(ctx, "Trash", false); err != nil {
		t.Fatal(err)
	}
	if _, err := a.GetMailbox(ctx, "Trash"); err != account.ErrNoSuchMailbox {
		t.Fatalf("GetMailbox after delete = %v, want ErrNoSuchMailbox", err)
	}
	for _, name := range a.Mailboxes() {
		if name == "Trash" {
			t.Fatal("Trash still listed after delete")
		}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	a := newTestAccount(t)
	ctx := context.Background()

	if err := a.Subscribe(ctx, "Work"); err != nil {
		t.Fatal(err)
	}
	if !a.IsSubscribed("Work") {
		t.Fatal("IsSubscribed(Work) = false after Subscribe")
	}
	if err := a.Unsubscribe(ctx, "Work"); err != nil {
		t.Fatal(err)
	}
	if a.IsSubscribed("Work") {
		t.Fatal("IsSubscribed(Work) = true after Unsubscribe")
	}
	if err := a.Unsubscribe(ctx, "Work"); err == nil {
		t.Fatal("Unsubscribe(already unsubscribed) succeeded, want error")
	}
}

func TestListMailboxesWildcards(t *testing.T) {
	a := newTestAccount(t)
	ctx := context.Background()
	for _, name := range []string{"Work", "Work/Drafts", "Personal"} {
		if _, err := a.AddMailbox(ctx, name, 0); err != nil {
			t.Fatal(err)
		}
	}

	got := a.ListMailboxes("", "Work*")
	want := []string{"Work", "Work/Drafts"}
	if !equalStrings(got, want) {
		t.Fatalf("ListMailboxes(\"\", Work*) = %v, want %v", got, want)
	}

	got = a.ListMailboxes("", "Work%")
	want = []string{"Work"}
	if !equalStrings(got, want) {
		t.Fatalf("ListMailboxes(\"\", Work%%) = %v, want %v", got, want)
	}
}

func TestGetPersonalNamespaces(t *testing.T) {
	a := newTestAccount(t)
	ns := a.GetPersonalNamespaces()
	if len(ns) != 1 || ns[0][0] != "" || ns[0][1] != "/" {
		t.Fatalf("GetPersonalNamespaces() = %v, want [[\"\", \"/\"]]", ns)
	}
	if a.GetSharedNamespaces() != nil {
		t.Fatal("GetSharedNamespaces() != nil")
	}
	if a.GetOtherNamespaces() != nil {
		t.Fatal("GetOtherNamespaces() != nil")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
