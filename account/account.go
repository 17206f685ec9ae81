package account

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"

	"mailvault.dev/docdb"
	"mailvault.dev/mailbox"
	"mailvault.dev/memstore"
	"mailvault.dev/msgdoc"
	"mailvault.dev/notify"
)

// Error kinds returned by Account operations.
var (
	ErrNoSuchMailbox    = fmt.Errorf("account: no such mailbox")
	ErrMailboxCollision = fmt.Errorf("account: mailbox already exists")
	ErrMailboxException = fmt.Errorf("account: mailbox hierarchy violation")
)

// Account is the root object bound to one user identity: it owns the
// mailbox catalog, the Memstore, and the Notifier registry shared by
// every Mailbox it hands out.
type Account struct {
	store    *docdb.Store
	memstore *memstore.Memstore
	filer    *iox.Filer
	registry *notify.Registry
	logf     func(format string, v ...interface{})

	// opMu serializes mutating operations end-to-end (check-then-act
	// over the catalog plus the store writes that follow), so two
	// concurrent AddMailbox/Delete/Rename calls can never race past
	// each other's collision check.
	opMu sync.Mutex

	mu        sync.Mutex
	docs      map[string]*msgdoc.MboxDoc
	mailboxes map[string]*mailbox.Mailbox

	readyMu  sync.Mutex
	ready    bool
	readyCbs []func()
}

// New loads the account's mailbox catalog from store, auto-creating
// INBOX if the catalog is empty, then marks the account ready: any
// callback already queued via CallWhenReady runs before New returns.
func New(ctx context.Context, store *docdb.Store, ms *memstore.Memstore, filer *iox.Filer, registry *notify.Registry, logf func(string, ...interface{})) (*Account, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	a := &Account{
		store:     store,
		memstore:  ms,
		filer:     filer,
		registry:  registry,
		logf:      logf,
		docs:      make(map[string]*msgdoc.MboxDoc),
		mailboxes: make(map[string]*mailbox.Mailbox),
	}

	rows, err := store.ByType(ctx, docdb.TypeMbox)
	if err != nil {
		return nil, fmt.Errorf("account.New: %v", err)
	}
	for _, row := range rows {
		doc := new(msgdoc.MboxDoc)
		if err := json.Unmarshal([]byte(row.Content), doc); err != nil {
			return nil, fmt.Errorf("account.New: %v", err)
		}
		a.docs[doc.Mbox] = doc
	}

	if len(a.docs) == 0 {
		if _, err := a.AddMailbox(ctx, "INBOX", 0); err != nil {
			return nil, fmt.Errorf("account.New: auto-create INBOX: %v", err)
		}
	}

	a.markReady()
	return a, nil
}

func (a *Account) markReady() {
	a.readyMu.Lock()
	a.ready = true
	cbs := a.readyCbs
	a.readyCbs = nil
	a.readyMu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// CallWhenReady queues cb until the startup sequence above has
// completed; if it already has, cb runs immediately, synchronously.
func (a *Account) CallWhenReady(cb func()) {
	a.readyMu.Lock()
	if a.ready {
		a.readyMu.Unlock()
		cb()
		return
	}
	a.readyCbs = append(a.readyCbs, cb)
	a.readyMu.Unlock()
}

func mboxDocID(name string) string { return "mbox:" + name }

// AddMailbox creates a new mailbox document and its live Mailbox. It
// fails with ErrMailboxCollision if name already exists, and rejects
// an empty name. An unset creationTS defaults to the current wall
// clock in milliseconds, giving distinct UIDVALIDITY values even for
// mailboxes created within the same second.
func (a *Account) AddMailbox(ctx context.Context, name string, creationTS int64) (*mailbox.Mailbox, error) {
	name = Canonicalize(name)
	if name == "" {
		return nil, fmt.Errorf("account.AddMailbox: empty name")
	}

	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	_, exists := a.docs[name]
	a.mu.Unlock()
	if exists {
		return nil, ErrMailboxCollision
	}

	if creationTS == 0 {
		creationTS = time.Now().UnixNano() / int64(time.Millisecond)
	}

	doc := &msgdoc.MboxDoc{
		Type:    docdb.TypeMbox,
		Mbox:    name,
		Created: creationTS,
		RW:      1,
	}
	if err := a.store.PutDoc(ctx, mboxDocID(name), docdb.TypeMbox, doc); err != nil {
		return nil, fmt.Errorf("account.AddMailbox(%s): %v", name, err)
	}

	mb, err := mailbox.New(ctx, name, doc.Created, true, mailbox.AttrNone, a.memstore, a.store, a.filer, a.registry)
	if err != nil {
		return nil, fmt.Errorf("account.AddMailbox(%s): %v", name, err)
	}

	a.mu.Lock()
	a.docs[name] = doc
	a.mailboxes[name] = mb
	a.mu.Unlock()
	return mb, nil
}

// Create splits pathspec on the hierarchy delimiter, creates every
// parent prefix (swallowing collisions — an existing parent is not
// an error), then creates the leaf. It returns true on success, and
// false only when the leaf already exists and pathspec did not end
// in the delimiter; a trailing delimiter always succeeds, even over
// an existing leaf, per account.py's create.
func (a *Account) Create(ctx context.Context, pathspec string) (bool, error) {
	trailingDelim := strings.HasSuffix(pathspec, Delim)

	name := Canonicalize(pathspec)
	if name == "" {
		return false, fmt.Errorf("account.Create: empty name")
	}

	segs := strings.Split(name, Delim)
	prefix := ""
	for i, seg := range segs {
		if prefix == "" {
			prefix = seg
		} else {
			prefix = prefix + Delim + seg
		}

		_, err := a.AddMailbox(ctx, prefix, 0)
		if err == nil {
			continue
		}
		if err != ErrMailboxCollision {
			return false, err
		}
		leaf := i == len(segs)-1
		if leaf && !trailingDelim {
			return false, nil
		}
	}
	return true, nil
}

// Delete removes a mailbox. It fails with ErrNoSuchMailbox if name is
// missing. When force is false, it refuses with ErrMailboxException
// if the mailbox already carries \Noselect and any hierarchically
// inferior mailbox still exists. On success it sets \Noselect,
// deletes every fdoc belonging to the mailbox, and removes the mbox
// document.
func (a *Account) Delete(ctx context.Context, name string, force bool) error {
	name = Canonicalize(name)

	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	doc, ok := a.docs[name]
	if !ok {
		a.mu.Unlock()
		return ErrNoSuchMailbox
	}
	alreadyNoselect := doc.Closed
	var hasInferior bool
	for other := range a.docs {
		if IsInferior(name, other) {
			hasInferior = true
			break
		}
	}
	a.mu.Unlock()

	if !force && alreadyNoselect && hasInferior {
		return ErrMailboxException
	}

	doc.Closed = true
	if err := a.store.PutDoc(ctx, mboxDocID(name), docdb.TypeMbox, doc); err != nil {
		return fmt.Errorf("account.Delete(%s): %v", name, err)
	}

	// Delete from the permanent store first: it may hold messages
	// from a previous process the memstore has never primed.
	rows, err := a.store.ByTypeAndMbox(ctx, docdb.TypeFlags, name)
	if err != nil {
		return fmt.Errorf("account.Delete(%s): %v", name, err)
	}
	for _, row := range rows {
		if err := a.store.DeleteDoc(ctx, row.DocID); err != nil {
			return fmt.Errorf("account.Delete(%s): %v", name, err)
		}
	}
	for _, uid := range a.memstore.AllUIDs(name) {
		a.memstore.RemoveMessage(memstore.Key{Mbox: name, UID: uid})
	}

	for _, docID := range []string{"uid:" + name, "rdoc:" + name, mboxDocID(name)} {
		if err := a.store.DeleteDoc(ctx, docID); err != nil {
			return fmt.Errorf("account.Delete(%s): %v", name, err)
		}
	}

	a.mu.Lock()
	delete(a.docs, name)
	delete(a.mailboxes, name)
	a.mu.Unlock()
	return nil
}

// Rename moves old, and every mailbox hierarchically inferior to it,
// to new. It fails with ErrNoSuchMailbox if old is missing, or
// ErrMailboxCollision if new or any renamed inferior's new name
// already exists. Every fdoc that belonged to a renamed mailbox has
// its mbox field rewritten and is re-persisted under the new name,
// batched per mailbox.
func (a *Account) Rename(ctx context.Context, old, new string) error {
	old = Canonicalize(old)
	new = Canonicalize(new)

	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if _, ok := a.docs[old]; !ok {
		a.mu.Unlock()
		return ErrNoSuchMailbox
	}
	renames := map[string]string{old: new}
	for name := range a.docs {
		if IsInferior(old, name) {
			renames[name] = new + strings.TrimPrefix(name, old)
		}
	}
	for _, target := range renames {
		if _, ok := a.docs[target]; ok {
			a.mu.Unlock()
			return ErrMailboxCollision
		}
	}
	a.mu.Unlock()

	for src, dst := range renames {
		if err := a.renameOne(ctx, src, dst); err != nil {
			return fmt.Errorf("account.Rename(%s, %s): %v", old, new, err)
		}
	}
	return nil
}

func (a *Account) renameOne(ctx context.Context, src, dst string) error {
	a.mu.Lock()
	doc := a.docs[src]
	a.mu.Unlock()

	newDoc := *doc
	newDoc.Mbox = dst
	if err := a.store.PutDoc(ctx, mboxDocID(dst), docdb.TypeMbox, &newDoc); err != nil {
		return err
	}

	// Rewrite every persisted fdoc under its new (mbox, uid) DocID.
	// The permanent store is authoritative here: a mailbox that was
	// never selected in this process has messages on disk that the
	// memstore has never seen, and they must move too.
	rows, err := a.store.ByTypeAndMbox(ctx, docdb.TypeFlags, src)
	if err != nil {
		return err
	}
	for _, row := range rows {
		var fdoc msgdoc.FlagsDoc
		if err := json.Unmarshal([]byte(row.Content), &fdoc); err != nil {
			return err
		}
		fdoc.Mbox = dst
		newKey := memstore.Key{Mbox: dst, UID: fdoc.UID}
		if err := a.store.PutDoc(ctx, "fdoc:"+newKey.String(), docdb.TypeFlags, &fdoc); err != nil {
			return err
		}
		if err := a.store.DeleteDoc(ctx, row.DocID); err != nil {
			return err
		}
	}

	// Cached state moves separately: containers, reverse indexes, the
	// UID counter, and any staged recent snapshot. A cached message
	// that has not drained yet is persisted by the next drain under
	// its new key; one already on disk was rewritten above, and a
	// dirty in-memory copy supersedes that row on its next drain.
	a.memstore.RenameMbox(src, dst)

	if err := a.store.DeleteDoc(ctx, mboxDocID(src)); err != nil {
		return err
	}
	// The UID counter and recent snapshot move with the mailbox in the
	// memstore; their old permanent-store rows are stale under src.
	if err := a.store.DeleteDoc(ctx, "uid:"+src); err != nil {
		return err
	}
	if err := a.store.DeleteDoc(ctx, "rdoc:"+src); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.docs, src)
	a.docs[dst] = &newDoc
	// A live Mailbox bound to src holds its name (and its Collection's
	// mbox) fixed; rather than mutate it in place, evict it so the
	// next GetMailbox(dst) constructs a fresh Mailbox that primes
	// itself from the permanent store's now-rewritten fdocs.
	delete(a.mailboxes, src)
	delete(a.mailboxes, dst)
	a.mu.Unlock()
	return nil
}

// Subscribe marks name subscribed, auto-creating the mailbox first
// if it does not yet exist.
func (a *Account) Subscribe(ctx context.Context, name string) error {
	name = Canonicalize(name)

	a.mu.Lock()
	doc, ok := a.docs[name]
	a.mu.Unlock()
	if !ok {
		if _, err := a.AddMailbox(ctx, name, 0); err != nil {
			return fmt.Errorf("account.Subscribe(%s): %v", name, err)
		}
		a.mu.Lock()
		doc = a.docs[name]
		a.mu.Unlock()
	}

	doc.Subscribed = true
	return a.store.PutDoc(ctx, mboxDocID(name), docdb.TypeMbox, doc)
}

// Unsubscribe clears name's subscribed flag. Membership is checked
// against GetSubscriptions's freshly computed result, never a cached
// field, so a subscription change made through any path is visible
// here immediately.
func (a *Account) Unsubscribe(ctx context.Context, name string) error {
	name = Canonicalize(name)
	if !a.IsSubscribed(name) {
		return fmt.Errorf("account.Unsubscribe(%s): not subscribed", name)
	}

	a.mu.Lock()
	doc, ok := a.docs[name]
	a.mu.Unlock()
	if !ok {
		return ErrNoSuchMailbox
	}

	doc.Subscribed = false
	return a.store.PutDoc(ctx, mboxDocID(name), docdb.TypeMbox, doc)
}

// IsSubscribed reports whether name is currently subscribed.
func (a *Account) IsSubscribed(name string) bool {
	name = Canonicalize(name)
	for _, s := range a.GetSubscriptions() {
		if s == name {
			return true
		}
	}
	return false
}

// GetSubscriptions returns every subscribed mailbox name, sorted.
func (a *Account) GetSubscriptions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for name, doc := range a.docs {
		if doc.Subscribed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ListMailboxes filters the catalog against ref+wildcard translated
// to a regular expression, per the IMAP LIST command's "*"/"%"
// wildcard rules.
func (a *Account) ListMailboxes(ref, wildcard string) []string {
	re := WildcardToRegexp(Canonicalize(ref + wildcard))

	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for name := range a.docs {
		if re.MatchString(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Mailboxes returns every mailbox name in the catalog, sorted.
func (a *Account) Mailboxes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for name := range a.docs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GetMailbox returns the live Mailbox for name, constructing and
// caching it on first access.
func (a *Account) GetMailbox(ctx context.Context, name string) (*mailbox.Mailbox, error) {
	name = Canonicalize(name)

	a.mu.Lock()
	if mb, ok := a.mailboxes[name]; ok {
		a.mu.Unlock()
		return mb, nil
	}
	doc, ok := a.docs[name]
	a.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchMailbox
	}

	mb, err := mailbox.New(ctx, name, doc.Created, doc.RW != 0, mailbox.AttrNone, a.memstore, a.store, a.filer, a.registry)
	if err != nil {
		return nil, fmt.Errorf("account.GetMailbox(%s): %v", name, err)
	}

	a.mu.Lock()
	a.mailboxes[name] = mb
	a.mu.Unlock()
	return mb, nil
}

// GetPersonalNamespaces returns the IMAP NAMESPACE response's
// personal namespace: one entry rooted at "" with "/" as its
// hierarchy delimiter.
func (a *Account) GetPersonalNamespaces() [][2]string {
	return [][2]string{{"", Delim}}
}

// GetSharedNamespaces and GetOtherNamespaces both return nil: this
// core models a single personal namespace only, and nil (not an
// empty-but-present slice) is the NAMESPACE response's way of saying
// a namespace kind does not exist at all.
func (a *Account) GetSharedNamespaces() [][2]string { return nil }
func (a *Account) GetOtherNamespaces() [][2]string  { return nil }
