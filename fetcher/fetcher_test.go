package fetcher_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"crawshaw.io/iox"
	"golang.org/x/crypto/nacl/box"

	"mailvault.dev/docdb"
	"mailvault.dev/fetcher"
	"mailvault.dev/mailbox"
	"mailvault.dev/memstore"
	"mailvault.dev/notify"
)

func sealPayload(t *testing.T, pub *[32]byte, incoming bool, content []byte) []byte {
	t.Helper()
	payload, err := json.Marshal(struct {
		Incoming bool   `json:"incoming"`
		Content  []byte `json:"content"`
	}{Incoming: incoming, Content: content})
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := box.SealAnonymous(nil, payload, pub, nil)
	if err != nil {
		t.Fatal(err)
	}
	return sealed
}

func TestDecryptRoundTrip(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	f := fetcher.New(fetcher.Config{PublicKey: pub, PrivateKey: priv}, nil, nil, nil)

	want := []byte("Subject: hi\r\n\r\nhello\r\n")
	sealed := sealPayload(t, pub, true, want)

	got, err := f.Decrypt(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("Decrypt() = %q, want %q", got, want)
	}
}

func TestDecryptRejectsMissingIncomingMarker(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	f := fetcher.New(fetcher.Config{PublicKey: pub, PrivateKey: priv}, nil, nil, nil)

	sealed := sealPayload(t, pub, false, []byte("not actually incoming"))
	if _, err := f.Decrypt(sealed); err == nil {
		t.Fatal("Decrypt() succeeded on payload without incoming:true marker, want error")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	pub, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	_, otherPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	f := fetcher.New(fetcher.Config{PublicKey: pub, PrivateKey: otherPriv}, nil, nil, nil)

	sealed := sealPayload(t, pub, true, []byte("hello"))
	if _, err := f.Decrypt(sealed); err == nil {
		t.Fatal("Decrypt() succeeded with mismatched keypair, want error")
	}
}

func TestDeliverPending(t *testing.T) {
	dir, err := ioutil.TempDir("", "fetcher-test-")
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
	ctx := context.Background()
	inbox, err := mailbox.New(ctx, "INBOX", time.Now().Unix(), true, mailbox.AttrNone, ms, store, filer, notify.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	f := fetcher.New(fetcher.Config{PublicKey: pub, PrivateKey: priv}, store, inbox, nil)

	raw := []byte("From: carol@example.com\r\nSubject: delivered\r\n\r\nincoming body\r\n")
	env := struct {
		EncJSON []byte `json:"_enc_json"`
	}{EncJSON: sealPayload(t, pub, true, raw)}
	if _, err := store.CreateDoc(ctx, fetcher.TypeIncoming, &env); err != nil {
		t.Fatal(err)
	}

	if err := f.DeliverPending(ctx); err != nil {
		t.Fatal(err)
	}

	status := inbox.RequestStatus([]string{mailbox.StatusMessages, mailbox.StatusRecent})
	if status[mailbox.StatusMessages] != 1 {
		t.Fatalf("INBOX MESSAGES = %d, want 1", status[mailbox.StatusMessages])
	}
	if status[mailbox.StatusRecent] != 1 {
		t.Fatalf("INBOX RECENT = %d, want 1", status[mailbox.StatusRecent])
	}

	rows, err := store.ByType(ctx, fetcher.TypeIncoming)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("%d incoming docs remain after delivery, want 0", len(rows))
	}
}
