// Package fetcher implements the Incoming Fetcher: the periodic loop
// that pulls encrypted envelopes off a remote queue, decrypts them,
// and delivers the recovered message to INBOX.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/nacl/box"

	"mailvault.dev/docdb"
	"mailvault.dev/mailbox"
)

// TypeIncoming is the document type of a locally mirrored, not yet
// delivered incoming envelope.
const TypeIncoming = "in"

// DefaultCheckPeriod is the poll loop's tick interval when Config
// does not set one.
const DefaultCheckPeriod = 30 * time.Second

// DefaultQueueKey is the Redis list holding incoming envelopes when
// Config does not set one.
const DefaultQueueKey = "incoming"

// envelope is the encrypted incoming-queue payload: _enc_json is a
// nacl/box anonymously-sealed JSON document.
type envelope struct {
	EncJSON []byte `json:"_enc_json"`
}

// decryptedPayload is the JSON recovered after opening an envelope's
// _enc_json: a marker confirming this is genuinely an incoming-queue
// message, plus the raw RFC 822 bytes to deliver.
type decryptedPayload struct {
	Incoming bool   `json:"incoming"`
	Content  []byte `json:"content"`
}

// Config configures a Fetcher.
type Config struct {
	RedisAddr   string
	QueueKey    string
	CheckPeriod time.Duration
	PublicKey   *[32]byte
	PrivateKey  *[32]byte
}

// Fetcher periodically pulls encrypted envelopes off a Redis list,
// decrypts each with the account's configured NaCl box keypair, and
// delivers the recovered message to INBOX.
type Fetcher struct {
	client      *redis.Client
	store       *docdb.Store
	queueKey    string
	checkPeriod time.Duration
	inbox       *mailbox.Mailbox
	publicKey   *[32]byte
	privateKey  *[32]byte
	logf        func(format string, v ...interface{})

	cancel func()
	done   chan struct{}
}

// New constructs a Fetcher that mirrors envelopes into store and
// delivers to inbox. The Redis client is not dialed until the first
// command Run issues.
func New(cfg Config, store *docdb.Store, inbox *mailbox.Mailbox, logf func(string, ...interface{})) *Fetcher {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	queueKey := cfg.QueueKey
	if queueKey == "" {
		queueKey = DefaultQueueKey
	}
	checkPeriod := cfg.CheckPeriod
	if checkPeriod == 0 {
		checkPeriod = DefaultCheckPeriod
	}
	return &Fetcher{
		client:      redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
		store:       store,
		queueKey:    queueKey,
		checkPeriod: checkPeriod,
		inbox:       inbox,
		publicKey:   cfg.PublicKey,
		privateKey:  cfg.PrivateKey,
		logf:        logf,
	}
}

// Run starts the poll loop: every check_period, trigger a remote
// sync (here, LRANGE of the incoming list, mirroring each envelope
// into a local incoming document before removing it from the queue)
// and deliver every mirrored envelope, deleting its local document
// on success. Sync and
// decrypt errors are logged and swallowed so the loop continues on
// the next tick. Run blocks until Stop is called or ctx is canceled.
func (f *Fetcher) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	defer close(f.done)

	ticker := time.NewTicker(f.checkPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}

		if err := f.poll(runCtx); err != nil {
			f.logf("fetcher: poll: %v", err)
		}
	}
}

// Stop halts the poll loop and waits for it to exit.
func (f *Fetcher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.done != nil {
		<-f.done
	}
}

func (f *Fetcher) poll(ctx context.Context) error {
	if err := f.sync(ctx); err != nil {
		return fmt.Errorf("sync: %v", err)
	}
	return f.DeliverPending(ctx)
}

// DeliverPending walks the incoming index and delivers every locally
// mirrored envelope. Per-document failures are logged; the document
// stays in place for the next tick.
func (f *Fetcher) DeliverPending(ctx context.Context) error {
	rows, err := f.store.ByType(ctx, TypeIncoming)
	if err != nil {
		return fmt.Errorf("incoming index: %v", err)
	}
	for _, row := range rows {
		if err := f.deliverOne(ctx, row); err != nil {
			f.logf("fetcher: deliver %s: %v", row.DocID, err)
		}
	}
	return nil
}

// sync pulls the remote queue's envelopes into local incoming
// documents, removing each item from the queue only once it is
// locally durable. An item that does not even decode as an envelope
// is dropped with a log line rather than re-synced forever.
func (f *Fetcher) sync(ctx context.Context) error {
	items, err := f.client.LRange(ctx, f.queueKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, item := range items {
		var env envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			f.logf("fetcher: sync: dropping undecodable queue item: %v", err)
			f.client.LRem(ctx, f.queueKey, 1, item)
			continue
		}
		if _, err := f.store.CreateDoc(ctx, TypeIncoming, &env); err != nil {
			return err
		}
		if err := f.client.LRem(ctx, f.queueKey, 1, item).Err(); err != nil {
			return err
		}
	}
	return nil
}

// deliverOne decrypts one mirrored incoming document, appends the
// recovered message to INBOX, and deletes the original doc. A doc
// that fails to decrypt is left in place and retried next tick.
func (f *Fetcher) deliverOne(ctx context.Context, row docdb.Row) error {
	var env envelope
	if err := json.Unmarshal([]byte(row.Content), &env); err != nil {
		return fmt.Errorf("decode envelope: %v", err)
	}

	content, err := f.Decrypt(env.EncJSON)
	if err != nil {
		return fmt.Errorf("decrypt: %v", err)
	}

	if _, err := f.inbox.AddMessage(ctx, content, []string{`\Recent`}, time.Time{}); err != nil {
		return fmt.Errorf("add message: %v", err)
	}

	return f.store.DeleteDoc(ctx, row.DocID)
}

// Decrypt opens sealed's anonymous NaCl box against the fetcher's
// configured keypair, parses the recovered bytes as JSON, verifies
// the incoming:true marker, and returns the enclosed raw RFC 822
// content.
func (f *Fetcher) Decrypt(sealed []byte) ([]byte, error) {
	opened, ok := box.OpenAnonymous(nil, sealed, f.publicKey, f.privateKey)
	if !ok {
		return nil, fmt.Errorf("box open failed")
	}

	var payload decryptedPayload
	if err := json.Unmarshal(opened, &payload); err != nil {
		return nil, fmt.Errorf("parse decrypted payload: %v", err)
	}
	if !payload.Incoming {
		return nil, fmt.Errorf("payload missing incoming:true marker")
	}
	return payload.Content, nil
}
