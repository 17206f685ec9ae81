package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"crawshaw.io/iox"
	"golang.org/x/sync/errgroup"

	"mailvault.dev/account"
	"mailvault.dev/docdb"
	"mailvault.dev/fetcher"
	"mailvault.dev/memstore"
	"mailvault.dev/notify"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)

	flagDBFile := flag.String("dbfile", "mailvault.db", "permanent document store file")
	flagPoolSize := flag.Int("pool_size", 4, "sqlite connection pool size")
	flagRedisAddr := flag.String("redis_addr", "localhost:6379", "address of the Redis server holding the incoming queue")
	flagQueueKey := flag.String("incoming_queue", fetcher.DefaultQueueKey, "Redis list key for the incoming queue")
	flagCheckPeriod := flag.Duration("check_period", fetcher.DefaultCheckPeriod, "incoming queue poll interval")
	flagPrivateKeyHex := flag.String("private_key", "", "hex-encoded NaCl box private key used to open incoming envelopes")
	flagPublicKeyHex := flag.String("public_key", "", "hex-encoded NaCl box public key matching -private_key")

	flag.Parse()

	log.Printf("mailvaultd, version %s, starting at %s", version, time.Now())

	filer := iox.NewFiler(0)

	store, err := docdb.Open(*flagDBFile, *flagPoolSize)
	if err != nil {
		log.Fatalf("mailvaultd: open store: %v", err)
	}

	ms := memstore.New(store, log.Printf)
	registry := notify.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())

	acct, err := account.New(ctx, store, ms, filer, registry, log.Printf)
	if err != nil {
		log.Fatalf("mailvaultd: open account: %v", err)
	}

	var fetch *fetcher.Fetcher
	if *flagPrivateKeyHex != "" {
		pub, priv, err := parseKeypair(*flagPublicKeyHex, *flagPrivateKeyHex)
		if err != nil {
			log.Fatalf("mailvaultd: %v", err)
		}
		inbox, err := acct.GetMailbox(ctx, "INBOX")
		if err != nil {
			log.Fatalf("mailvaultd: get INBOX: %v", err)
		}
		fetch = fetcher.New(fetcher.Config{
			RedisAddr:   *flagRedisAddr,
			QueueKey:    *flagQueueKey,
			CheckPeriod: *flagCheckPeriod,
			PublicKey:   pub,
			PrivateKey:  priv,
		}, store, inbox, log.Printf)
	} else {
		log.Printf("mailvaultd: -private_key not set, incoming fetcher disabled")
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ms.Run()
	})
	if fetch != nil {
		group.Go(func() error {
			return fetch.Run(gctx)
		})
	}

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		log.Printf("mailvaultd: interrupt received, shutting down")
		if fetch != nil {
			fetch.Stop()
		}
		ms.Stop()
		cancel()
	}()

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		log.Printf("mailvaultd: serve error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := filer.Shutdown(shutdownCtx); err != nil {
		log.Printf("mailvaultd: filer shutdown error: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("mailvaultd: store close error: %v", err)
	}
	log.Printf("mailvaultd: shut down")
}

func parseKeypair(pubHex, privHex string) (*[32]byte, *[32]byte, error) {
	privBytes, err := hex.DecodeString(privHex)
	if err != nil || len(privBytes) != 32 {
		return nil, nil, errInvalidKey("private_key")
	}
	var priv [32]byte
	copy(priv[:], privBytes)

	var pub [32]byte
	if pubHex != "" {
		pubBytes, err := hex.DecodeString(pubHex)
		if err != nil || len(pubBytes) != 32 {
			return nil, nil, errInvalidKey("public_key")
		}
		copy(pub[:], pubBytes)
	}
	return &pub, &priv, nil
}

type errInvalidKey string

func (e errInvalidKey) Error() string {
	return "invalid -" + string(e) + ": expected 32 bytes hex-encoded"
}
