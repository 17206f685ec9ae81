// Package docdb is the permanent store adapter: a typed JSON document
// store backed by SQLite, following the same json_extract indexing
// convention and sqlitex.Pool checkout pattern the rest of this
// codebase uses for its relational tables.
//
// Every document has a DocID, a Type discriminator, and a JSON blob.
// Secondary indexes are real SQLite indexes built with
// json_extract expressions against that blob, not an in-process
// simulation of one.
package docdb

import (
	"fmt"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

// Document type discriminators, matching the `type` field persisted
// inside each document's JSON content.
const (
	TypeMbox  = "mbox"
	TypeFlags = "flags"
	TypeHead  = "head"
	TypeCnt   = "cnt"
	TypeRct   = "rct"
)

const createSQL = `
CREATE TABLE IF NOT EXISTS Documents (
	DocID   TEXT PRIMARY KEY,
	Type    TEXT NOT NULL,
	Content TEXT NOT NULL,
	Rev     INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_by_type
	ON Documents (Type);

CREATE INDEX IF NOT EXISTS idx_by_type_mbox
	ON Documents (Type, json_extract(Content, '$.mbox'));

CREATE INDEX IF NOT EXISTS idx_by_type_mbox_uid
	ON Documents (Type, json_extract(Content, '$.mbox'), json_extract(Content, '$.uid'));

CREATE INDEX IF NOT EXISTS idx_by_type_subs
	ON Documents (Type, json_extract(Content, '$.subscribed'));

CREATE INDEX IF NOT EXISTS idx_by_type_mbox_seen
	ON Documents (Type, json_extract(Content, '$.mbox'), json_extract(Content, '$.seen'));

CREATE INDEX IF NOT EXISTS idx_by_type_mbox_recent
	ON Documents (Type, json_extract(Content, '$.mbox'), json_extract(Content, '$.recent'));

CREATE INDEX IF NOT EXISTS idx_by_type_chash
	ON Documents (Type, json_extract(Content, '$.chash'));
`

// Store is a permanent document store, with separate read-write and
// read-only connection pools mirroring spillbox.Box's PoolRW/PoolRO
// split.
type Store struct {
	PoolRW *sqlitex.Pool
	PoolRO *sqlitex.Pool
}

// Open creates or opens a document store at dbfile. A poolSize of 1
// shares a single read-write pool for all access; anything larger
// opens an additional read-only pool, matching spillbox.New's
// convention.
func Open(dbfile string, poolSize int) (_ *Store, err error) {
	store := &Store{}
	defer func() {
		if err != nil {
			store.Close()
		}
	}()

	flags := sqlite.SQLITE_OPEN_WAL | sqlite.SQLITE_OPEN_URI | sqlite.SQLITE_OPEN_NOMUTEX
	flagsRW := flags | sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE

	store.PoolRW, err = sqlitex.Open(dbfile, flagsRW, 1)
	if err != nil {
		return nil, fmt.Errorf("docdb.Open: %v", err)
	}

	conn := store.PoolRW.Get(nil)
	if conn == nil {
		return nil, fmt.Errorf("docdb.Open: could not check out init connection")
	}
	err = Init(conn)
	store.PoolRW.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("docdb.Open: init: %v", err)
	}

	if poolSize > 1 {
		flagsRO := flags | sqlite.SQLITE_OPEN_READONLY
		store.PoolRO, err = sqlitex.Open(dbfile, flagsRO, poolSize-1)
		if err != nil {
			return nil, fmt.Errorf("docdb.Open: read pool: %v", err)
		}
	} else {
		store.PoolRO = store.PoolRW
	}
	return store, nil
}

// Init creates the documents table, the content-blob table, and
// their secondary indexes.
func Init(conn *sqlite.Conn) (err error) {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := func() (err error) {
		defer sqlitex.Save(conn)(&err)
		return sqlitex.ExecScript(conn, createSQL)
	}(); err != nil {
		return err
	}
	return InitBlobs(conn)
}

func (s *Store) Close() error {
	var err error
	if s.PoolRW != nil {
		err = s.PoolRW.Close()
	}
	if s.PoolRO != nil && s.PoolRO != s.PoolRW {
		if cerr := s.PoolRO.Close(); err == nil {
			err = cerr
		}
	}
	s.PoolRW = nil
	s.PoolRO = nil
	return err
}

// Sync forces a WAL checkpoint, the closest SQLite equivalent to
// flushing buffered writes to stable storage.
func (s *Store) Sync() error {
	conn := s.PoolRW.Get(nil)
	defer s.PoolRW.Put(conn)
	return sqlitex.ExecTransient(conn, "PRAGMA wal_checkpoint(PASSIVE);", nil)
}
