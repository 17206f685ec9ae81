package docdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

const createBlobSQL = `
CREATE TABLE IF NOT EXISTS Content (
	Phash   TEXT PRIMARY KEY,
	Size    INTEGER NOT NULL,
	Payload BLOB NOT NULL
);
`

// InitBlobs creates the content-blob table, storing cdoc payload
// bytes outside the JSON document body (mirroring LoadMsg's
// OpenBlob-based separation of message bytes from row metadata).
func InitBlobs(conn *sqlite.Conn) (err error) {
	defer sqlitex.Save(conn)(&err)
	return sqlitex.ExecScript(conn, createBlobSQL)
}

// PutContent stores payload under its content hash, skipping the
// write if a blob with that hash already exists: the dedup a cdoc
// exists to provide. It returns the phash.
func (s *Store) PutContent(ctx context.Context, payload []byte) (phash string, err error) {
	sum := sha256.Sum256(payload)
	phash = strings.ToUpper(hex.EncodeToString(sum[:]))

	conn := s.PoolRW.Get(ctx)
	if conn == nil {
		return "", context.Canceled
	}
	defer s.PoolRW.Put(conn)

	stmt := conn.Prep("INSERT OR IGNORE INTO Content (Phash, Size, Payload) VALUES ($phash, $size, $payload);")
	stmt.SetText("$phash", phash)
	stmt.SetInt64("$size", int64(len(payload)))
	stmt.SetBytes("$payload", payload)
	if _, err := stmt.Step(); err != nil {
		return "", err
	}
	return phash, nil
}

// HasContent reports whether a blob with the given phash is already
// stored, letting a caller skip re-hashing a part it has already
// staged in memory.
func (s *Store) HasContent(ctx context.Context, phash string) (bool, error) {
	conn := s.PoolRO.Get(ctx)
	if conn == nil {
		return false, context.Canceled
	}
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep("SELECT 1 FROM Content WHERE Phash = $phash;")
	stmt.SetText("$phash", phash)
	hasRow, err := stmt.Step()
	if hasRow {
		stmt.Reset()
	}
	return hasRow, err
}

// GetContent loads a blob's payload into a fresh filer-backed buffer.
func (s *Store) GetContent(ctx context.Context, filer *iox.Filer, phash string) (*iox.BufferFile, error) {
	conn := s.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.PoolRO.Put(conn)

	blob, err := conn.OpenBlob("", "Content", "Payload", rowidForPhash(conn, phash), false)
	if err != nil {
		return nil, fmt.Errorf("docdb.GetContent(%s): %v", phash, err)
	}
	defer blob.Close()

	buf := filer.BufferFile(0)
	if _, err := io.Copy(buf, blob); err != nil {
		buf.Close()
		return nil, err
	}
	if _, err := buf.Seek(0, 0); err != nil {
		buf.Close()
		return nil, err
	}
	return buf, nil
}

func rowidForPhash(conn *sqlite.Conn, phash string) int64 {
	stmt := conn.Prep("SELECT rowid FROM Content WHERE Phash = $phash;")
	stmt.SetText("$phash", phash)
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		return 0
	}
	rowid := stmt.GetInt64("rowid")
	stmt.Reset()
	return rowid
}
