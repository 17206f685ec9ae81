package docdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"crawshaw.io/sqlite"
)

// ErrNotFound is returned by GetDoc when no document exists for a
// DocID.
var ErrNotFound = fmt.Errorf("docdb: document not found")

// CreateDoc assigns a fresh DocID, marshals content as the document's
// JSON body, and inserts it. content's JSON encoding is expected to
// carry its own "type" field consistent with docType; docType only
// drives index selection.
func (s *Store) CreateDoc(ctx context.Context, docType string, content interface{}) (docID string, err error) {
	body, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	docID = uuid.New().String()

	conn := s.PoolRW.Get(ctx)
	if conn == nil {
		return "", context.Canceled
	}
	defer s.PoolRW.Put(conn)

	stmt := conn.Prep("INSERT INTO Documents (DocID, Type, Content, Rev) VALUES ($docID, $type, $content, 1);")
	stmt.SetText("$docID", docID)
	stmt.SetText("$type", docType)
	stmt.SetText("$content", string(body))
	if _, err := stmt.Step(); err != nil {
		return "", err
	}
	return docID, nil
}

// PutDoc overwrites an existing document's content and bumps its
// revision. It is also used to insert a document under a caller-
// chosen DocID (used for mailbox docs, whose DocID is the mailbox's
// stable identifier).
func (s *Store) PutDoc(ctx context.Context, docID, docType string, content interface{}) error {
	body, err := json.Marshal(content)
	if err != nil {
		return err
	}

	conn := s.PoolRW.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.PoolRW.Put(conn)

	stmt := conn.Prep(`INSERT INTO Documents (DocID, Type, Content, Rev) VALUES ($docID, $type, $content, 1)
		ON CONFLICT(DocID) DO UPDATE SET Content = excluded.Content, Rev = Documents.Rev + 1;`)
	stmt.SetText("$docID", docID)
	stmt.SetText("$type", docType)
	stmt.SetText("$content", string(body))
	_, err = stmt.Step()
	return err
}

// GetDoc loads a document's content into out, which must be a
// pointer. It returns ErrNotFound if no document exists for docID.
func (s *Store) GetDoc(ctx context.Context, docID string, out interface{}) error {
	conn := s.PoolRO.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep("SELECT Content FROM Documents WHERE DocID = $docID;")
	stmt.SetText("$docID", docID)
	hasRow, err := stmt.Step()
	if err != nil {
		return err
	}
	if !hasRow {
		return ErrNotFound
	}
	content := stmt.GetText("Content")
	stmt.Reset()
	return json.Unmarshal([]byte(content), out)
}

// DeleteDoc removes a document. It is not an error to delete a
// DocID that does not exist.
func (s *Store) DeleteDoc(ctx context.Context, docID string) error {
	conn := s.PoolRW.Get(ctx)
	if conn == nil {
		return context.Canceled
	}
	defer s.PoolRW.Put(conn)

	stmt := conn.Prep("DELETE FROM Documents WHERE DocID = $docID;")
	stmt.SetText("$docID", docID)
	_, err := stmt.Step()
	return err
}

// scanDocs steps stmt to completion, passing each row's DocID and raw
// Content column to each; it stops at the first error each returns.
func scanDocs(stmt *sqlite.Stmt, each func(docID, content string) error) error {
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return err
		}
		if !hasRow {
			return nil
		}
		if err := each(stmt.GetText("DocID"), stmt.GetText("Content")); err != nil {
			return err
		}
	}
}
