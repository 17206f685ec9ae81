package docdb

import (
	"context"
	"fmt"
)

// Row is one matched document: its DocID and raw JSON content, left
// for the caller to unmarshal into the concrete document type it
// expects (mbox/flags/head/cnt/rct).
type Row struct {
	DocID   string
	Content string
}

// ByType returns every document of the given type.
func (s *Store) ByType(ctx context.Context, docType string) ([]Row, error) {
	conn := s.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep("SELECT DocID, Content FROM Documents WHERE Type = $type;")
	stmt.SetText("$type", docType)
	var rows []Row
	err := scanDocs(stmt, func(docID, content string) error {
		rows = append(rows, Row{DocID: docID, Content: content})
		return nil
	})
	return rows, err
}

// ByTypeAndMbox returns every document of the given type whose
// "mbox" field equals mboxID.
func (s *Store) ByTypeAndMbox(ctx context.Context, docType, mboxID string) ([]Row, error) {
	conn := s.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT DocID, Content FROM Documents
		WHERE Type = $type AND json_extract(Content, '$.mbox') = $mbox;`)
	stmt.SetText("$type", docType)
	stmt.SetText("$mbox", mboxID)
	var rows []Row
	err := scanDocs(stmt, func(docID, content string) error {
		rows = append(rows, Row{DocID: docID, Content: content})
		return nil
	})
	return rows, err
}

// ByTypeAndMboxAndUID returns at most one document: the given type's
// document in mboxID carrying the given IMAP UID.
func (s *Store) ByTypeAndMboxAndUID(ctx context.Context, docType, mboxID string, uid uint32) (Row, bool, error) {
	conn := s.PoolRO.Get(ctx)
	if conn == nil {
		return Row{}, false, context.Canceled
	}
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT DocID, Content FROM Documents
		WHERE Type = $type
		  AND json_extract(Content, '$.mbox') = $mbox
		  AND json_extract(Content, '$.uid') = $uid;`)
	stmt.SetText("$type", docType)
	stmt.SetText("$mbox", mboxID)
	stmt.SetInt64("$uid", int64(uid))
	hasRow, err := stmt.Step()
	if err != nil {
		return Row{}, false, err
	}
	if !hasRow {
		return Row{}, false, nil
	}
	row := Row{DocID: stmt.GetText("DocID"), Content: stmt.GetText("Content")}
	stmt.Reset()
	return row, true, nil
}

// ByTypeAndSubscribed returns every document of the given type whose
// "subscribed" field matches subscribed. It backs Account's
// getSubscriptions/isSubscribed lookups over mbox docs.
func (s *Store) ByTypeAndSubscribed(ctx context.Context, docType string, subscribed bool) ([]Row, error) {
	conn := s.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT DocID, Content FROM Documents
		WHERE Type = $type AND json_extract(Content, '$.subscribed') = $subscribed;`)
	stmt.SetText("$type", docType)
	stmt.SetInt64("$subscribed", boolInt(subscribed))
	var rows []Row
	err := scanDocs(stmt, func(docID, content string) error {
		rows = append(rows, Row{DocID: docID, Content: content})
		return nil
	})
	return rows, err
}

// ByTypeAndMboxAndSeen counts or enumerates flags docs in a mailbox
// by their "seen" state, backing Mailbox's unseen-count bookkeeping.
func (s *Store) ByTypeAndMboxAndSeen(ctx context.Context, docType, mboxID string, seen bool) ([]Row, error) {
	conn := s.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT DocID, Content FROM Documents
		WHERE Type = $type
		  AND json_extract(Content, '$.mbox') = $mbox
		  AND json_extract(Content, '$.seen') = $seen;`)
	stmt.SetText("$type", docType)
	stmt.SetText("$mbox", mboxID)
	stmt.SetInt64("$seen", boolInt(seen))
	var rows []Row
	err := scanDocs(stmt, func(docID, content string) error {
		rows = append(rows, Row{DocID: docID, Content: content})
		return nil
	})
	return rows, err
}

// ByTypeAndMboxAndRecent enumerates flags docs in a mailbox by their
// "recent" state, backing \Recent bookkeeping and its clearing on
// SELECT.
func (s *Store) ByTypeAndMboxAndRecent(ctx context.Context, docType, mboxID string, recent bool) ([]Row, error) {
	conn := s.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT DocID, Content FROM Documents
		WHERE Type = $type
		  AND json_extract(Content, '$.mbox') = $mbox
		  AND json_extract(Content, '$.recent') = $recent;`)
	stmt.SetText("$type", docType)
	stmt.SetText("$mbox", mboxID)
	stmt.SetInt64("$recent", boolInt(recent))
	var rows []Row
	err := scanDocs(stmt, func(docID, content string) error {
		rows = append(rows, Row{DocID: docID, Content: content})
		return nil
	})
	return rows, err
}

// ByTypeAndChash returns every document of the given type whose
// "chash" field matches chash: the within-mailbox dedup lookup fdocs
// use to detect a message that has already been delivered.
func (s *Store) ByTypeAndChash(ctx context.Context, docType, chash string) ([]Row, error) {
	conn := s.PoolRO.Get(ctx)
	if conn == nil {
		return nil, context.Canceled
	}
	defer s.PoolRO.Put(conn)

	stmt := conn.Prep(`SELECT DocID, Content FROM Documents
		WHERE Type = $type AND json_extract(Content, '$.chash') = $chash;`)
	stmt.SetText("$type", docType)
	stmt.SetText("$chash", chash)
	var rows []Row
	err := scanDocs(stmt, func(docID, content string) error {
		rows = append(rows, Row{DocID: docID, Content: content})
		return nil
	})
	return rows, err
}

// Index names for the generic GetFromIndex dispatcher below.
const (
	IndexByType              = "by-type"
	IndexByTypeAndMbox       = "by-type-and-mbox"
	IndexByTypeAndMboxAndUID = "by-type-and-mbox-and-uid"
	IndexByTypeAndSubs       = "by-type-and-subs"
	IndexByTypeAndMboxSeen   = "by-type-and-mbox-seen"
	IndexByTypeAndMboxRecent = "by-type-and-mbox-recent"
	IndexByChash             = "by-chash"
)

// GetFromIndex is the generic form of the typed query methods above,
// matching the permanent store's documented CRUD+index contract.
// Most callers should prefer the typed methods; this exists for
// callers that select an index dynamically (e.g. a generic sync
// reconciler walking every index).
func (s *Store) GetFromIndex(ctx context.Context, index string, values ...interface{}) ([]Row, error) {
	switch index {
	case IndexByType:
		return s.ByType(ctx, values[0].(string))
	case IndexByTypeAndMbox:
		return s.ByTypeAndMbox(ctx, values[0].(string), values[1].(string))
	case IndexByTypeAndMboxAndUID:
		row, ok, err := s.ByTypeAndMboxAndUID(ctx, values[0].(string), values[1].(string), values[2].(uint32))
		if err != nil || !ok {
			return nil, err
		}
		return []Row{row}, nil
	case IndexByTypeAndSubs:
		return s.ByTypeAndSubscribed(ctx, values[0].(string), values[1].(bool))
	case IndexByTypeAndMboxSeen:
		return s.ByTypeAndMboxAndSeen(ctx, values[0].(string), values[1].(string), values[2].(bool))
	case IndexByTypeAndMboxRecent:
		return s.ByTypeAndMboxAndRecent(ctx, values[0].(string), values[1].(string), values[2].(bool))
	case IndexByChash:
		return s.ByTypeAndChash(ctx, values[0].(string), values[1].(string))
	default:
		return nil, fmt.Errorf("docdb: unknown index %q", index)
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
