// Package walker implements the MIME walker: it turns a parse.Msg's
// pre-order structural walk into the canonical, idempotent part tree
// that a headers document's part_map field persists.
package walker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"mailvault.dev/mail"
	"mailvault.dev/mail/parse"
)

// Node is one element of a canonicalized MIME part tree. A leaf node
// (Multi == false and len(PartMap) == 0) describes a single content
// document; a wrapper node (Multi == true) collapses a multipart
// container and its immediate children into a part_map keyed by
// 1-based subpart index.
type Node struct {
	Multi       bool
	ContentType string
	Headers     map[string]string // wrapper nodes only
	PartMap     map[int]*Node     // wrapper nodes only

	// Leaf fields. PartNum indexes parse.Msg.Parts, so callers can
	// recover the actual payload bytes to build a content document.
	PartNum                 int
	Phash                   string
	Size                    int64
	ContentDisposition      string
	ContentTransferEncoding string
	ContentID               string
	Name                    string
}

// Walk canonicalizes msg's MIME structure and computes the body
// content hash: the phash of the first part in pre-order whose
// content type is text/plain or text/html.
//
// Walk is idempotent: walking the same parsed message twice, or
// walking a message re-parsed from identical bytes, yields a
// byte-for-byte identical tree, since the output depends only on the
// ordered structural walk and the payload bytes, never on mutable
// state.
func Walk(msg *parse.Msg) (root *Node, bodyPhash string, err error) {
	if len(msg.Tree) == 0 {
		return nil, "", fmt.Errorf("walker: empty message")
	}

	idx, leafIdx := 0, 0
	var body string
	node, err := build(msg, &idx, &leafIdx, &body)
	if err != nil {
		return nil, "", err
	}

	// A non-multipart message still yields {multi:false,
	// part_map:{1: leaf}}: the caller always finds a part_map.
	if node.Multi {
		return node, body, nil
	}
	return &Node{
		Multi:   false,
		PartMap: map[int]*Node{1: node},
	}, body, nil
}

func build(msg *parse.Msg, idx, leafIdx *int, bodyPhash *string) (*Node, error) {
	info := msg.Tree[*idx]
	*idx++

	if !info.Multi {
		part := msg.Parts[*leafIdx]
		*leafIdx++

		payload, err := readAll(part.Content)
		if err != nil {
			return nil, fmt.Errorf("walker: reading part %d: %v", part.PartNum, err)
		}
		phash := Phash(payload)

		if *bodyPhash == "" && isBodyContentType(info.ContentType) {
			*bodyPhash = phash
		}

		return &Node{
			Multi:                   false,
			ContentType:             info.ContentType,
			PartNum:                 part.PartNum,
			Phash:                   phash,
			Size:                    int64(len(payload)),
			ContentDisposition:      part.ContentDisposition,
			ContentTransferEncoding: part.ContentTransferEncoding,
			ContentID:               part.ContentID,
			Name:                    part.Name,
		}, nil
	}

	node := &Node{
		Multi:       true,
		ContentType: info.ContentType,
		Headers:     info.Headers.AsMap(),
		PartMap:     make(map[int]*Node, info.NumSubparts),
	}
	for i := 1; i <= info.NumSubparts; i++ {
		child, err := build(msg, idx, leafIdx, bodyPhash)
		if err != nil {
			return nil, err
		}
		node.PartMap[i] = child
	}
	return node, nil
}

func isBodyContentType(ctype string) bool {
	return ctype == "text/plain" || ctype == "text/html"
}

// Phash computes the canonical payload hash: uppercase hex SHA-256.
func Phash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func readAll(content mail.Buffer) ([]byte, error) {
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return b, nil
}

// AllLeaves returns every leaf node in pre-order, for callers that
// need to enumerate content documents without recursing themselves.
func AllLeaves(n *Node) []*Node {
	if n == nil {
		return nil
	}
	if !n.Multi && len(n.PartMap) == 0 {
		return []*Node{n}
	}
	var out []*Node
	for i := 1; i <= len(n.PartMap); i++ {
		out = append(out, AllLeaves(n.PartMap[i])...)
	}
	return out
}
