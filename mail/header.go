// Package mail holds the value types used to represent a decomposed
// RFC 822 / MIME message: headers, addresses, and the leaf parts the
// walker reads. The part tree the walker produces is walker.Node.
package mail

import (
	"bytes"
	"fmt"
	"io"
)

// Key is a canonical MIME header entry key.
//
// Use CanonicalKey to canonicalize bytes as a Key.
type Key string

type HeaderEntry struct {
	Key   Key
	Value []byte
}

func (entry *HeaderEntry) Encode(w io.Writer) (n int, err error) {
	var wErr error
	defer func() {
		if err == nil {
			err = wErr
		}
	}()
	printf := func(format string, args ...interface{}) {
		var n2 int
		n2, err := fmt.Fprintf(w, format, args...)
		if wErr == nil {
			wErr = err
		}
		n += n2
	}

	v := entry.Value
	if len(v) == 0 {
		printf("%s:\r\n", entry.Key)
		return 0, nil
	}
	printf("%s: ", entry.Key)

	// Header line limit:
	//
	// 	Each line of characters MUST be no more than 998 characters, and
	//	SHOULD be no more than 78 characters, excluding the CRLF.
	//
	// https://tools.ietf.org/html/rfc5322#section-2.1.1
	//
	// We aim for conservative lines.
	// If we cannot manage that, we enforce the header limit.
	const padding = "    "
	spent := len(entry.Key) - len(": ")
	limit := 78

	firstPass := false
	for {
		if len(v) < limit-spent {
			printf("%s", v)
			break
		}
		var i int
		for i = limit - spent - 1; i > 0; i-- {
			if v[i] == ' ' {
				break
			}
		}
		if i == 0 {
			if limit == 78 {
				limit = 998
				continue
			}
			i = 998 - spent
		}
		if firstPass {
			printf("%s", v[:i])
			firstPass = false
		} else {
			printf("%s\r\n%s", v[:i], padding)
		}
		spent = len(padding)
		limit = 78
		v = v[i:]
	}
	printf("\r\n")
	return n, nil
}

// Header is a MIME-style header.
type Header struct {
	Entries []HeaderEntry
	Index   map[Key][][]byte
}

func (h *Header) Add(k Key, v []byte) {
	h.Entries = append(h.Entries, HeaderEntry{Key: k, Value: v})
	if h.Index == nil {
		h.Index = make(map[Key][][]byte)
	}
	h.Index[k] = append(h.Index[k], v)
}

func (h *Header) Get(k Key) []byte {
	if h.Index == nil {
		h.Index = make(map[Key][][]byte)
		for _, entry := range h.Entries {
			h.Index[entry.Key] = append(h.Index[entry.Key], entry.Value)
		}
	}
	vals := h.Index[k]
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

func (h *Header) Del(k Key) {
	var e []HeaderEntry
	for _, entry := range h.Entries {
		if entry.Key != k {
			e = append(e, entry)
		}
	}
	h.Entries = e
	if h.Index != nil {
		delete(h.Index, k)
	}
}

func (h *Header) Encode(w io.Writer) (n int, err error) {
	for _, entry := range h.Entries {
		n2, err := entry.Encode(w)
		n += n2
		if err != nil {
			return n, err
		}
	}
	n2, err := io.WriteString(w, "\r\n")
	n += n2
	return n, err
}

func (h Header) String() string {
	buf := new(bytes.Buffer)
	if _, err := h.Encode(buf); err != nil {
		return fmt.Sprintf("mail.Header(encode error: %v)", err)
	}
	return buf.String()
}

// AsMap folds the header into a lowercase-key map of first-value
// strings, the shape the headers document (hdoc) persists.
func (h Header) AsMap() map[string]string {
	m := make(map[string]string, len(h.Entries))
	seen := make(map[Key]bool, len(h.Entries))
	for _, entry := range h.Entries {
		if seen[entry.Key] {
			continue
		}
		seen[entry.Key] = true
		m[asciiLowerString(string(entry.Key))] = string(entry.Value)
	}
	return m
}

// CanonicalKey builds a MIME header key out of bytes.
// It usually does this without allocating.
func CanonicalKey(keyBytes []byte) Key {
	b := make([]byte, 0, 64)
	b = append(b, keyBytes...)
	asciiLower(b)

	switch string(b) {
	case "subject":
		return "Subject"
	case "date":
		return "Date"
	case "to":
		return "To"
	case "from":
		return "From"
	case "cc":
		return "CC"
	case "bcc":
		return "BCC"
	case "content-id":
		return "Content-ID"
	case "content-disposition":
		return "Content-Disposition"
	case "content-length":
		return "Content-Length"
	case "content-type":
		return "Content-Type"
	case "content-transfer-encoding":
		return "Content-Transfer-Encoding"
	case "received":
		return "Received"
	case "return-path":
		return "Return-Path"
	case "message-id":
		return "Message-ID"
	case "mime-version":
		return "MIME-Version"
	case "reply-to":
		return "Reply-To"
	case "references":
		return "References"
	case "in-reply-to":
		return "In-Reply-To"
	case "delivered-to":
		return "Delivered-To"
	default:
		// Capitalize each letter following a '-'.
		for i, c := range b {
			if 'a' <= c && c <= 'z' {
				if i == 0 || (i > 0 && b[i-1] == '-') {
					b[i] -= 'a' - 'A'
				}
			}
		}
		return Key(b)
	}
}

func asciiLower(data []byte) {
	for i, b := range data {
		if b >= 'A' && b <= 'Z' {
			data[i] = b + ('a' - 'A')
		}
	}
}

func asciiLowerString(s string) string {
	b := []byte(s)
	asciiLower(b)
	return string(b)
}
