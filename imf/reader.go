// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imf

// Originally from go/src/net/textproto/reader.go.

import (
	"bufio"
	"bytes"

	"mailvault.dev/mail"
)

// A Reader implements convenience methods for reading RFC 822 headers
// from a message byte stream.
type Reader struct {
	R     *bufio.Reader
	buf   []byte // a re-usable buffer for readContinuedLineSlice
	nRead int    // bytes read from R
}

// NewReader returns a new Reader reading from r.
//
// To avoid denial of service attacks, the provided bufio.Reader
// should be reading from an io.LimitReader or similar Reader to bound
// the size of responses.
func NewReader(r *bufio.Reader) *Reader {
	return &Reader{R: r}
}

// NumRead returns the number of bytes read from the underlying
// buffered reader so far.
//
// It assumes that newlines are always \n, not \r\n.
func (r *Reader) NumRead() int { return r.nRead }

func (r *Reader) readLineSlice() ([]byte, error) {
	var line []byte
	for {
		l, more, err := r.R.ReadLine()
		if err != nil {
			return nil, err
		}
		r.nRead += len(l)
		if !more {
			r.nRead += 1 // assume never given \r\n
		}
		if line == nil && !more {
			return l, nil
		}
		line = append(line, l...)
		if !more {
			break
		}
	}
	return line, nil
}

func (r *Reader) readContinuedLineSlice() ([]byte, error) {
	line, err := r.readLineSlice()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 { // blank line - no continuation
		return line, nil
	}

	if r.R.Buffered() > 1 {
		peek, err := r.R.Peek(1)
		if err == nil && isASCIILetter(peek[0]) {
			return trim(line), nil
		}
	}

	r.buf = append(r.buf[:0], trim(line)...)

	for r.skipSpace() > 0 {
		line, err := r.readLineSlice()
		if err != nil {
			break
		}
		r.buf = append(r.buf, ' ')
		r.buf = append(r.buf, trim(line)...)
	}
	return r.buf, nil
}

func (r *Reader) skipSpace() int {
	n := 0
	for {
		c, err := r.R.ReadByte()
		if err != nil {
			break
		}
		if c != ' ' && c != '\t' {
			r.R.UnreadByte()
			break
		}
		n++
	}
	r.nRead += n
	return n
}

// ReadMIMEHeader reads an RFC 822 / MIME-style header from r.
// The header is a sequence of possibly continued Key: Value lines
// ending in a blank line.
func (r *Reader) ReadMIMEHeader() (mail.Header, error) {
	var strs [][]byte
	hint := r.upcomingHeaderNewlines()
	if hint > 0 {
		strs = make([][]byte, hint)
	}

	m := mail.Header{
		Index: make(map[mail.Key][][]byte),
	}

	if buf, err := r.R.Peek(1); err == nil && (buf[0] == ' ' || buf[0] == '\t') {
		line, err := r.readLineSlice()
		if err != nil {
			return m, err
		}
		return m, ProtocolError("malformed MIME header initial line: " + string(line))
	}

	var valErr error
	for {
		kv, err := r.readContinuedLineSlice()
		if len(kv) == 0 {
			if err == nil {
				err = valErr
			}
			return m, err
		}

		i := bytes.IndexByte(kv, ':')
		if i < 0 {
			return m, ProtocolError("malformed MIME header line: " + string(kv))
		}
		endKey := i
		for endKey > 0 && kv[endKey-1] == ' ' {
			endKey--
		}
		key := mail.CanonicalKey(kv[:endKey])

		if key == "" {
			continue
		}

		i++ // skip colon
		for i < len(kv) && (kv[i] == ' ' || kv[i] == '\t') {
			i++
		}
		value := kv[i:]
		if bytes.Index(value, []byte("=?")) >= 0 {
			var valueStr string
			valueStr, err = mimeDecoder.DecodeHeader(string(value))
			value = []byte(valueStr)
		} else {
			vcopy := make([]byte, len(value))
			copy(vcopy, value)
			value = vcopy
		}
		if err != nil {
			if valErr == nil {
				valErr = err
			}
			continue
		}

		vv := m.Index[key]
		if vv == nil && len(strs) > 0 {
			vv, strs = strs[:1:1], strs[1:]
			vv[0] = value
			m.Index[key] = vv
		} else {
			m.Index[key] = append(vv, value)
		}
		m.Entries = append(m.Entries, mail.HeaderEntry{
			Key:   key,
			Value: value,
		})

		if err != nil {
			return m, err
		}
	}
}

// upcomingHeaderNewlines returns an approximation of the number of
// newlines that will be in this header. If it gets confused, it
// returns 0.
func (r *Reader) upcomingHeaderNewlines() (n int) {
	r.R.Peek(1) // force a buffer load if empty
	s := r.R.Buffered()
	if s == 0 {
		return
	}
	peek, _ := r.R.Peek(s)
	for len(peek) > 0 {
		i := bytes.IndexByte(peek, '\n')
		if i < 3 {
			return
		}
		n++
		peek = peek[i+1:]
	}
	return
}
