package imf

import (
	"io"
	"mime/multipart"

	"mailvault.dev/mail"
)

// MultipartReader splits r on the given MIME boundary, surfacing each
// part's header as a mail.Header instead of the standard library's
// textproto.MIMEHeader so callers stay inside the mail package's
// types all the way down the part tree.
type MultipartReader struct {
	mr *multipart.Reader
}

func NewMultipartReader(r io.Reader, boundary string) *MultipartReader {
	return &MultipartReader{mr: multipart.NewReader(r, boundary)}
}

// Part is a single multipart body section: its header and its
// (still transfer-encoded) content as an io.Reader.
type Part struct {
	Header mail.Header
	io.Reader
}

func (m *MultipartReader) NextPart() (*Part, error) {
	p, err := m.mr.NextPart()
	if err != nil {
		return nil, err
	}
	hdr := mail.Header{Index: make(map[mail.Key][][]byte)}
	for k, vv := range p.Header {
		key := mail.CanonicalKey([]byte(k))
		for _, v := range vv {
			hdr.Add(key, []byte(v))
		}
	}
	return &Part{Header: hdr, Reader: p}, nil
}
