package parse

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"io"
	"mime"
	"strings"

	"crawshaw.io/iox"

	"mailvault.dev/imf"
	"mailvault.dev/mail"
)

// PartInfo is one entry of a pre-order (depth-first) walk of a
// message's MIME structure: the root header, then each subpart in
// turn, descending into multiparts before moving to the next sibling.
// It carries exactly the structural information the walker needs to
// reconstruct the canonical part tree: whether this position is a
// multipart container and, if so, how many immediate children follow
// it in the same pre-order sequence.
type PartInfo struct {
	Multi       bool
	ContentType string
	Headers     mail.Header
	NumSubparts int // 1 for a leaf; count of immediate children for a multipart
}

// Msg is a parsed RFC 822 message: the top-level header, a pre-order
// structural walk of the MIME tree (PartInfo), and the ordered content
// of each leaf part (Parts, in the same relative order as the
// Multi==false entries of Tree).
type Msg struct {
	Headers mail.Header
	Tree    []PartInfo
	Parts   []mail.Part
	RawHash []byte // sha256 of the exact input bytes
}

func (m *Msg) Close() {
	for i := range m.Parts {
		if m.Parts[i].Content != nil {
			m.Parts[i].Content.Close()
			m.Parts[i].Content = nil
		}
	}
}

// Parse reads a raw RFC 822 message from src, recursively descending
// into multipart boundaries. Transfer encoding (base64,
// quoted-printable) is left untouched in Part.Content: the payload
// hash the walker computes, and the bytes a content document stores,
// are of the wire-encoded form, exactly as the message arrived.
//
// Parse computes RawHash over the exact bytes read from src, so a
// caller that wants the raw digest should not wrap src in anything
// that reorders or drops bytes.
func Parse(filer *iox.Filer, src io.Reader) (msgPtr *Msg, err error) {
	msg := new(Msg)
	defer func() {
		if err != nil {
			msg.Close()
		}
	}()

	h := sha256.New()
	r := bufio.NewReader(io.TeeReader(src, h))

	imfr := imf.NewReader(r)
	msg.Headers, err = imfr.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("mail.Parse: reading headers: %v", err)
	}

	if err := msg.walk(filer, msg.Headers, r); err != nil {
		return nil, fmt.Errorf("mail.Parse: %v", err)
	}

	msg.RawHash = h.Sum(nil)
	return msg, nil
}

// walk performs the pre-order descent, appending to m.Tree and
// m.Parts as it goes. For a multipart node it patches the node's own
// PartInfo.NumSubparts once its children have been counted.
func (m *Msg) walk(filer *iox.Filer, hdr mail.Header, r io.Reader) error {
	mediaType, params, err := mime.ParseMediaType(string(hdr.Get("Content-Type")))
	if err != nil {
		mediaType, params = "text/plain", nil
	}

	// message/delivery-status is structurally atomic: it is never
	// multipart in practice, but some generators attach a nested
	// report body that would otherwise be walked as a child. Treat it
	// as a single leaf regardless of Content-Type.
	if mediaType == "message/delivery-status" {
		return m.appendLeaf(filer, hdr, mediaType, r)
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		return m.appendLeaf(filer, hdr, mediaType, r)
	}

	idx := len(m.Tree)
	m.Tree = append(m.Tree, PartInfo{Multi: true, ContentType: mediaType, Headers: hdr})

	mr := imf.NewMultipartReader(r, params["boundary"])
	children := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("corrupt mime part: %v", err)
		}
		if err := m.walk(filer, part.Header, part); err != nil {
			return err
		}
		children++
	}
	m.Tree[idx].NumSubparts = children
	if children == 0 {
		// An empty multipart has nothing to descend into; record it as
		// a single empty leaf so Parts stays aligned with the
		// Multi==false entries of Tree.
		m.Tree = m.Tree[:idx]
		return m.appendLeaf(filer, hdr, mediaType, strings.NewReader(""))
	}
	return nil
}

func (m *Msg) appendLeaf(filer *iox.Filer, hdr mail.Header, mediaType string, r io.Reader) error {
	disposition, dparams, _ := mime.ParseMediaType(string(hdr.Get("Content-Disposition")))
	_, params, _ := mime.ParseMediaType(string(hdr.Get("Content-Type")))
	fileName := dparams["filename"]
	if fileName == "" {
		fileName = params["name"]
	}
	contentID := strings.TrimSuffix(strings.TrimPrefix(string(hdr.Get("Content-ID")), "<"), ">")

	buf := filer.BufferFile(0)
	if _, err := io.Copy(buf, r); err != nil {
		buf.Close()
		return err
	}
	if _, err := buf.Seek(0, 0); err != nil {
		buf.Close()
		return err
	}

	m.Tree = append(m.Tree, PartInfo{Multi: false, ContentType: mediaType, Headers: hdr, NumSubparts: 1})
	m.Parts = append(m.Parts, mail.Part{
		PartNum:                 len(m.Parts),
		ContentType:             mediaType,
		ContentDisposition:      strings.ToLower(disposition),
		ContentID:               contentID,
		ContentTransferEncoding: strings.ToLower(string(hdr.Get("Content-Transfer-Encoding"))),
		Name:                    fileName,
		Content:                 buf,
	})
	return nil
}
