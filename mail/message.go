package mail

import (
	"io"
)

// Buffer is a seekable, sized byte store for message part content.
//
// It is usually a *crawshaw.io/iox.BufferFile, both while content is
// being assembled and when docdb.GetContent loads a payload back out
// of the permanent store.
type Buffer interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Size() int64
}

// Part is a single leaf of a decoded MIME tree, as produced by reading
// the raw message and splitting it on multipart boundaries. It is the
// walker's input, not its output: the walker turns an ordered []Part
// plus the Msg.Tree structure into the canonical part_map tree.
type Part struct {
	PartNum int // position among leaves, in pre-order

	ContentType             string
	ContentDisposition      string
	ContentID               string
	ContentTransferEncoding string
	Name                    string

	Content Buffer // raw, un-transfer-decoded payload bytes
}
