package msgdoc

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"mailvault.dev/mail/walker"
)

// FromWalk turns a walker.Node tree into an hdoc's part_map plus the
// set of cdocs it references, keyed by the same part index the
// Container uses.
func FromWalk(root *walker.Node) (*PartNode, map[int]*CntDoc) {
	cnts := make(map[int]*CntDoc)
	pm := nodeToPartNode(root, cnts)
	return pm, cnts
}

func nodeToPartNode(n *walker.Node, cnts map[int]*CntDoc) *PartNode {
	if n == nil {
		return nil
	}
	if !n.Multi && len(n.PartMap) == 0 {
		// Node.PartNum is a 0-based index into parse.Msg.Parts; the
		// container's part keys are 1-based, like part_map's.
		cnts[n.PartNum+1] = &CntDoc{
			Type:                    "cnt",
			Phash:                   n.Phash,
			ContentType:             n.ContentType,
			ContentDisposition:      n.ContentDisposition,
			ContentTransferEncoding: n.ContentTransferEncoding,
			Size:                    n.Size,
		}
		return &PartNode{
			Multi:                   false,
			ContentType:             n.ContentType,
			Phash:                   n.Phash,
			ContentDisposition:      n.ContentDisposition,
			ContentTransferEncoding: n.ContentTransferEncoding,
			ContentID:               n.ContentID,
			Name:                    n.Name,
		}
	}

	// n.Multi is preserved, not forced: a single-part message's
	// synthetic root is {multi:false, part_map:{1: leaf}}.
	node := &PartNode{
		Multi:       n.Multi,
		ContentType: n.ContentType,
		Headers:     n.Headers,
		PartMap:     make(map[string]*PartNode, len(n.PartMap)),
	}
	for i := 1; i <= len(n.PartMap); i++ {
		node.PartMap[strconv.Itoa(i)] = nodeToPartNode(n.PartMap[i], cnts)
	}
	return node
}

// LeafPhashes returns every leaf's phash in part-index order,
// descending wrapper nodes depth-first. It is how a flags-only
// container finds its content documents when rehydrating from the
// permanent store.
func (n *PartNode) LeafPhashes() []string {
	if n == nil {
		return nil
	}
	if len(n.PartMap) == 0 {
		if n.Phash == "" {
			return nil
		}
		return []string{n.Phash}
	}
	var out []string
	for i := 1; i <= len(n.PartMap); i++ {
		out = append(out, n.PartMap[strconv.Itoa(i)].LeafPhashes()...)
	}
	return out
}

// Chash computes the message-level content hash over its assembled
// canonical form: the hdoc's JSON-stable headers plus the ordered
// concatenation of every leaf's phash. Two messages with identical
// headers and identical part payloads (in the same order) hash
// identically, which is exactly the definition add_msg's
// deduplication check relies on.
func Chash(headers map[string]string, leafPhashes []string) string {
	h := sha256.New()
	for _, k := range sortedKeys(headers) {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(headers[k]))
		h.Write([]byte{0})
	}
	for _, p := range leafPhashes {
		h.Write([]byte(p))
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
