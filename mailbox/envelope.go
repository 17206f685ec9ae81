package mailbox

import (
	"mailvault.dev/imf"
	"mailvault.dev/mail"
)

// Envelope is the parsed message summary a FETCH ENVELOPE response
// carries: the date, subject, and the six address fields, with
// Sender and Reply-To defaulting to From when absent, per RFC 3501's
// envelope structure rules.
type Envelope struct {
	Date      string
	Subject   string
	From      []*mail.Address
	Sender    []*mail.Address
	ReplyTo   []*mail.Address
	To        []*mail.Address
	CC        []*mail.Address
	BCC       []*mail.Address
	InReplyTo string
	MessageID string
}

// FetchEnvelope assembles an envelope for every message in the given
// UID range from the cached per-mailbox header maps, so a session's
// FETCH ENVELOPE never costs one hdoc round-trip per message.
func (mb *Mailbox) FetchEnvelope(uidLo, uidHi uint32) map[uint32]*Envelope {
	out := make(map[uint32]*Envelope)
	for uid, headers := range mb.FetchHeaders(uidLo, uidHi) {
		out[uid] = envelopeFromHeaders(headers)
	}
	return out
}

func envelopeFromHeaders(h map[string]string) *Envelope {
	env := &Envelope{
		Date:      h["date"],
		Subject:   h["subject"],
		InReplyTo: h["in-reply-to"],
		MessageID: h["message-id"],
	}
	env.From = parseAddrs(h["from"])
	env.Sender = parseAddrs(h["sender"])
	if env.Sender == nil {
		env.Sender = env.From
	}
	env.ReplyTo = parseAddrs(h["reply-to"])
	if env.ReplyTo == nil {
		env.ReplyTo = env.From
	}
	env.To = parseAddrs(h["to"])
	env.CC = parseAddrs(h["cc"])
	env.BCC = parseAddrs(h["bcc"])
	return env
}

// parseAddrs parses an address-list header value. An empty or
// unparseable value yields nil: a malformed address header degrades
// to an absent envelope field rather than failing the whole fetch.
func parseAddrs(v string) []*mail.Address {
	if v == "" {
		return nil
	}
	addrs, err := imf.ParseAddressList(v)
	if err != nil {
		return nil
	}
	return addrs
}
