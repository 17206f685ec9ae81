// Package account implements the root object bound to one user
// identity: the hierarchical mailbox namespace, subscription state,
// and the create/delete/rename cascades over it.
package account

import (
	"regexp"
	"strings"
)

// Delim is the mailbox hierarchy delimiter.
const Delim = "/"

// Canonicalize applies the Mailbox Parser's naming rules: outer
// whitespace is trimmed, "INBOX" is case-folded to the canonical
// all-caps form regardless of how it was typed, every other name is
// preserved except for doubled or leading/trailing delimiters, which
// are collapsed.
func Canonicalize(name string) string {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	segs := strings.Split(name, Delim)
	out := segs[:0]
	for _, s := range segs {
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return strings.Join(out, Delim)
}

// IsInferior reports whether child is hierarchically inferior to
// parent: a strict prefix match up to the delimiter, so "A/B" is
// inferior to "A" but "AB" is not.
func IsInferior(parent, child string) bool {
	return strings.HasPrefix(child, parent+Delim)
}

// WildcardToRegexp translates an IMAP LIST wildcard pattern into a
// regular expression: "*" matches any sequence of characters,
// including the hierarchy delimiter; "%" matches any sequence that
// does not cross a delimiter.
func WildcardToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '%':
			b.WriteString("[^" + regexp.QuoteMeta(Delim) + "]*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
