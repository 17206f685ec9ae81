package collection

import "mailvault.dev/memstore"

// FlagMode mirrors IMAP STORE's three modes: remove, replace, add.
type FlagMode int

const (
	FlagRemove  FlagMode = -1
	FlagReplace FlagMode = 0
	FlagAdd     FlagMode = 1
)

// SetFlags applies mode's set operation with the given flags to
// every uid, marks each touched container dirty, and invokes
// observer with the resulting uid -> new-flags map once all the
// updates are queued. \Recent is stripped from an add or replace
// delta: a store can clear \Recent but never set it.
func (c *Collection) SetFlags(uids []uint32, flags []string, mode FlagMode, observer func(map[uint32][]string)) {
	if mode == FlagAdd || mode == FlagReplace {
		flags = stripRecent(flags)
	}

	result := make(map[uint32][]string, len(uids))
	for _, uid := range uids {
		key := memstore.Key{Mbox: c.Mbox, UID: uid}
		container := c.Memstore.GetMessage(key, false)
		if container == nil || container.Flags == nil {
			continue
		}
		container.Flags.Flags = applyFlagMode(container.Flags.Flags, flags, mode)
		container.Flags.RecomputeDerived()
		c.Memstore.PutMessage(key, container)
		result[uid] = container.Flags.Flags
	}
	if observer != nil {
		observer(result)
	}
}

func applyFlagMode(current, delta []string, mode FlagMode) []string {
	switch mode {
	case FlagReplace:
		out := dedupFlags(delta)
		// \Recent survives a replace; it is cleared only by an
		// explicit remove or by UnsetRecentFlags.
		if containsFlag(current, `\Recent`) && !containsFlag(out, `\Recent`) {
			out = append(out, `\Recent`)
		}
		return out
	case FlagAdd:
		return dedupFlags(append(append([]string{}, current...), delta...))
	case FlagRemove:
		var out []string
		for _, f := range current {
			if !containsFlag(delta, f) {
				out = append(out, f)
			}
		}
		return out
	default:
		return current
	}
}

func stripRecent(flags []string) []string {
	var out []string
	for _, f := range flags {
		if f != `\Recent` {
			out = append(out, f)
		}
	}
	return out
}

func dedupFlags(flags []string) []string {
	seen := make(map[string]bool, len(flags))
	var out []string
	for _, f := range flags {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func containsFlag(flags []string, target string) bool {
	for _, f := range flags {
		if f == target {
			return true
		}
	}
	return false
}

// UnsetRecentFlags clears \Recent from every message in the
// mailbox, as happens on SELECT, and stages an emptied recent-flags
// snapshot so the next drain persists the cleared state.
func (c *Collection) UnsetRecentFlags() {
	for _, uid := range c.AllUIDs() {
		key := memstore.Key{Mbox: c.Mbox, UID: uid}
		container := c.Memstore.GetMessage(key, false)
		if container == nil || container.Flags == nil || !container.Flags.Recent {
			continue
		}
		container.Flags.Flags = applyFlagMode(container.Flags.Flags, []string{`\Recent`}, FlagRemove)
		container.Flags.RecomputeDerived()
		c.Memstore.PutMessage(key, container)
	}
	c.Memstore.ClearRecent(c.Mbox)
}
