package dedup

import (
	"strings"

	"github.com/pixdesk/ledgersync/internal/model"
)

// Keys returns every merge key for m, natural keys first.
func Keys(m model.Movement) []string {
	keys := make([]string, 0, 3)
	if e2e := strings.ToUpper(strings.TrimSpace(m.EndToEndID)); e2e != "" {
		keys = append(keys, "e2e:"+e2e)
	}
	if tx := strings.TrimSpace(m.TransactionID); tx != "" {
		keys = append(keys, "tx:"+tx)
	}
	// Provider-local ids are unique within a provider, so the alias is safe
	// to carry even when a natural key exists.
	if m.Provider != "" && m.ID != "" {
		keys = append(keys, "id:"+string(m.Provider)+":"+m.ID)
	}
	if len(keys) == 0 && m.ID != "" {
		keys = append(keys, "id::"+m.ID)
	}
	return keys
}

// Key returns the primary merge key for m.
func Key(m model.Movement) string {
	keys := Keys(m)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// Same reports whether a and b describe the same event.
func Same(a, b model.Movement) bool {
	for _, ka := range Keys(a) {
		for _, kb := range Keys(b) {
			if ka == kb {
				return true
			}
		}
	}
	return false
}

// Union merges two key sets preserving order and dropping repeats.
func Union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, k := range set {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
