package writer

import (
	"sync"

	"github.com/pixdesk/ledgersync/internal/dedup"
	"github.com/pixdesk/ledgersync/internal/model"
	"github.com/pixdesk/ledgersync/internal/router"
)

type mirrored struct {
	key  string
	keys []string
	mv   model.Movement
}

// Mirror remembers what was last queued per account and turns feed snapshots
// into the minimal set of Records for the writer.
type Mirror struct {
	out *router.GrowableBuffer[Record]

	mu       sync.Mutex
	accounts map[string]*dedup.Index[*mirrored]
}

// NewMirror creates a Mirror that queues into out.
func NewMirror(out *router.GrowableBuffer[Record]) *Mirror {
	return &Mirror{
		out:      out,
		accounts: make(map[string]*dedup.Index[*mirrored]),
	}
}

// Sync queues every movement in feed that is new or changed since the last
// call for accountID and returns how many were queued. Movements that left
// the feed are not deleted; the table keeps history across filter changes.
func (m *Mirror) Sync(accountID string, feed []model.Movement) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.accounts[accountID]
	if !ok {
		idx = dedup.NewIndex[*mirrored]()
		m.accounts[accountID] = idx
	}

	queued := 0
	for _, mv := range feed {
		keys := dedup.Keys(mv)
		if len(keys) == 0 {
			continue
		}
		key := keys[0]

		prev, found := idx.Lookup(keys)
		if found && prev.key == key && prev.mv.Source == mv.Source && !prev.mv.Differs(mv) {
			continue
		}

		r := Record{AccountID: accountID, Movement: mv}
		next := &mirrored{key: key, keys: keys, mv: mv}
		if found {
			if prev.key != key {
				r.Replaces = prev.key
			}
			idx.Delete(prev.keys, prev)
			next.keys = dedup.Union(prev.keys, keys)
		}
		idx.Put(next.keys, next)

		if m.out.Send(r) {
			queued++
		}
	}
	return queued
}

// Forget drops the remembered state for accountID so the next Sync queues
// the whole feed again.
func (m *Mirror) Forget(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, accountID)
}
