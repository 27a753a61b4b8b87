package dedup

// Index maps merge keys to values. It is not safe for concurrent use; owners
// guard it with their own lock.
type Index[V comparable] struct {
	byKey map[string]V
}

// NewIndex creates an empty index.
func NewIndex[V comparable]() *Index[V] {
	return &Index[V]{byKey: make(map[string]V)}
}

// Lookup returns the value stored under any of keys.
func (ix *Index[V]) Lookup(keys []string) (V, bool) {
	for _, k := range keys {
		if v, ok := ix.byKey[k]; ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Put stores v under every key.
func (ix *Index[V]) Put(keys []string, v V) {
	for _, k := range keys {
		ix.byKey[k] = v
	}
}

// Delete removes keys that still point at v.
func (ix *Index[V]) Delete(keys []string, v V) {
	for _, k := range keys {
		if cur, ok := ix.byKey[k]; ok && cur == v {
			delete(ix.byKey, k)
		}
	}
}

// Len returns the number of keys, not values.
func (ix *Index[V]) Len() int {
	return len(ix.byKey)
}

// Reset drops every key.
func (ix *Index[V]) Reset() {
	ix.byKey = make(map[string]V)
}
