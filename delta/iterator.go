package delta

import "sort"

// Iterator is a lazy sequence of state changes accumulated since the
// previous snapshot. Keys are produced in ascending binary order; a nil
// value marks a deletion.
type Iterator interface {
	// Next moves the iterator to the next change.
	// It returns false when the sequence is exhausted.
	Next() bool

	// Key returns the state key of the current change.
	Key() []byte

	// Value returns the new value of the current change, or nil for a
	// deletion.
	Value() []byte

	// Error returns any accumulated error. Exhausting the sequence is not
	// an error.
	Error() error

	// Release releases associated resources. It can be called multiple
	// times.
	Release()
}

type change struct {
	key   []byte
	value []byte
}

// Changes is an in-memory change set. It is the iterator source used by
// full sync and by tests; the execution engine feeds the manager with its
// own trie-backed implementation.
type Changes struct {
	changes []change
}

func NewChanges() *Changes {
	return &Changes{}
}

// Set records an insert or update of key.
func (c *Changes) Set(key, value []byte) {
	c.changes = append(c.changes, change{key: append([]byte{}, key...), value: append([]byte{}, value...)})
}

// Delete records a deletion of key.
func (c *Changes) Delete(key []byte) {
	c.changes = append(c.changes, change{key: append([]byte{}, key...), value: nil})
}

func (c *Changes) Len() int {
	return len(c.changes)
}

// Iterator returns an iterator over the change set in ascending key order.
// Later changes to the same key shadow earlier ones.
func (c *Changes) Iterator() Iterator {
	dedup := make(map[string]int, len(c.changes))
	for i, ch := range c.changes {
		dedup[string(ch.key)] = i
	}

	ordered := make([]change, 0, len(dedup))

	for _, i := range dedup {
		ordered = append(ordered, c.changes[i])
	}

	sort.Slice(ordered, func(i, j int) bool {
		return string(ordered[i].key) < string(ordered[j].key)
	})

	return &changesIterator{changes: ordered, pos: -1}
}

type changesIterator struct {
	changes []change
	pos     int
}

func (it *changesIterator) Next() bool {
	if it.pos >= len(it.changes) {
		return false
	}

	it.pos++

	return it.pos < len(it.changes)
}

func (it *changesIterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.changes) {
		return nil
	}

	return it.changes[it.pos].key
}

func (it *changesIterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.changes) {
		return nil
	}

	return it.changes[it.pos].value
}

func (it *changesIterator) Error() error {
	return nil
}

func (it *changesIterator) Release() {
	it.changes = nil
	it.pos = 0
}
