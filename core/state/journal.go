package state

// Journal records undo operations so a transaction, or a nested call frame
// within it, can be rolled back to an earlier snapshot. Every stored value must
// be replaced rather than mutated in place for the undo log to be complete.
type Journal struct {
	entries []func()
}

// NewJournal returns an empty journal.
func NewJournal() *Journal { return &Journal{} }

// Append records an undo operation.
func (j *Journal) Append(undo func()) {
	if j == nil || undo == nil {
		return
	}
	j.entries = append(j.entries, undo)
}

// Snapshot returns an identifier that can later be passed to RevertToSnapshot.
func (j *Journal) Snapshot() int {
	if j == nil {
		return 0
	}
	return len(j.entries)
}

// RevertToSnapshot undoes every change recorded after the snapshot was taken.
func (j *Journal) RevertToSnapshot(id int) {
	if j == nil {
		return
	}
	if id < 0 {
		id = 0
	}
	for i := len(j.entries) - 1; i >= id; i-- {
		j.entries[i]()
	}
	if id < len(j.entries) {
		j.entries = j.entries[:id]
	}
}

// Commit discards the undo log, making all recorded changes permanent.
func (j *Journal) Commit() {
	if j == nil {
		return
	}
	j.entries = nil
}

// Len reports the number of pending undo operations.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	return len(j.entries)
}

// Set assigns v to *p and records the previous value.
func Set[T any](j *Journal, p *T, v T) {
	old := *p
	j.Append(func() { *p = old })
	*p = v
}

// MapSet stores v under k and records how to restore the previous entry.
func MapSet[K comparable, V any](j *Journal, m map[K]V, k K, v V) {
	old, existed := m[k]
	j.Append(func() {
		if existed {
			m[k] = old
			return
		}
		delete(m, k)
	})
	m[k] = v
}

// MapDelete removes k and records how to restore it.
func MapDelete[K comparable, V any](j *Journal, m map[K]V, k K) {
	old, existed := m[k]
	if !existed {
		return
	}
	j.Append(func() { m[k] = old })
	delete(m, k)
}
