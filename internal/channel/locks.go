package channel

import "sync"

// LockTable hands out one mutex per channel handle. Replication legs and
// settlement requests for the same channel serialize on it; unrelated
// channels proceed concurrently.
type LockTable struct {
	locks sync.Map // Handle -> *sync.Mutex
}

func NewLockTable() *LockTable {
	return &LockTable{}
}

// Lock acquires the mutex for the given handle, creating it on first use.
func (t *LockTable) Lock(h Handle) {
	m, _ := t.locks.LoadOrStore(h, &sync.Mutex{})
	m.(*sync.Mutex).Lock()
}

func (t *LockTable) Unlock(h Handle) {
	m, ok := t.locks.Load(h)
	if !ok {
		return
	}
	m.(*sync.Mutex).Unlock()
}
