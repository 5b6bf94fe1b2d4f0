package syncer

import (
	"sync"
	"time"
)

// Status is the read model behind the UI sync indicator.
type Status struct {
	Online         bool       `json:"online"`
	State          string     `json:"state"`
	PendingChanges int        `json:"pendingChanges"`
	LastSynced     *time.Time `json:"lastSynced"`
	Error          string     `json:"error,omitempty"`
	Syncing        bool       `json:"syncing"`
}

// statusBoard holds the current Status and fans changes out to subscribers.
type statusBoard struct {
	mu     sync.Mutex
	status Status
	nextID int64
	subs   map[int64]chan Status
}

func newStatusBoard(initial Status) *statusBoard {
	return &statusBoard{status: initial, subs: make(map[int64]chan Status)}
}

func (b *statusBoard) get() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// update applies fn and publishes the result if anything changed.
func (b *statusBoard) update(fn func(s *Status)) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	before := b.status
	fn(&b.status)
	if !equalStatus(before, b.status) {
		for _, ch := range b.subs {
			publishStatus(ch, b.status)
		}
	}
	return b.status
}

func (b *statusBoard) subscribe() (<-chan Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Status, 8)
	ch <- b.status
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if ch, ok := b.subs[id]; ok {
				close(ch)
				delete(b.subs, id)
			}
		})
	}
}

func (b *statusBoard) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func publishStatus(ch chan Status, status Status) {
	for {
		select {
		case ch <- status:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func equalStatus(a, b Status) bool {
	if (a.LastSynced == nil) != (b.LastSynced == nil) {
		return false
	}
	if a.LastSynced != nil && !a.LastSynced.Equal(*b.LastSynced) {
		return false
	}
	return a.Online == b.Online && a.State == b.State && a.PendingChanges == b.PendingChanges &&
		a.Error == b.Error && a.Syncing == b.Syncing
}
