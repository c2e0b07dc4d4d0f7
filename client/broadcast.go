package client

import (
	"sync"

	oa "github.com/panyam/monitorauth"
)

// stateBroadcaster fans the published session state out to subscribers.
// Each subscriber channel holds at most the latest state; slow readers skip
// intermediate values but always see the most recent one.
type stateBroadcaster struct {
	mu      sync.Mutex
	current oa.SessionState
	subs    map[int]chan oa.SessionState
	nextID  int
}

func newStateBroadcaster(initial oa.SessionState) *stateBroadcaster {
	return &stateBroadcaster{
		current: initial,
		subs:    make(map[int]chan oa.SessionState),
	}
}

func (b *stateBroadcaster) subscribe() (<-chan oa.SessionState, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan oa.SessionState, 1)
	ch <- b.current
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (b *stateBroadcaster) publish(s oa.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == b.current {
		return
	}
	b.current = s
	for _, ch := range b.subs {
		// only publish sends, under b.mu, so after the drain the send cannot block
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
