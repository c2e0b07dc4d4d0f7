package client

import (
	"context"
	"sync"
	"time"
)

// refreshScheduler runs onTick every interval while started. There is at most
// one tick loop at a time: start replaces a running loop.
type refreshScheduler struct {
	interval time.Duration
	onTick   func()

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
	starts int
	wg     sync.WaitGroup
}

func newRefreshScheduler(interval time.Duration, onTick func()) *refreshScheduler {
	return &refreshScheduler{interval: interval, onTick: onTick}
}

// start (re)starts the tick loop. It never blocks on a running tick.
func (s *refreshScheduler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.starts++
	s.wg.Add(1)
	go s.run(ctx)
}

// stop ends the tick loop. A tick already in progress runs to completion.
func (s *refreshScheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// close stops the loop for good and waits for it to exit
func (s *refreshScheduler) close() {
	s.mu.Lock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *refreshScheduler) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *refreshScheduler) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *refreshScheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a stop may have raced with the tick
			if ctx.Err() != nil {
				return
			}
			s.onTick()
		}
	}
}
