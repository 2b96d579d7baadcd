package leader

import "sync"

// waker is a broadcast condition variable expressed as a channel: any
// number of goroutines can block on wait() until the next wake() closes the
// channel they're holding, at which point they all unblock simultaneously.
type waker struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWaker() *waker {
	return &waker{ch: make(chan struct{})}
}

// wait returns the channel to select on; it closes at the next wake().
func (w *waker) wait() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// wake releases every goroutine currently blocked in wait().
func (w *waker) wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.ch)
	w.ch = make(chan struct{})
}
