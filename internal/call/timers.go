package call

import (
	"container/heap"
	"sync"
	"time"

	"github.com/fatihtunali/whisper2-sub005/internal/clock"
)

// timerWheel is a single-goroutine deadline scheduler for call timeouts.
// One heap, one timer; cancellation marks the entry dead rather than
// re-heapifying.
type timerWheel struct {
	clk  clock.Clock
	fire func(callID string)

	mu      sync.Mutex
	entries deadlineHeap
	live    map[string]*deadline
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

type deadline struct {
	callID string
	at     time.Time
	dead   bool
	index  int
}

func newTimerWheel(clk clock.Clock, fire func(callID string)) *timerWheel {
	w := &timerWheel{
		clk:  clk,
		fire: fire,
		live: make(map[string]*deadline),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *timerWheel) schedule(callID string, at time.Time) {
	w.mu.Lock()
	if prev, ok := w.live[callID]; ok {
		prev.dead = true
	}
	d := &deadline{callID: callID, at: at}
	w.live[callID] = d
	heap.Push(&w.entries, d)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *timerWheel) cancel(callID string) {
	w.mu.Lock()
	if d, ok := w.live[callID]; ok {
		d.dead = true
		delete(w.live, callID)
	}
	w.mu.Unlock()
}

func (w *timerWheel) stop() {
	w.once.Do(func() { close(w.done) })
}

// tick fires every lapsed deadline and returns the wait until the next one.
// Exposed to the run loop and to tests driving a fake clock.
func (w *timerWheel) tick() time.Duration {
	now := w.clk.Now()
	for {
		w.mu.Lock()
		if w.entries.Len() == 0 {
			w.mu.Unlock()
			return time.Minute
		}
		next := w.entries[0]
		if next.dead {
			heap.Pop(&w.entries)
			w.mu.Unlock()
			continue
		}
		if next.at.After(now) {
			wait := next.at.Sub(now)
			w.mu.Unlock()
			return wait
		}
		heap.Pop(&w.entries)
		delete(w.live, next.callID)
		w.mu.Unlock()

		w.fire(next.callID)
	}
}

func (w *timerWheel) run() {
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()
	for {
		wait := w.tick()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-w.wake:
		case <-w.done:
			return
		}
	}
}

type deadlineHeap []*deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	d := x.(*deadline)
	d.index = len(*h)
	*h = append(*h, d)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}
