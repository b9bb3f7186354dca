package channel

import (
	"sync"
	"sync/atomic"
)

// opQueue is a FIFO of pending ops. Push is safe to call concurrently from
// any goroutine; Front/Pop/Empty are only ever called from within the
// owning strand, but are still guarded here since Push can race with them.
type opQueue struct {
	mu    sync.Mutex
	items []Op
}

func (q *opQueue) Push(op Op) {
	q.mu.Lock()
	q.items = append(q.items, op)
	q.mu.Unlock()
}

func (q *opQueue) Front() Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *opQueue) Pop() {
	q.mu.Lock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
	q.mu.Unlock()
}

func (q *opQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// pipeline drives one direction's queue (send or recv) against the
// channel's socket, one op at a time, entirely within its own strand
// (spec.md §4.3). Send and recv are structurally identical modulo which
// socket call an op exercises, so one type serves both directions; each
// Channel owns two independent instances.
type pipeline struct {
	core   *channelCore
	strand *strandExecutor
	queue  *opQueue
	label  string

	idle       bool
	cancelling bool
	totalBytes uint64
}

func newPipeline(core *channelCore, strand *strandExecutor, label string) *pipeline {
	return &pipeline{core: core, strand: strand, queue: &opQueue{}, label: label, idle: true}
}

// Enqueue is callable from any goroutine (spec.md §4.3 "Enqueue").
func (p *pipeline) Enqueue(op Op) {
	p.queue.Push(op)
	p.strand.Post(func() {
		if p.idle && !p.queue.Empty() {
			p.idle = false
			p.drive()
		}
	})
}

// drive runs inside the strand.
func (p *pipeline) drive() {
	if p.cancelling {
		p.cancelQueue()
		return
	}
	front := p.queue.Front()
	if front == nil {
		p.idle = true
		return
	}
	front.AsyncPerform(p.core, func(err error, n int) {
		p.strand.Post(func() { p.onDone(err, n) })
	})
}

// onDone runs inside the strand.
func (p *pipeline) onDone(err error, n int) {
	atomic.AddUint64(&p.totalBytes, uint64(n))

	if err == nil || err == ErrCloseChannel {
		p.queue.Pop()
		if err != nil {
			p.core.noteCloseArrival()
			return
		}
		if !p.queue.Empty() {
			p.drive()
		} else {
			p.idle = true
		}
		return
	}

	p.queue.Pop()
	logger.Warnw("network "+p.label+" error",
		"local", p.core.localName, "remote", p.core.remoteName, "error", err)
	p.cancelQueue()
}

// cancelQueue runs inside the strand; it cancels every remaining op,
// including one currently in flight, until the queue drains to empty.
func (p *pipeline) cancelQueue() {
	p.cancelling = true

	front := p.queue.Front()
	if front == nil {
		p.idle = true
		return
	}
	front.AsyncCancel(p.core, func(err error, n int) {
		p.strand.Post(func() {
			p.queue.Pop()
			// Dropped user ops also report ErrCloseChannel; only the
			// terminal closeOp counts toward the close rendezvous.
			if _, terminal := front.(*closeOp); terminal && err == ErrCloseChannel {
				p.core.noteCloseArrival()
			} else {
				p.cancelQueue()
			}
		})
	})
}
