// Package device implements the top-level GPU device: the single-threaded
// request queue that owns all hardware state mutation, the interrupt
// pipeline, hang detection and recovery, and the client-facing submission
// surface.
package device

import (
	"container/list"
	"sync"

	"github.com/gpudrv/intelgen/hooking"
)

// HookPosRequestEnqueue marks when a request enters the device queue.
var HookPosRequestEnqueue = &hooking.HookPos{Name: "Request Enqueue"}

// HookPosRequestProcess marks when the device thread picks up a request.
var HookPosRequestProcess = &hooking.HookPos{Name: "Request Process"}

// A requestQueue is the many-producer single-consumer handoff into the
// device thread. Producers append (or prepend, for priority requests) and
// wake the consumer; only the device thread ever removes.
type requestQueue struct {
	hooking.HookableBase

	mu    sync.Mutex
	items *list.List
	wake  chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		items: list.New(),
		wake:  make(chan struct{}, 1),
	}
}

// Enqueue appends r; with front set, r jumps the backlog so priority work
// (diagnostic dumps) cannot be starved.
func (q *requestQueue) Enqueue(r Request, front bool) {
	q.mu.Lock()
	if front {
		q.items.PushFront(r)
	} else {
		q.items.PushBack(r)
	}
	q.mu.Unlock()

	if q.NumHooks() > 0 {
		q.InvokeHook(hooking.HookCtx{
			Domain: q,
			Pos:    HookPosRequestEnqueue,
			Item:   r,
		})
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// DrainAll removes and returns every queued request in order. The device
// thread drains fully on each wake so a burst cannot grow latency without
// bound.
func (q *requestQueue) DrainAll() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil
	}

	out := make([]Request, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Request))
	}
	q.items.Init()

	return out
}

// Len returns the queued request count.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Len()
}
