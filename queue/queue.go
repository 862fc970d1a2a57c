package queue

import (
	"context"
	"iter"
	"sync"
)

type queueImpl[X any] struct {
	head   int
	events []X
	subs   map[int]int

	cond *sync.Cond

	observerHigh int
}

func (q *queueImpl[X]) Push(all ...X) (trimmed bool) {
	if len(all) == 0 {
		return false // broadcast would be wasteful
	}

	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	q.head += len(all)

	if len(q.subs) == 0 {
		q.events = nil
		return false // we can literally drop all, noone cares
	}

	q.events = append(q.events, all...)
	q.cond.Broadcast()

	// we have the lock again, can now check who broadcast stuff and trim events
	// if something was trimmed, we know that someone consumed us
	return q.trimEvents()
}

func (q *queueImpl[X]) Join(ctx context.Context, accept func(X) bool) (l Listener[X]) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	who := q.observerHigh
	q.observerHigh++

	context.AfterFunc(ctx, func() {
		q.cond.L.Lock()
		defer q.cond.L.Unlock()

		delete(q.subs, who)
		q.trimEvents() // we can purge events

		// wake up everyone
		// TODO: bad for large numbers of queue listeners, they all have to check if they're evicted
		q.cond.Broadcast()
	})

	q.subs[who] = q.head

	return &queueListener[X]{q: q, who: who, accept: accept}
}

// trimEvents must be called under lock.
func (q *queueImpl[X]) trimEvents() (trimmed bool) {
	// TODO: "slow" for large numbers of subs (O(n))
	m := q.head
	for _, cand := range q.subs {
		m = min(cand, m)
	}
	if m == q.head {
		if len(q.events) > 0 {
			q.events = nil
			return true // we always had at least one event, someone consumed it
		}
		return false
	}

	start := q.head - len(q.events)
	strip := m - start
	if strip > 0 {
		clear(q.events[:strip]) // release references
		q.events = q.events[strip:]
		return true // someone consumed an event
	}
	return false
}

// wait blocks until there are events for who, and passes them to handler under lock.
func (q *queueImpl[X]) wait(who int, handler func(avail []X) (consume int)) (ok bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	for {
		last, ok := q.subs[who]
		if !ok {
			// either wrong, OR we got done for
			return false
		}

		if last == q.head {
			q.cond.Wait()
			continue
		}

		start := q.head - len(q.events)
		skip := last - start
		toSend := q.events[skip:]

		consumed := handler(toSend)
		if consumed < 0 {
			panic("must consume zero or +ve queue entries")
		}

		consumed = min(consumed, len(toSend))
		q.subs[who] = last + consumed // move past consumed
		return true
	}
}

type queueListener[X any] struct {
	q      *queueImpl[X]
	who    int
	accept func(X) bool
}

func (ql *queueListener[X]) accepts(x X) bool {
	return ql.accept == nil || ql.accept(x)
}

func (ql *queueListener[X]) Batch() (out []X) {
	for {
		alive := ql.q.wait(ql.who, func(avail []X) (consume int) {
			for _, x := range avail {
				if ql.accepts(x) {
					out = append(out, x)
				}
			}
			return len(avail)
		})
		if !alive || len(out) != 0 {
			return out
		}
	}
}

func (ql *queueListener[X]) BatchIter() (it iter.Seq[[]X]) {
	return func(yield func([]X) bool) {
		for {
			batch := ql.Batch()
			if len(batch) == 0 {
				return
			}
			if !yield(batch) {
				return
			}
		}
	}
}

func (ql *queueListener[X]) Lag() (lag int) {
	q := ql.q

	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	last, ok := q.subs[ql.who]
	if !ok {
		return 0
	}
	if ql.accept == nil {
		return q.head - last
	}

	start := q.head - len(q.events)
	for _, x := range q.events[last-start:] {
		if ql.accepts(x) {
			lag++
		}
	}
	return lag
}
