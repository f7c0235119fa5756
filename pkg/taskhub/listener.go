package taskhub

import "sync"

// listener delivers events to one subscriber through an unbounded queue so
// publishers never wait on a slow reader.
type listener struct {
	id  uint64
	out chan Event

	mu       sync.Mutex
	queue    []Event
	finished bool // no more events will be pushed; close out once drained
	closed   bool

	notify chan struct{}
	done   chan struct{}
}

func newListener(id uint64, backlog []Event) *listener {
	l := &listener{
		id:     id,
		out:    make(chan Event),
		queue:  backlog,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.pump()
	return l
}

func (l *listener) push(ev Event) {
	l.mu.Lock()
	if l.closed || l.finished {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, ev)
	l.mu.Unlock()
	l.wake()
}

func (l *listener) finish() {
	l.mu.Lock()
	l.finished = true
	l.mu.Unlock()
	l.wake()
}

func (l *listener) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	close(l.done)
}

func (l *listener) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *listener) pump() {
	defer close(l.out)
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			finished := l.finished
			l.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-l.notify:
				continue
			case <-l.done:
				return
			}
		}
		ev := l.queue[0]
		l.queue[0] = Event{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		select {
		case l.out <- ev:
		case <-l.done:
			return
		}
	}
}

// Subscription is a live view of one task's events. C yields the retained
// history first and then every later event; it is closed after the task's
// terminal event has been delivered or when Unsubscribe is called.
//
// A subscriber that stops reading C before it is closed must call
// Unsubscribe, otherwise its delivery goroutine stays blocked.
type Subscription struct {
	TaskID string
	C      <-chan Event

	hub  *Hub
	l    *listener
	once sync.Once
}

// Unsubscribe detaches the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.detach(s.TaskID, s.l.id)
		s.l.close()
	})
}
