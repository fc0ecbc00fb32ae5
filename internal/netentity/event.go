package netentity

// Event is a list of callbacks signalled synchronously in subscription order.
// It is not safe for concurrent use; events are raised and handled on the
// thread that owns the entity store.
type Event[T any] struct {
	handlers []*eventHandler[T]
}

type eventHandler[T any] struct {
	fn func(T)
}

// Subscription detaches a handler when closed. Closing twice is a no-op.
type Subscription struct {
	cancel func()
}

// Close removes the handler from its event.
func (s *Subscription) Close() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
}

// Subscribe registers fn and returns the subscription that removes it.
func (e *Event[T]) Subscribe(fn func(T)) *Subscription {
	h := &eventHandler[T]{fn: fn}
	e.handlers = append(e.handlers, h)
	return &Subscription{cancel: func() { e.remove(h) }}
}

func (e *Event[T]) remove(h *eventHandler[T]) {
	for i, existing := range e.handlers {
		if existing == h {
			// Copy so an in-flight Signal keeps iterating its own slice.
			next := make([]*eventHandler[T], 0, len(e.handlers)-1)
			next = append(next, e.handlers[:i]...)
			next = append(next, e.handlers[i+1:]...)
			e.handlers = next
			return
		}
	}
}

// Signal calls every handler with v. Handlers removed during the signal are
// still called for this signal.
func (e *Event[T]) Signal(v T) {
	for _, h := range e.handlers {
		h.fn(v)
	}
}

// HandlerCount returns the number of attached handlers.
func (e *Event[T]) HandlerCount() int {
	return len(e.handlers)
}
