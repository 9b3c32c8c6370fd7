package sharedmap

import "sync"

// ValueChangedEvent describes an effective set or delete: the key that
// changed and the value it held immediately before, if any.
type ValueChangedEvent struct {
	Key           string
	PreviousValue *LocalValue
}

// ValueChangedListener observes every effective set or delete, including the
// restore step inside clear-except-pending. local reports whether the change
// originated from this replica.
type ValueChangedListener func(ev ValueChangedEvent, local bool)

// ClearListener observes every effective clear that empties the whole store.
// It is not invoked by clear-except-pending; only the individual restores
// fire ValueChangedListener for that case.
type ClearListener func(local bool)

// eventSurface is an explicit observer list per event name. Listeners are
// owned by the caller and deregistered via the unsubscribe func returned at
// registration time.
type eventSurface struct {
	mu             sync.Mutex
	onValueChanged map[int]ValueChangedListener
	onClear        map[int]ClearListener
	nextHandle     int
}

func newEventSurface() *eventSurface {
	return &eventSurface{
		onValueChanged: make(map[int]ValueChangedListener),
		onClear:        make(map[int]ClearListener),
	}
}

func (e *eventSurface) OnValueChanged(fn ValueChangedListener) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.nextHandle
	e.nextHandle++
	e.onValueChanged[h] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.onValueChanged, h)
	}
}

func (e *eventSurface) OnClear(fn ClearListener) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.nextHandle
	e.nextHandle++
	e.onClear[h] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.onClear, h)
	}
}

// emitValueChanged and emitClear snapshot the listener set before calling out
// so a listener unsubscribing itself (or another listener) mid-emit never
// mutates the map being ranged over. Listeners must not mutate the Map they
// were registered on; that is a programming error the kernel does not guard
// against.
func (e *eventSurface) emitValueChanged(ev ValueChangedEvent, local bool) {
	e.mu.Lock()
	listeners := make([]ValueChangedListener, 0, len(e.onValueChanged))
	for _, fn := range e.onValueChanged {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(ev, local)
	}
}

func (e *eventSurface) emitClear(local bool) {
	e.mu.Lock()
	listeners := make([]ClearListener, 0, len(e.onClear))
	for _, fn := range e.onClear {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(local)
	}
}
