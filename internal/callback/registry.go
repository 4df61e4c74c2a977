// Package callback holds small fixed-capacity handler tables keyed by an
// event kind. Dispatch reads the table without locking; Register and
// Unregister serialize among themselves.
package callback

import (
	"errors"
	"sync"
	"sync/atomic"
)

// SlotsPerKind is the number of handlers that may be registered per kind.
const SlotsPerKind = 2

var (
	ErrFull      = errors.New("callback: no free slot")
	ErrBadKind   = errors.New("callback: kind out of range")
	ErrEmptyName = errors.New("callback: name is required")
)

// Func handles one event. A non-nil return is reported by Dispatch.
type Func[T any] func(T) error

type entry[T any] struct {
	name string
	fn   Func[T]
}

// Registry stores up to SlotsPerKind named handlers for each kind in
// [0, kinds). Handlers are identified by name since Go funcs are not
// comparable.
type Registry[K ~uint8, T any] struct {
	mu    sync.Mutex
	slots [][SlotsPerKind]atomic.Pointer[entry[T]]
}

func NewRegistry[K ~uint8, T any](kinds int) *Registry[K, T] {
	return &Registry[K, T]{slots: make([][SlotsPerKind]atomic.Pointer[entry[T]], kinds)}
}

func (r *Registry[K, T]) row(kind K) (*[SlotsPerKind]atomic.Pointer[entry[T]], error) {
	if int(kind) >= len(r.slots) {
		return nil, ErrBadKind
	}
	return &r.slots[kind], nil
}

// Register adds fn under name. Registering a name that is already present for
// kind is a no-op that keeps the existing handler.
func (r *Registry[K, T]) Register(kind K, name string, fn Func[T]) error {
	if name == "" || fn == nil {
		return ErrEmptyName
	}
	row, err := r.row(kind)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	free := -1
	for i := range row {
		e := row[i].Load()
		if e == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if e.name == name {
			return nil
		}
	}
	if free < 0 {
		return ErrFull
	}
	row[free].Store(&entry[T]{name: name, fn: fn})
	return nil
}

// Unregister removes the handler registered under name. Removing a name that
// is not present is a no-op.
func (r *Registry[K, T]) Unregister(kind K, name string) error {
	row, err := r.row(kind)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range row {
		if e := row[i].Load(); e != nil && e.name == name {
			row[i].Store(nil)
		}
	}
	return nil
}

// Dispatch invokes every handler registered for kind, in slot order. When more
// than one handler fails, the last error is returned.
func (r *Registry[K, T]) Dispatch(kind K, ev T) error {
	if int(kind) >= len(r.slots) {
		return ErrBadKind
	}
	var last error
	row := &r.slots[kind]
	for i := range row {
		e := row[i].Load()
		if e == nil {
			continue
		}
		if err := e.fn(ev); err != nil {
			last = err
		}
	}
	return last
}

// Count reports how many handlers are registered for kind.
func (r *Registry[K, T]) Count(kind K) int {
	if int(kind) >= len(r.slots) {
		return 0
	}
	n := 0
	for i := range r.slots[kind] {
		if r.slots[kind][i].Load() != nil {
			n++
		}
	}
	return n
}
