// Package emitter is a string-keyed listener registry with once-listeners,
// panic isolation and a soft listener cap.
package emitter

import (
	"reflect"
	"sort"
	"sync"
	"unsafe"

	"github.com/flurbudurbur/Kura/internal/logger"
	"github.com/flurbudurbur/Kura/pkg/errors"

	"github.com/rs/zerolog"
)

const DefaultMaxListeners = 10

var ErrNotCallable = errors.New("listener must be a function")

// identity of a listener: its type plus the func value pointer, so two
// closures created from the same literal stay distinct.
type identity struct {
	typ reflect.Type
	ptr uintptr
}

type listener struct {
	id identity
	fn reflect.Value
}

type Emitter struct {
	log zerolog.Logger

	mu           sync.Mutex
	listeners    map[string][]listener
	once         map[string][]listener
	maxListeners int
	warned       map[string]struct{}
}

func New(log logger.Logger) *Emitter {
	return &Emitter{
		log:          log.With().Str("module", "emitter").Logger(),
		listeners:    make(map[string][]listener),
		once:         make(map[string][]listener),
		maxListeners: DefaultMaxListeners,
		warned:       make(map[string]struct{}),
	}
}

func newListener(fn interface{}) (listener, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return listener{}, errors.Wrap(ErrNotCallable, "got %T", fn)
	}

	// a func value is pointer-shaped, the interface data word is the closure
	data := (*[2]unsafe.Pointer)(unsafe.Pointer(&fn))[1]

	return listener{
		id: identity{typ: v.Type(), ptr: uintptr(data)},
		fn: v,
	}, nil
}

// SetMaxListeners sets the per-event count above which registrations log a
// warning. Registration always succeeds. Zero disables the warning.
func (e *Emitter) SetMaxListeners(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n < 0 {
		n = 0
	}
	e.maxListeners = n
	e.warned = make(map[string]struct{})
}

// On registers fn for event. Registering the same function twice is a no-op.
// The returned func removes the registration.
func (e *Emitter) On(event string, fn interface{}) (func(), error) {
	l, err := newListener(fn)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.listeners[event] = add(e.listeners[event], l)
	e.checkLimit(event)
	e.mu.Unlock()

	return func() { e.remove(false, event, l.id) }, nil
}

// Once registers fn for the next emission of event only.
func (e *Emitter) Once(event string, fn interface{}) (func(), error) {
	l, err := newListener(fn)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.once[event] = add(e.once[event], l)
	e.checkLimit(event)
	e.mu.Unlock()

	return func() { e.remove(true, event, l.id) }, nil
}

// Off removes a persistent registration of fn. Unknown events and
// functions are ignored.
func (e *Emitter) Off(event string, fn interface{}) {
	l, err := newListener(fn)
	if err != nil {
		return
	}
	e.remove(false, event, l.id)
}

// Emit invokes the persistent listeners of event and then its once-listeners,
// in registration order. A panicking listener is logged and the rest still
// run. Emit returns how many listeners were invoked.
func (e *Emitter) Emit(event string, args ...interface{}) int {
	e.mu.Lock()
	persistent := append([]listener(nil), e.listeners[event]...)
	once := e.once[event]
	delete(e.once, event)
	e.mu.Unlock()

	invoked := 0
	for _, l := range persistent {
		e.call(event, l, args)
		invoked++
	}
	for _, l := range once {
		e.call(event, l, args)
		invoked++
	}

	return invoked
}

func (e *Emitter) call(event string, l listener, args []interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("event", event).Interface("panic", r).Msg("listener panicked")
		}
	}()

	l.fn.Call(arguments(l.fn.Type(), args))
}

// arguments fits args to the listener signature: missing arguments become
// zero values and extra ones are dropped unless the listener is variadic.
func arguments(t reflect.Type, args []interface{}) []reflect.Value {
	fixed := t.NumIn()
	if t.IsVariadic() {
		fixed--
	}

	in := make([]reflect.Value, 0, len(args))
	for i := 0; i < fixed; i++ {
		in = append(in, value(t.In(i), args, i))
	}
	if t.IsVariadic() {
		elem := t.In(fixed).Elem()
		for i := fixed; i < len(args); i++ {
			in = append(in, value(elem, args, i))
		}
	}

	return in
}

func value(t reflect.Type, args []interface{}, i int) reflect.Value {
	if i >= len(args) || args[i] == nil {
		return reflect.Zero(t)
	}
	return reflect.ValueOf(args[i])
}

// RemoveAllListeners drops every registration for the given events, or for
// all events when none are given.
func (e *Emitter) RemoveAllListeners(events ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(events) == 0 {
		e.listeners = make(map[string][]listener)
		e.once = make(map[string][]listener)
		e.warned = make(map[string]struct{})
		return
	}

	for _, event := range events {
		delete(e.listeners, event)
		delete(e.once, event)
		delete(e.warned, event)
	}
}

func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.listeners[event]) + len(e.once[event])
}

// EventNames lists events with at least one listener, sorted.
func (e *Emitter) EventNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{}, len(e.listeners)+len(e.once))
	for name := range e.listeners {
		seen[name] = struct{}{}
	}
	for name := range e.once {
		seen[name] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// remove looks the registry up under mu, RemoveAllListeners swaps both maps.
func (e *Emitter) remove(once bool, event string, id identity) {
	e.mu.Lock()
	defer e.mu.Unlock()

	registry := e.listeners
	if once {
		registry = e.once
	}

	list, ok := registry[event]
	if !ok {
		return
	}

	for i, l := range list {
		if l.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}

	if len(list) == 0 {
		delete(registry, event)
		return
	}
	registry[event] = list
}

// checkLimit must be called with mu held.
func (e *Emitter) checkLimit(event string) {
	if e.maxListeners == 0 {
		return
	}

	count := len(e.listeners[event]) + len(e.once[event])
	if count <= e.maxListeners {
		return
	}
	if _, done := e.warned[event]; done {
		return
	}
	e.warned[event] = struct{}{}

	e.log.Warn().Str("event", event).Int("listeners", count).Int("max", e.maxListeners).
		Msg("possible listener leak: more listeners than the configured maximum")
}

func add(list []listener, l listener) []listener {
	for _, existing := range list {
		if existing.id == l.id {
			return list
		}
	}
	return append(list, l)
}
