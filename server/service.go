package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dermesser/clusterinvoke/invoke"
)

var (
	ErrServiceExists    = errors.New("service already registered")
	ErrReservedListener = errors.New("listener name is reserved")
	ErrInvalidService   = errors.New("invalid service specification")
)

/*
A Service receives all non-builtin invocations of the session it is bound to.
Handle runs on its own goroutine, concurrently with other invocations of the
same session, after an admission slot of the session's user was acquired.

If a Service also implements io.Closer, Close is called once when its session
is finalized, i.e. after the connection is gone and the last dispatch returned.
*/
type Service interface {
	Handle(ctx context.Context, in *invoke.Invoke) error
}

/*
ServiceSpec describes a service that sessions can bind with notifyService.
New is called once per binding session.

If Listeners is not empty, invocations for other listeners are dropped before
they reach the service.
*/
type ServiceSpec struct {
	Name              string
	RequiredAuthority int
	Listeners         []string
	New               func(s *Session) (Service, error)
}

func (spec *ServiceSpec) accepts(listener string) bool {
	if len(spec.Listeners) == 0 {
		return true
	}
	for _, l := range spec.Listeners {
		if l == listener {
			return true
		}
	}
	return false
}

// Registry maps service names to specifications.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]ServiceSpec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]ServiceSpec)}
}

/*
Register adds a service. It fails if the name is taken, if New is missing or
if the service advertises one of the builtin listener names.
*/
func (r *Registry) Register(spec ServiceSpec) error {
	if spec.Name == "" || spec.New == nil {
		return fmt.Errorf("%w: name and constructor are required", ErrInvalidService)
	}
	for _, l := range spec.Listeners {
		if lookupBuiltin(l) != builtinNone {
			return fmt.Errorf("%w: service %q advertises %q", ErrReservedListener, spec.Name, l)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.specs[spec.Name]; ok {
		return fmt.Errorf("%w: %q", ErrServiceExists, spec.Name)
	}
	spec.Listeners = append([]string(nil), spec.Listeners...)
	r.specs[spec.Name] = spec
	return nil
}

func (r *Registry) Lookup(name string) (ServiceSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns the registered service names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HandlerFunc handles one invocation for a session.
type HandlerFunc func(ctx context.Context, s *Session, in *invoke.Invoke) error

// Handlers is a table of listener functions without per-session state.
type Handlers map[string]HandlerFunc

// Spec returns a ServiceSpec serving exactly the listeners in h.
func (h Handlers) Spec(name string, requiredAuthority int) ServiceSpec {
	listeners := make([]string, 0, len(h))
	for l := range h {
		listeners = append(listeners, l)
	}
	sort.Strings(listeners)

	return ServiceSpec{
		Name:              name,
		RequiredAuthority: requiredAuthority,
		Listeners:         listeners,
		New: func(s *Session) (Service, error) {
			return &handlerService{handlers: h, session: s}, nil
		},
	}
}

type handlerService struct {
	handlers Handlers
	session  *Session
}

func (hs *handlerService) Handle(ctx context.Context, in *invoke.Invoke) error {
	fn, ok := hs.handlers[in.Listener()]
	if !ok {
		return fmt.Errorf("no handler for %q", in.Listener())
	}
	return fn(ctx, hs.session, in)
}
