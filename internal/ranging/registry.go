package ranging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrHandleInUse = errors.New("ranging: session handle in use")

// Registry keeps at most one live controller per session handle. A handle is
// released when its controller reaches Closed.
type Registry struct {
	mu   sync.Mutex
	live map[SessionHandle]*Controller
	next SessionHandle
}

func NewRegistry() *Registry {
	return &Registry{live: make(map[SessionHandle]*Controller)}
}

// NextHandle returns a handle not currently live.
func (r *Registry) NextHandle() SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		r.next++
		if r.next <= 0 {
			r.next = 1
		}
		if _, taken := r.live[r.next]; !taken {
			return r.next
		}
	}
}

// Create builds a controller for opts.Handle.
func (r *Registry) Create(opts Options) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.live[opts.Handle]; taken {
		return nil, fmt.Errorf("%w: %d", ErrHandleInUse, opts.Handle)
	}
	h := opts.Handle
	var c *Controller
	c, err := newController(opts, func() { r.release(h, c) })
	if err != nil {
		return nil, err
	}
	r.live[h] = c
	return c, nil
}

func (r *Registry) release(h SessionHandle, c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[h] == c {
		delete(r.live, h)
	}
}

func (r *Registry) Get(h SessionHandle) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.live[h]
	return c, ok
}

// List returns live controllers ordered by handle.
func (r *Registry) List() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Controller, 0, len(r.live))
	for _, c := range r.live {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

// Remove shuts down and forgets the controller for h without calling the engine.
func (r *Registry) Remove(h SessionHandle) bool {
	r.mu.Lock()
	c, ok := r.live[h]
	delete(r.live, h)
	r.mu.Unlock()
	if ok {
		c.Shutdown()
	}
	return ok
}
