package rpc

import (
	"context"
	"net"
	"sort"
	"sync"

	"gosuda.org/ivory/rpc/metadata"
)

// Request is what a handler receives: the decompressed payload and the
// request metadata.
type Request struct {
	ServicePath string
	SeqID       int64
	Metadata    metadata.MD
	Payload     []byte
	Peer        net.Addr
	// Notify is true for fire-and-forget notifications.
	Notify bool
}

// Response is what a handler returns. Metadata is merged over the request's
// custom metadata before the reserved keys are stamped.
type Response struct {
	Metadata metadata.MD
	Payload  []byte
}

// Handler serves one service path.
//
// A returned *StatusError selects the response status; any other error maps
// to proto.StatusInternal. Handlers must be safe for concurrent use.
type Handler interface {
	ServeRPC(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f HandlerFunc) ServeRPC(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Dispatcher resolves a service path to its handler.
type Dispatcher interface {
	Lookup(servicePath string) (Handler, bool)
}

// ServeMux is the default Dispatcher: an exact-match table of service paths.
type ServeMux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewServeMux creates an empty mux.
func NewServeMux() *ServeMux {
	return &ServeMux{handlers: make(map[string]Handler)}
}

// Handle registers h for servicePath, replacing any previous handler.
func (m *ServeMux) Handle(servicePath string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[servicePath] = h
}

// HandleFunc registers a handler function for servicePath.
func (m *ServeMux) HandleFunc(servicePath string, f func(ctx context.Context, req *Request) (*Response, error)) {
	m.Handle(servicePath, HandlerFunc(f))
}

// Remove unregisters servicePath.
func (m *ServeMux) Remove(servicePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, servicePath)
}

func (m *ServeMux) Lookup(servicePath string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[servicePath]
	return h, ok
}

// Paths returns the registered service paths, sorted.
func (m *ServeMux) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.handlers))
	for p := range m.handlers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
